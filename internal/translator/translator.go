// Package translator keeps the registry of request and response transforms
// between client dialects and the upstream dialect. Transforms are looked up
// by (from, to) format pair; an unregistered pair passes payloads through
// unchanged.
package translator

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Dialect identifiers used as registry keys.
const (
	FormatClaude      = "claude"
	FormatOpenAI      = "openai"
	FormatAntigravity = "antigravity"
)

// RequestTransform rewrites an inbound request payload into the target
// dialect. The returned bytes are what the executor sends upstream (before
// envelope augmentation).
type RequestTransform func(modelName string, rawJSON []byte, stream bool) []byte

// ResponseTransform converts upstream payloads back to the client dialect.
// Stream is invoked once per upstream SSE chunk (and once with "[DONE]");
// state is owned by the caller and carried across chunks of one request.
type ResponseTransform interface {
	Stream(ctx context.Context, modelName string, originalReq, translatedReq, chunk []byte, state *any) []string
	NonStream(ctx context.Context, modelName string, originalReq, translatedReq, body []byte, state *any) string
}

var (
	requests  = make(map[string]map[string]RequestTransform)
	responses = make(map[string]map[string]ResponseTransform)
)

// Register installs the transforms for a dialect pair.
func Register(from, to string, request RequestTransform, response ResponseTransform) {
	log.Debugf("registering translator %s -> %s", from, to)
	if _, ok := requests[from]; !ok {
		requests[from] = make(map[string]RequestTransform)
	}
	requests[from][to] = request

	if _, ok := responses[from]; !ok {
		responses[from] = make(map[string]ResponseTransform)
	}
	responses[from][to] = response
}

// Request translates a request payload from one dialect to another.
func Request(from, to, modelName string, rawJSON []byte, stream bool) []byte {
	if transform, ok := requests[from][to]; ok {
		return transform(modelName, rawJSON, stream)
	}
	return rawJSON
}

// Response translates a single upstream stream chunk back to the from
// dialect, returning zero or more SSE segments to emit.
func Response(from, to string, ctx context.Context, modelName string, originalReq, translatedReq, chunk []byte, state *any) []string {
	if transform, ok := responses[from][to]; ok {
		return transform.Stream(ctx, modelName, originalReq, translatedReq, chunk, state)
	}
	return []string{string(chunk)}
}

// ResponseNonStream translates a buffered upstream body back to the from
// dialect.
func ResponseNonStream(from, to string, ctx context.Context, modelName string, originalReq, translatedReq, body []byte, state *any) string {
	if transform, ok := responses[from][to]; ok {
		return transform.NonStream(ctx, modelName, originalReq, translatedReq, body, state)
	}
	return string(body)
}

// NeedConvert reports whether a response transform exists for the pair.
func NeedConvert(from, to string) bool {
	_, ok := responses[from][to]
	return ok
}
