package openai

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codelayer/agproxy/internal/signature"
	"github.com/codelayer/agproxy/internal/translator/antigravity"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var toolCallCounter atomic.Int64

// streamState carries per-request translation state across upstream chunks.
type streamState struct {
	completionID string
	created      int64
	roleSent     bool
	toolIndex    int
	thinkingText strings.Builder
	usage        antigravity.Usage
	usageSeen    bool
	finishReason string
	usedTool     bool
	terminalSent bool
	schemas      map[string]gjson.Result
	schemasReady bool
}

// Responder converts upstream chunks into OpenAI chat-completion chunks.
type Responder struct {
	cache *signature.Cache
}

// NewResponder builds the OpenAI response transform.
func NewResponder(cache *signature.Cache) *Responder {
	return &Responder{cache: cache}
}

func stateFrom(param *any) *streamState {
	if param == nil {
		return newStreamState()
	}
	if existing, ok := (*param).(*streamState); ok {
		return existing
	}
	fresh := newStreamState()
	*param = fresh
	return fresh
}

func newStreamState() *streamState {
	return &streamState{
		completionID: fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		created:      time.Now().Unix(),
	}
}

// toolSchemas indexes the client's declared parameter schemas by tool name so
// upstream string-typed arguments can be coerced back to their declared types.
func (s *streamState) toolSchemas(originalReq []byte) map[string]gjson.Result {
	if s.schemasReady {
		return s.schemas
	}
	s.schemasReady = true
	s.schemas = map[string]gjson.Result{}
	for _, tool := range gjson.GetBytes(originalReq, "tools").Array() {
		name := tool.Get("function.name").String()
		if name == "" {
			continue
		}
		s.schemas[name] = tool.Get("function.parameters")
	}
	return s.schemas
}

// Stream translates one upstream SSE data payload (or the "[DONE]"
// terminator) into zero or more OpenAI SSE chunks.
func (r *Responder) Stream(_ context.Context, modelName string, originalReq, _ []byte, chunk []byte, param *any) []string {
	state := stateFrom(param)
	if state.terminalSent {
		return nil
	}
	if strings.TrimSpace(string(chunk)) == "[DONE]" {
		return r.terminal(state, modelName)
	}

	root := gjson.ParseBytes(chunk)
	if inner := root.Get("response"); inner.Exists() {
		root = inner
	}

	family := antigravity.FamilyForModel(modelName)
	var events []string
	for _, part := range root.Get("candidates.0.content.parts").Array() {
		if delta := r.translatePart(state, part, family, originalReq); delta != "" {
			events = append(events, state.chunkEvent(modelName, delta, ""))
		}
	}
	if trailer := groundingTrailer(root); trailer != "" {
		delta, _ := sjson.Set(`{}`, "content", trailer)
		events = append(events, state.chunkEvent(modelName, delta, ""))
	}

	if meta := root.Get("usageMetadata"); meta.Exists() {
		state.usage.Merge(meta)
		state.usageSeen = true
	}
	if finish := root.Get("candidates.0.finishReason"); finish.Exists() {
		state.finishReason = finish.String()
	}
	if state.usageSeen && state.finishReason != "" {
		events = append(events, r.terminal(state, modelName)...)
	}
	return events
}

// translatePart maps one upstream part onto an OpenAI delta object, returning
// "" when the part contributes nothing.
func (r *Responder) translatePart(state *streamState, part gjson.Result, family string, originalReq []byte) string {
	text := part.Get("text")
	functionCall := part.Get("functionCall")
	inline := part.Get("inlineData")

	switch {
	case part.Get("thought").Bool():
		delta := ""
		if text.Exists() && text.String() != "" {
			delta, _ = sjson.Set(`{}`, "reasoning_content", text.String())
			state.thinkingText.WriteString(text.String())
		}
		if sig := part.Get("thoughtSignature"); sig.Exists() && sig.String() != "" {
			decoded := antigravity.DecodeSignature(sig.String())
			setLastThoughtSignature(decoded)
			if r.cache != nil {
				r.cache.Set(state.thinkingText.String(), decoded, family)
			}
			state.thinkingText.Reset()
		}
		return delta

	case functionCall.Exists():
		state.usedTool = true
		name := functionCall.Get("name").String()
		args := antigravity.RemapToolArgumentsJSON(name, []byte(functionCall.Get("args").Raw))
		args = coerceArgsToSchema(args, state.toolSchemas(originalReq)[name])

		call := `{"index":0,"type":"function","function":{"name":"","arguments":""}}`
		call, _ = sjson.Set(call, "index", state.toolIndex)
		call, _ = sjson.Set(call, "id", fmt.Sprintf("call_%s_%d_%d", name, time.Now().UnixMilli(), toolCallCounter.Add(1)))
		call, _ = sjson.Set(call, "function.name", name)
		call, _ = sjson.Set(call, "function.arguments", string(args))
		state.toolIndex++

		delta, _ := sjson.SetRaw(`{}`, "tool_calls.-1", call)
		return delta

	case inline.Exists():
		uri := fmt.Sprintf("data:%s;base64,%s", inline.Get("mime_type").String(), inline.Get("data").String())
		image, _ := sjson.Set(`{"type":"image_url"}`, "image_url.url", uri)
		delta, _ := sjson.SetRaw(`{}`, "images.-1", image)
		return delta

	case text.Exists() && text.String() != "":
		delta, _ := sjson.Set(`{}`, "content", text.String())
		return delta
	}
	return ""
}

// coerceArgsToSchema converts string-valued arguments back to the number,
// integer or boolean types the client's schema declared for them.
func coerceArgsToSchema(args []byte, schema gjson.Result) []byte {
	if !schema.Exists() {
		return args
	}
	out := string(args)
	gjson.ParseBytes(args).ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			return true
		}
		declared := strings.ToLower(schema.Get("properties." + key.String() + ".type").String())
		switch declared {
		case "number", "integer":
			if parsed := gjson.Parse(value.String()); parsed.Type == gjson.Number {
				out, _ = sjson.Set(out, key.String(), parsed.Num)
			}
		case "boolean":
			switch value.String() {
			case "true":
				out, _ = sjson.Set(out, key.String(), true)
			case "false":
				out, _ = sjson.Set(out, key.String(), false)
			}
		}
		return true
	})
	return []byte(out)
}

// groundingTrailer renders web-search activity as markdown appended after the
// answer text: the queries the model issued, then the sources it grounded on.
func groundingTrailer(root gjson.Result) string {
	meta := root.Get("candidates.0.groundingMetadata")
	queries := meta.Get("webSearchQueries").Array()
	chunks := meta.Get("groundingChunks").Array()
	if len(queries) == 0 && len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	if len(queries) > 0 {
		b.WriteString("\n\n**Search queries:**\n")
		for _, query := range queries {
			fmt.Fprintf(&b, "- %s\n", query.String())
		}
	}
	if len(chunks) > 0 {
		b.WriteString("\n\n**Sources:**\n")
		for i, chunk := range chunks {
			title := chunk.Get("web.title").String()
			uri := chunk.Get("web.uri").String()
			if uri == "" {
				continue
			}
			if title == "" {
				title = uri
			}
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, title, uri)
		}
	}
	return b.String()
}

// terminal emits the finish chunk with usage, then the [DONE] sentinel,
// exactly once.
func (r *Responder) terminal(state *streamState, modelName string) []string {
	if state.terminalSent {
		return nil
	}
	state.terminalSent = true

	finish := finishReasonString(state.finishReason, state.usedTool)
	final := state.chunkEvent(modelName, `{}`, finish)
	data := strings.TrimSuffix(strings.TrimPrefix(final, "data: "), "\n\n")
	data, _ = sjson.Set(data, "usage.prompt_tokens", state.usage.InputTokens())
	data, _ = sjson.Set(data, "usage.completion_tokens", state.usage.OutputTokens())
	data, _ = sjson.Set(data, "usage.total_tokens", state.usage.InputTokens()+state.usage.OutputTokens())

	return []string{
		fmt.Sprintf("data: %s\n\n", data),
		"data: [DONE]\n\n",
	}
}

func finishReasonString(finishReason string, usedTool bool) string {
	switch {
	case usedTool:
		return "tool_calls"
	case finishReason == "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

// chunkEvent wraps a delta object into one chat.completion.chunk SSE line.
// The assistant role rides on the first chunk only.
func (s *streamState) chunkEvent(modelName, delta, finishReason string) string {
	if !s.roleSent {
		delta, _ = sjson.Set(delta, "role", "assistant")
		s.roleSent = true
	}
	out := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	out, _ = sjson.Set(out, "id", s.completionID)
	out, _ = sjson.Set(out, "created", s.created)
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.SetRaw(out, "choices.0.delta", delta)
	if finishReason != "" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", finishReason)
	}
	return fmt.Sprintf("data: %s\n\n", out)
}

// NonStream converts a buffered upstream body into a single chat completion.
func (r *Responder) NonStream(_ context.Context, modelName string, originalReq, _ []byte, body []byte, param *any) string {
	state := stateFrom(param)
	root := gjson.ParseBytes(body)
	if inner := root.Get("response"); inner.Exists() {
		root = inner
	}

	family := antigravity.FamilyForModel(modelName)
	var content, reasoning strings.Builder
	var toolCalls []string
	usedTool := false

	for _, part := range root.Get("candidates.0.content.parts").Array() {
		text := part.Get("text")
		functionCall := part.Get("functionCall")
		switch {
		case part.Get("thought").Bool():
			reasoning.WriteString(text.String())
			if sig := part.Get("thoughtSignature"); sig.Exists() && sig.String() != "" {
				decoded := antigravity.DecodeSignature(sig.String())
				setLastThoughtSignature(decoded)
				if r.cache != nil {
					r.cache.Set(reasoning.String(), decoded, family)
				}
			}
		case functionCall.Exists():
			usedTool = true
			name := functionCall.Get("name").String()
			args := antigravity.RemapToolArgumentsJSON(name, []byte(functionCall.Get("args").Raw))
			args = coerceArgsToSchema(args, state.toolSchemas(originalReq)[name])
			call := `{"type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", fmt.Sprintf("call_%s_%d_%d", name, time.Now().UnixMilli(), toolCallCounter.Add(1)))
			call, _ = sjson.Set(call, "function.name", name)
			call, _ = sjson.Set(call, "function.arguments", string(args))
			toolCalls = append(toolCalls, call)
		case text.Exists():
			content.WriteString(text.String())
		}
	}
	if trailer := groundingTrailer(root); trailer != "" {
		content.WriteString(trailer)
	}

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", state.completionID)
	out, _ = sjson.Set(out, "created", state.created)
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "choices.0.message.content", content.String())
	if reasoning.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", reasoning.String())
	}
	for _, call := range toolCalls {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls.-1", call)
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", finishReasonString(root.Get("candidates.0.finishReason").String(), usedTool))

	var usage antigravity.Usage
	usage.Merge(root.Get("usageMetadata"))
	out, _ = sjson.Set(out, "usage.prompt_tokens", usage.InputTokens())
	out, _ = sjson.Set(out, "usage.completion_tokens", usage.OutputTokens())
	out, _ = sjson.Set(out, "usage.total_tokens", usage.InputTokens()+usage.OutputTokens())
	return out
}
