// Package executor drives the upstream HTTP conversation: it translates the
// inbound payload, augments the envelope, walks the base-URL ladder with 401
// refresh and 429 fail-over, and streams translated SSE back to the caller.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/codelayer/agproxy/internal/auth"
	"github.com/codelayer/agproxy/internal/balancer"
	"github.com/codelayer/agproxy/internal/device"
	"github.com/codelayer/agproxy/internal/translator"
	"github.com/codelayer/agproxy/internal/util"
)

// Candidate base hosts, tried in order.
var defaultBaseURLs = []string{
	"https://cloudcode-pa.sandbox.googleapis.com/v1internal",
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
}

// attemptTimeout bounds one outbound attempt.
const attemptTimeout = 10 * time.Minute

// retryDelayCap bounds body-derived 429 delays before jitter.
const retryDelayCap = 10 * time.Second

type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string   { return fmt.Sprintf("status %d: %s", e.code, e.msg) }
func (e statusErr) StatusCode() int { return e.code }

// StatusCode extracts an HTTP status from an executor error. Cancellation
// maps to 499, anything unrecognized to 502.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if coded, ok := err.(interface{ StatusCode() int }); ok {
		return coded.StatusCode()
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return 499
	}
	return http.StatusBadGateway
}

// StreamChunk is one translated SSE emission or a terminal error.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// Options configures an Executor. Zero values use production defaults.
type Options struct {
	BaseURLs   []string
	HTTPClient *http.Client
	Version    string
}

// Executor coordinates translation, transport, and load-balancer signaling.
type Executor struct {
	baseURLs []string
	client   *http.Client
	version  string
	bal      *balancer.Balancer

	// refresh is swappable for tests; default reaches the real token endpoint
	refresh func(ctx context.Context, account *auth.Account) error
}

func New(opts Options, bal *balancer.Balancer) *Executor {
	baseURLs := opts.BaseURLs
	if len(baseURLs) == 0 {
		baseURLs = defaultBaseURLs
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}
	return &Executor{
		baseURLs: baseURLs,
		client:   client,
		version:  version,
		bal:      bal,
		refresh: func(ctx context.Context, account *auth.Account) error {
			return account.ForceRefresh(ctx)
		},
	}
}

// Execute performs a non-streaming request and returns the translated body.
func (e *Executor) Execute(ctx context.Context, account *auth.Account, from string, modelName string, original []byte) ([]byte, error) {
	if err := e.ensureToken(ctx, account); err != nil {
		return nil, statusErr{code: http.StatusUnauthorized, msg: err.Error()}
	}
	translated := translator.Request(from, translator.FormatAntigravity, modelName, original, false)
	envelope := e.augment(translated, account, original)

	resp, cancel, err := e.attempt(ctx, account, ":generateContent", envelope)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var state any
	out := translator.ResponseNonStream(from, translator.FormatAntigravity, ctx, modelName, original, envelope, body, &state)
	return []byte(out), nil
}

// ExecuteStream performs a streaming request; each channel payload is one
// already-translated SSE emission in the caller's dialect.
func (e *Executor) ExecuteStream(ctx context.Context, account *auth.Account, from string, modelName string, original []byte) (<-chan StreamChunk, error) {
	if err := e.ensureToken(ctx, account); err != nil {
		return nil, statusErr{code: http.StatusUnauthorized, msg: err.Error()}
	}
	translated := translator.Request(from, translator.FormatAntigravity, modelName, original, true)
	envelope := e.augment(translated, account, original)

	resp, cancel, err := e.attempt(ctx, account, ":streamGenerateContent?alt=sse", envelope)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 1024*1024)
		scanner.Buffer(buf, 1024*1024)
		var param any
		for scanner.Scan() {
			line := scanner.Bytes()
			data, ok := bytes.CutPrefix(line, []byte("data: "))
			if !ok {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			lines := translator.Response(from, translator.FormatAntigravity, ctx, modelName, original, envelope, bytes.Clone(data), &param)
			for i := range lines {
				select {
				case out <- StreamChunk{Payload: []byte(lines[i])}:
				case <-ctx.Done():
					return
				}
			}
		}
		lines := translator.Response(from, translator.FormatAntigravity, ctx, modelName, original, envelope, []byte("[DONE]"), &param)
		for i := range lines {
			select {
			case out <- StreamChunk{Payload: []byte(lines[i])}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- StreamChunk{Err: err}
		}
	}()
	return out, nil
}

// CountTokens forwards a count request for the already-translated envelope.
func (e *Executor) CountTokens(ctx context.Context, account *auth.Account, envelope []byte) ([]byte, error) {
	if err := e.ensureToken(ctx, account); err != nil {
		return nil, statusErr{code: http.StatusUnauthorized, msg: err.Error()}
	}
	envelope, _ = sjson.DeleteBytes(envelope, "request.tools")
	resp, cancel, err := e.attempt(ctx, account, ":countTokens", envelope)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// FetchAvailableModels asks the upstream for its model list.
func (e *Executor) FetchAvailableModels(ctx context.Context, account *auth.Account) ([]byte, error) {
	if err := e.ensureToken(ctx, account); err != nil {
		return nil, statusErr{code: http.StatusUnauthorized, msg: err.Error()}
	}
	resp, cancel, err := e.attempt(ctx, account, ":fetchAvailableModels", []byte("{}"))
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func (e *Executor) ensureToken(ctx context.Context, account *auth.Account) error {
	if !account.Expired() {
		return nil
	}
	return account.Refresh(ctx)
}

// augment applies the fixed envelope fields the upstream expects and strips
// any caller-provided safety settings from the envelope root.
func (e *Executor) augment(envelope []byte, account *auth.Account, original []byte) []byte {
	envelope, _ = sjson.DeleteBytes(envelope, "safetySettings")
	envelope, _ = sjson.SetBytes(envelope, "userAgent", "antigravity")
	envelope, _ = sjson.SetBytes(envelope, "requestType", "agent")

	project := account.ProjectID()
	if project == "" {
		project = util.GenerateProjectID()
	}
	envelope, _ = sjson.SetBytes(envelope, "project", project)
	envelope, _ = sjson.SetBytes(envelope, "requestId", "agent-"+uuid.NewString())
	envelope, _ = sjson.SetBytes(envelope, "request.sessionId", util.SessionID(firstUserText(original)))
	return envelope
}

// firstUserText finds the first user message's text in either inbound
// dialect; string contents and text blocks are both recognized.
func firstUserText(original []byte) string {
	for _, message := range gjson.GetBytes(original, "messages").Array() {
		if message.Get("role").String() != "user" {
			continue
		}
		content := message.Get("content")
		if content.Type == gjson.String {
			return content.String()
		}
		for _, block := range content.Array() {
			if text := block.Get("text"); text.Exists() {
				return text.String()
			}
		}
	}
	return ""
}

// attempt walks the base-URL ladder. 401 triggers at most one token refresh
// for the whole request; 429 marks the account rate-limited and moves on;
// quota markers flag the account permanently.
func (e *Executor) attempt(ctx context.Context, account *auth.Account, action string, body []byte) (*http.Response, context.CancelFunc, error) {
	refreshed := false
	var lastErr error

	for idx, base := range e.baseURLs {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		resp, err := e.post(attemptCtx, account, base+action, body)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			_ = resp.Body.Close()
			if refreshed {
				cancel()
				return nil, nil, statusErr{code: http.StatusUnauthorized, msg: "authentication failed after refresh"}
			}
			refreshed = true
			if err = e.refresh(ctx, account); err != nil {
				cancel()
				return nil, nil, statusErr{code: http.StatusUnauthorized, msg: fmt.Sprintf("token refresh: %v", err)}
			}
			resp, err = e.post(attemptCtx, account, base+action, body)
			if err != nil {
				cancel()
				lastErr = err
				continue
			}
			if resp.StatusCode == http.StatusUnauthorized {
				_ = resp.Body.Close()
				cancel()
				return nil, nil, statusErr{code: http.StatusUnauthorized, msg: "authentication failed after refresh"}
			}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, cancel, nil
		}

		errBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), errBody)
			if e.bal != nil {
				e.bal.MarkRateLimited(account.ID, retryAfter, string(errBody))
			}
			lastErr = statusErr{code: resp.StatusCode, msg: string(errBody)}
		case isQuotaError(errBody):
			if e.bal != nil {
				e.bal.MarkQuotaExceeded(account.ID, string(errBody))
			}
			return nil, nil, statusErr{code: resp.StatusCode, msg: string(errBody)}
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusRequestTimeout:
			lastErr = statusErr{code: resp.StatusCode, msg: string(errBody)}
		default:
			return nil, nil, statusErr{code: resp.StatusCode, msg: string(errBody)}
		}
		log.Debugf("executor: %s%s returned %d, %d endpoints left", base, action, resp.StatusCode, len(e.baseURLs)-idx-1)
	}

	if lastErr == nil {
		lastErr = statusErr{code: http.StatusBadGateway, msg: "all upstream endpoints failed"}
	}
	return nil, nil, lastErr
}

func (e *Executor) post(ctx context.Context, account *auth.Account, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	req.Header.Set("User-Agent", fmt.Sprintf("antigravity/%s %s/%s", e.version, runtime.GOOS, runtime.GOARCH))
	device.Apply(req.Header, account.DeviceProfile)
	return e.client.Do(req)
}

// parseRetryAfter prefers the Retry-After header (seconds); body-derived
// google.rpc.RetryInfo delays get a small buffer, a cap, and jitter.
func parseRetryAfter(header string, body []byte) time.Duration {
	if header = strings.TrimSpace(header); header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var delay time.Duration
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if raw := detail.Get("retryDelay").String(); raw != "" {
			if parsed, err := time.ParseDuration(raw); err == nil {
				delay = parsed
				return false
			}
		}
		return true
	})
	if delay <= 0 {
		return 0
	}
	delay += 200 * time.Millisecond
	if delay > retryDelayCap {
		delay = retryDelayCap
	}
	// up to 10% jitter keeps synchronized clients from retrying in lockstep
	return delay + time.Duration(rand.Int63n(int64(delay)/10+1))
}

func isQuotaError(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "quota") || strings.Contains(lower, "exceeded")
}
