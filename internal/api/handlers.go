package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/codelayer/agproxy/internal/auth"
	"github.com/codelayer/agproxy/internal/executor"
	"github.com/codelayer/agproxy/internal/jsonpath"
	"github.com/codelayer/agproxy/internal/monitor"
	"github.com/codelayer/agproxy/internal/translator"
	"github.com/codelayer/agproxy/internal/translator/claude"
)

func (s *Server) handleClaudeMessages(c *gin.Context) {
	s.proxy(c, translator.FormatClaude, monitor.ProtocolAnthropic)
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	s.proxy(c, translator.FormatOpenAI, monitor.ProtocolOpenAI)
}

// proxy is the shared request path for both dialects: read, resolve the
// model, relieve context pressure, then walk accounts until one answers.
func (s *Server) proxy(c *gin.Context, dialect string, protocol monitor.Protocol) {
	started := time.Now()
	obs := monitor.NewObservation(c.Request.Method, c.Request.URL.Path, protocol)
	emitted := false
	emit := func(status int, errMsg string) {
		if emitted {
			return
		}
		emitted = true
		obs.Status = status
		obs.DurationMS = time.Since(started).Milliseconds()
		obs.Error = errMsg
		s.recorder.Record(obs)
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		emit(http.StatusBadRequest, err.Error())
		writeError(c, dialect, http.StatusBadRequest, "failed to read request body")
		return
	}

	originalModel := gjson.GetBytes(body, "model").String()
	if originalModel == "" {
		emit(http.StatusBadRequest, "missing model")
		writeError(c, dialect, http.StatusBadRequest, "model is required")
		return
	}
	modelName := s.routes.Resolve(originalModel)
	obs.OriginalModel = originalModel
	obs.MappedModel = modelName

	stream := gjson.GetBytes(body, "stream").Bool()

	if dialect == translator.FormatClaude && s.ctxmgr != nil {
		body = s.compress(c, body)
	}

	attempts := s.cfg.RequestRetry
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		account := s.bal.Pick(s.accounts.List())
		if account == nil {
			emit(http.StatusTooManyRequests, "no accounts available")
			c.Header("Retry-After", "60")
			writeError(c, dialect, http.StatusTooManyRequests, "no accounts available")
			return
		}
		obs.AccountEmail = account.Email

		if stream {
			done, err := s.serveStream(c, dialect, account, modelName, body, obs)
			if done {
				emit(http.StatusOK, "")
				return
			}
			lastErr = err
		} else {
			out, err := s.serveOnce(c, dialect, account, modelName, body, obs)
			if err == nil {
				emit(http.StatusOK, "")
				c.Data(http.StatusOK, "application/json", out)
				return
			}
			lastErr = err
		}

		status := executor.StatusCode(lastErr)
		if status == 499 {
			emit(499, "client canceled")
			return
		}
		if status != http.StatusTooManyRequests && status < 500 {
			break
		}
		log.Debugf("api: attempt %d with %s failed (%d), trying next account", attempt+1, account.Email, status)
	}

	status := executor.StatusCode(lastErr)
	msg := "upstream request failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	emit(status, msg)
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "60")
	}
	writeError(c, dialect, status, msg)
}

// handleCountTokens serves the Anthropic count-tokens surface by forwarding
// the translated envelope to the upstream's count action.
func (s *Server) handleCountTokens(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, translator.FormatClaude, http.StatusBadRequest, "failed to read request body")
		return
	}
	originalModel := gjson.GetBytes(body, "model").String()
	if originalModel == "" {
		writeError(c, translator.FormatClaude, http.StatusBadRequest, "model is required")
		return
	}
	modelName := s.routes.Resolve(originalModel)

	account := s.bal.Pick(s.accounts.List())
	if account == nil {
		c.Header("Retry-After", "60")
		writeError(c, translator.FormatClaude, http.StatusTooManyRequests, "no accounts available")
		return
	}

	envelope := translator.Request(translator.FormatClaude, translator.FormatAntigravity, modelName, body, false)
	out, err := s.exec.CountTokens(c.Request.Context(), account, envelope)
	if err != nil {
		status := executor.StatusCode(err)
		writeError(c, translator.FormatClaude, status, err.Error())
		return
	}
	total := gjson.GetBytes(out, "totalTokens")
	if !total.Exists() {
		total = gjson.GetBytes(out, "response.totalTokens")
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": total.Int()})
}

// compress runs the context manager against a Claude-dialect body; the
// caller learns about purification through the response header.
func (s *Server) compress(c *gin.Context, body []byte) []byte {
	root, err := jsonpath.Parse(body)
	if err != nil {
		return body
	}
	result := s.ctxmgr.Compress(root)
	if !result.Purified && result.ForkSignature == "" {
		return body
	}
	if result.Purified {
		c.Header("X-Context-Purified", "true")
	}
	out, err := jsonpath.Stringify(root)
	if err != nil {
		return body
	}
	return out
}

// serveOnce answers a non-streaming request. The Claude dialect is always
// driven over the streaming upstream and folded back into one message; the
// OpenAI dialect uses the unary call.
func (s *Server) serveOnce(c *gin.Context, dialect string, account *auth.Account, modelName string, body []byte, obs *monitor.Observation) ([]byte, error) {
	if dialect == translator.FormatClaude {
		chunks, err := s.exec.ExecuteStream(c.Request.Context(), account, dialect, modelName, body)
		if err != nil {
			return nil, err
		}
		var sse strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			sse.Write(chunk.Payload)
		}
		out := claude.CollectStream(sse.String())
		recordUsage(obs, []byte(out))
		return []byte(out), nil
	}

	out, err := s.exec.Execute(c.Request.Context(), account, dialect, modelName, body)
	if err != nil {
		return nil, err
	}
	recordUsage(obs, out)
	return out, nil
}

// serveStream relays translated SSE to the client. Once the first payload is
// written the response is committed and errors can no longer fail over; the
// bool reports whether anything was written.
func (s *Server) serveStream(c *gin.Context, dialect string, account *auth.Account, modelName string, body []byte, obs *monitor.Observation) (bool, error) {
	chunks, err := s.exec.ExecuteStream(c.Request.Context(), account, dialect, modelName, body)
	if err != nil {
		return false, err
	}

	flusher, _ := c.Writer.(http.Flusher)
	wrote := false
	for chunk := range chunks {
		if chunk.Err != nil {
			if !wrote {
				return false, chunk.Err
			}
			log.Warnf("api: stream aborted mid-response: %v", chunk.Err)
			return true, nil
		}
		if !wrote {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Status(http.StatusOK)
			wrote = true
		}
		recordStreamUsage(obs, chunk.Payload)
		_, _ = c.Writer.Write(chunk.Payload)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if !wrote {
		return false, fmt.Errorf("upstream stream closed without data")
	}
	return true, nil
}

// recordUsage pulls token counts out of a complete response body, whichever
// dialect's usage shape it carries.
func recordUsage(obs *monitor.Observation, body []byte) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return
	}
	if v := usage.Get("input_tokens"); v.Exists() {
		obs.InputTokens = v.Int()
		obs.OutputTokens = usage.Get("output_tokens").Int()
		return
	}
	if v := usage.Get("prompt_tokens"); v.Exists() {
		obs.InputTokens = v.Int()
		obs.OutputTokens = usage.Get("completion_tokens").Int()
	}
}

// recordStreamUsage scans one SSE emission for usage fields; later
// emissions overwrite earlier ones so the final totals win.
func recordStreamUsage(obs *monitor.Observation, payload []byte) {
	for _, line := range strings.Split(string(payload), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		if in := gjson.Get(data, "message.usage.input_tokens"); in.Exists() {
			obs.InputTokens = in.Int()
		}
		if out := gjson.Get(data, "usage.output_tokens"); out.Exists() {
			obs.OutputTokens = out.Int()
		}
		if in := gjson.Get(data, "usage.input_tokens"); in.Exists() {
			obs.InputTokens = in.Int()
		}
		if prompt := gjson.Get(data, "usage.prompt_tokens"); prompt.Exists() {
			obs.InputTokens = prompt.Int()
			obs.OutputTokens = gjson.Get(data, "usage.completion_tokens").Int()
		}
	}
}

// writeError renders the dialect's native error envelope.
func writeError(c *gin.Context, dialect string, status int, message string) {
	errType := errorType(status)
	if dialect == translator.FormatClaude {
		c.JSON(status, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    errType,
				"message": message,
			},
		})
		return
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
			"code":    fmt.Sprintf("%d", status),
		},
	})
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}
