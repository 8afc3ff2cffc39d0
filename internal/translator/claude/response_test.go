package claude

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/codelayer/agproxy/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func collectEvents(t *testing.T, responder *Responder, chunks ...string) []string {
	t.Helper()
	var state any
	var events []string
	for _, chunk := range chunks {
		events = append(events, responder.Stream(context.Background(), "gemini-3-pro", nil, nil, []byte(chunk), &state)...)
	}
	return events
}

func eventTypes(events []string) []string {
	var types []string
	for _, event := range events {
		for _, line := range strings.Split(event, "\n") {
			if strings.HasPrefix(line, "data: ") {
				types = append(types, gjson.Get(strings.TrimPrefix(line, "data: "), "type").String())
			}
		}
	}
	return types
}

func TestStreamTextLifecycle(t *testing.T) {
	responder := NewResponder(nil)
	events := collectEvents(t, responder,
		`{"candidates":[{"content":{"parts":[{"text":"hel"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}`,
	)

	types := eventTypes(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	}, types)
}

func TestStreamTerminalFiresOnce(t *testing.T) {
	responder := NewResponder(nil)
	events := collectEvents(t, responder,
		`{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}`,
		`[DONE]`,
	)

	types := eventTypes(events)
	starts, stops := 0, 0
	for _, kind := range types {
		switch kind {
		case "message_start":
			starts++
		case "message_stop":
			stops++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestEmptyStreamStillOpensMessage(t *testing.T) {
	responder := NewResponder(nil)
	events := collectEvents(t, responder, `[DONE]`)

	types := eventTypes(events)
	require.Equal(t, []string{"message_start", "message_delta", "message_stop"}, types)
	assert.Contains(t, events[0], `"model":"gemini-3-pro"`)
}

func TestStreamDoneWithoutUsageSynthesizesTerminal(t *testing.T) {
	responder := NewResponder(nil)
	events := collectEvents(t, responder,
		`{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`,
		`[DONE]`,
	)
	types := eventTypes(events)
	require.NotEmpty(t, types)
	assert.Equal(t, "message_stop", types[len(types)-1])
	assert.Contains(t, types, "message_delta")
}

func TestStreamBase64SignatureRoundTrip(t *testing.T) {
	cache := signature.NewCache(signature.Options{})
	defer cache.Close()
	responder := NewResponder(cache)

	plain := "claude-signature-x" + strings.Repeat("-", 42)
	encoded := base64.StdEncoding.EncodeToString([]byte(plain))

	events := collectEvents(t, responder,
		`{"candidates":[{"content":{"parts":[{"thought":true,"text":"thinking hard"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"thought":true,"thoughtSignature":"`+encoded+`"}]}}]}`,
	)

	var sigValue string
	for _, event := range events {
		for _, line := range strings.Split(event, "\n") {
			if strings.HasPrefix(line, "data: ") {
				data := gjson.Parse(strings.TrimPrefix(line, "data: "))
				if data.Get("delta.type").String() == "signature_delta" {
					sigValue = data.Get("delta.signature").String()
				}
			}
		}
	}
	assert.Equal(t, "gemini#"+plain, sigValue)

	// The accumulated thinking text was cached against the decoded signature.
	cached, ok := cache.Get("thinking hard")
	require.True(t, ok)
	assert.Equal(t, plain, cached)
}

func TestStreamThinkingToTextTransition(t *testing.T) {
	responder := NewResponder(nil)
	events := collectEvents(t, responder,
		`{"candidates":[{"content":{"parts":[{"thought":true,"text":"hmm"},{"text":"answer"}]}}]}`,
	)
	types := eventTypes(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", // thinking
		"content_block_stop",
		"content_block_start", "content_block_delta", // text
	}, types)
}

func TestStreamFunctionCall(t *testing.T) {
	responder := NewResponder(nil)
	events := collectEvents(t, responder,
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"grep","args":{"description":"find x","paths":["src"]}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}`,
	)

	joined := strings.Join(events, "")
	assert.Contains(t, joined, `"tool_use"`)

	var partial, stopReason, toolID string
	for _, line := range strings.Split(joined, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := gjson.Parse(strings.TrimPrefix(line, "data: "))
		switch {
		case data.Get("delta.type").String() == "input_json_delta":
			partial = data.Get("delta.partial_json").String()
		case data.Get("type").String() == "message_delta":
			stopReason = data.Get("delta.stop_reason").String()
		case data.Get("content_block.type").String() == "tool_use":
			toolID = data.Get("content_block.id").String()
		}
	}

	assert.Equal(t, "find x", gjson.Get(partial, "pattern").String())
	assert.Equal(t, "src", gjson.Get(partial, "path").String())
	assert.Equal(t, "tool_use", stopReason)
	assert.True(t, strings.HasPrefix(toolID, "grep-"))
}

func TestStreamUsageTally(t *testing.T) {
	responder := NewResponder(nil)
	events := collectEvents(t, responder,
		`{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"MAX_TOKENS"}],"usageMetadata":{"promptTokenCount":100,"cachedContentTokenCount":30,"candidatesTokenCount":40,"thoughtsTokenCount":10}}`,
	)
	joined := strings.Join(events, "")
	var input, output int64
	var stop string
	for _, line := range strings.Split(joined, "\n") {
		if strings.HasPrefix(line, "data: ") {
			data := gjson.Parse(strings.TrimPrefix(line, "data: "))
			if data.Get("type").String() == "message_delta" {
				input = data.Get("usage.input_tokens").Int()
				output = data.Get("usage.output_tokens").Int()
				stop = data.Get("delta.stop_reason").String()
			}
		}
	}
	assert.Equal(t, int64(70), input)
	assert.Equal(t, int64(50), output)
	assert.Equal(t, "max_tokens", stop)
}

func TestNonStreamResponse(t *testing.T) {
	responder := NewResponder(nil)
	body := `{"response":{"responseId":"resp-1","candidates":[{"content":{"parts":[
		{"thought":true,"text":"think","thoughtSignature":"` + strings.Repeat("s", 60) + `"},
		{"text":"answer"},
		{"functionCall":{"name":"ls","args":{}}}
	]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}`

	var state any
	out := responder.NonStream(context.Background(), "gemini-3-pro", nil, nil, []byte(body), &state)

	assert.Equal(t, "resp-1", gjson.Get(out, "id").String())
	content := gjson.Get(out, "content").Array()
	require.Len(t, content, 3)
	assert.Equal(t, "thinking", content[0].Get("type").String())
	assert.Equal(t, "text", content[1].Get("type").String())
	assert.Equal(t, "tool_use", content[2].Get("type").String())
	assert.Equal(t, "tool_use", gjson.Get(out, "stop_reason").String())
	assert.Equal(t, ".", content[2].Get("input.path").String())
}

func TestCollectStream(t *testing.T) {
	responder := NewResponder(nil)
	events := collectEvents(t, responder,
		`{"responseId":"r1","candidates":[{"content":{"parts":[{"text":"hello "}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`,
	)

	out := CollectStream(strings.Join(events, ""))
	assert.Equal(t, "r1", gjson.Get(out, "id").String())
	assert.Equal(t, "hello world", gjson.Get(out, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.Get(out, "stop_reason").String())
	assert.Equal(t, int64(2), gjson.Get(out, "usage.output_tokens").Int())
}
