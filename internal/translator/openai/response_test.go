package openai

import (
	"context"
	"strings"
	"testing"

	"github.com/codelayer/agproxy/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func collectChunks(t *testing.T, responder *Responder, originalReq string, chunks ...string) []string {
	t.Helper()
	var state any
	var events []string
	for _, chunk := range chunks {
		events = append(events, responder.Stream(context.Background(), "gemini-3-pro", []byte(originalReq), nil, []byte(chunk), &state)...)
	}
	return events
}

func chunkData(events []string) []gjson.Result {
	var out []gjson.Result
	for _, event := range events {
		payload := strings.TrimSuffix(strings.TrimPrefix(event, "data: "), "\n\n")
		if payload == "[DONE]" {
			continue
		}
		out = append(out, gjson.Parse(payload))
	}
	return out
}

func TestStreamTextChunks(t *testing.T) {
	responder := NewResponder(nil)
	events := collectChunks(t, responder, "{}",
		`{"candidates":[{"content":{"parts":[{"text":"hel"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}`,
	)

	require.True(t, strings.HasSuffix(events[len(events)-1], "[DONE]\n\n"))
	data := chunkData(events)
	require.Len(t, data, 3)
	assert.Equal(t, "assistant", data[0].Get("choices.0.delta.role").String())
	assert.Equal(t, "hel", data[0].Get("choices.0.delta.content").String())
	assert.Equal(t, "lo", data[1].Get("choices.0.delta.content").String())
	assert.False(t, data[1].Get("choices.0.delta.role").Exists())

	final := data[2]
	assert.Equal(t, "stop", final.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(10), final.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(5), final.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(15), final.Get("usage.total_tokens").Int())
}

func TestStreamReasoningAndSignature(t *testing.T) {
	cache := signature.NewCache(signature.Options{})
	defer cache.Close()
	responder := NewResponder(cache)
	setLastThoughtSignature("")

	plain := "plain-signature" + strings.Repeat("-", 45)
	events := collectChunks(t, responder, "{}",
		`{"candidates":[{"content":{"parts":[{"thought":true,"text":"mulling"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"thought":true,"thoughtSignature":"`+plain+`"}]}}]}`,
	)

	data := chunkData(events)
	require.Len(t, data, 1)
	assert.Equal(t, "mulling", data[0].Get("choices.0.delta.reasoning_content").String())

	cached, ok := cache.Get("mulling")
	require.True(t, ok)
	assert.Equal(t, plain, cached)
	assert.Equal(t, plain, getLastThoughtSignature())
}

func TestStreamToolCallCoercion(t *testing.T) {
	responder := NewResponder(nil)
	originalReq := `{"tools":[{"type":"function","function":{"name":"read","parameters":{
		"type":"object","properties":{"limit":{"type":"integer"},"follow":{"type":"boolean"}}
	}}}]}`

	events := collectChunks(t, responder, originalReq,
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"read","args":{"path":"main.go","limit":"40","follow":"true"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}`,
	)

	data := chunkData(events)
	require.NotEmpty(t, data)
	call := data[0].Get("choices.0.delta.tool_calls.0")
	require.True(t, call.Exists())
	assert.True(t, strings.HasPrefix(call.Get("id").String(), "call_read_"))
	assert.Equal(t, "read", call.Get("function.name").String())

	args := gjson.Parse(call.Get("function.arguments").String())
	assert.Equal(t, "main.go", args.Get("file_path").String())
	assert.Equal(t, int64(40), args.Get("limit").Int())
	assert.Equal(t, gjson.Number, args.Get("limit").Type)
	assert.True(t, args.Get("follow").Bool())
	assert.Equal(t, gjson.True, args.Get("follow").Type)

	final := data[len(data)-1]
	assert.Equal(t, "tool_calls", final.Get("choices.0.finish_reason").String())
}

func TestStreamTerminalOnce(t *testing.T) {
	responder := NewResponder(nil)
	events := collectChunks(t, responder, "{}",
		`{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}`,
		`[DONE]`,
	)

	done := 0
	for _, event := range events {
		if strings.Contains(event, "[DONE]") {
			done++
		}
	}
	assert.Equal(t, 1, done)
}

func TestStreamInlineImage(t *testing.T) {
	responder := NewResponder(nil)
	events := collectChunks(t, responder, "{}",
		`{"candidates":[{"content":{"parts":[{"inlineData":{"mime_type":"image/png","data":"aGVsbG8="}}]}}]}`,
	)
	data := chunkData(events)
	require.Len(t, data, 1)
	image := data[0].Get("choices.0.delta.images.0")
	assert.Equal(t, "image_url", image.Get("type").String())
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", image.Get("image_url.url").String())
}

func TestStreamGroundingTrailer(t *testing.T) {
	responder := NewResponder(nil)
	events := collectChunks(t, responder, "{}",
		`{"candidates":[{"content":{"parts":[{"text":"answer"}]},"groundingMetadata":{"groundingChunks":[
			{"web":{"title":"Example","uri":"https://example.com"}}
		]}}]}`,
	)
	data := chunkData(events)
	require.Len(t, data, 2)
	trailer := data[1].Get("choices.0.delta.content").String()
	assert.Contains(t, trailer, "**Sources:**")
	assert.Contains(t, trailer, "[Example](https://example.com)")
}

func TestStreamGroundingTrailerIncludesQueries(t *testing.T) {
	responder := NewResponder(nil)
	events := collectChunks(t, responder, "{}",
		`{"candidates":[{"content":{"parts":[{"text":"answer"}]},"groundingMetadata":{
			"webSearchQueries":["go sqlite wal mode"],
			"groundingChunks":[{"web":{"title":"Example","uri":"https://example.com"}}]
		}}]}`,
	)
	data := chunkData(events)
	require.Len(t, data, 2)
	trailer := data[1].Get("choices.0.delta.content").String()
	assert.Contains(t, trailer, "**Search queries:**")
	assert.Contains(t, trailer, "- go sqlite wal mode")
	assert.Contains(t, trailer, "**Sources:**")
}

func TestStreamGroundingQueriesWithoutChunks(t *testing.T) {
	responder := NewResponder(nil)
	events := collectChunks(t, responder, "{}",
		`{"candidates":[{"content":{"parts":[{"text":"answer"}]},"groundingMetadata":{
			"webSearchQueries":["latest go release"]
		}}]}`,
	)
	data := chunkData(events)
	require.Len(t, data, 2)
	trailer := data[1].Get("choices.0.delta.content").String()
	assert.Contains(t, trailer, "- latest go release")
	assert.NotContains(t, trailer, "**Sources:**")
}

func TestNonStream(t *testing.T) {
	responder := NewResponder(nil)
	body := `{"response":{"candidates":[{"content":{"parts":[
		{"thought":true,"text":"think"},
		{"text":"answer"},
		{"functionCall":{"name":"ls","args":{}}}
	]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"thoughtsTokenCount":2}}}`

	var state any
	out := responder.NonStream(context.Background(), "gemini-3-pro", nil, nil, []byte(body), &state)

	message := gjson.Get(out, "choices.0.message")
	assert.Equal(t, "answer", message.Get("content").String())
	assert.Equal(t, "think", message.Get("reasoning_content").String())
	require.Len(t, message.Get("tool_calls").Array(), 1)
	assert.Equal(t, ".", gjson.Parse(message.Get("tool_calls.0.function.arguments").String()).Get("path").String())
	assert.Equal(t, "tool_calls", gjson.Get(out, "choices.0.finish_reason").String())
	assert.Equal(t, int64(7), gjson.Get(out, "usage.completion_tokens").Int())
}

func TestFinishReasonMapping(t *testing.T) {
	assert.Equal(t, "tool_calls", finishReasonString("STOP", true))
	assert.Equal(t, "length", finishReasonString("MAX_TOKENS", false))
	assert.Equal(t, "stop", finishReasonString("STOP", false))
}
