package claude

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

// Block kinds for the stream state machine.
const (
	blockNone = iota
	blockText
	blockThinking
	blockTool
)

var toolCallCounter atomic.Int64

// streamState carries per-request translation state across upstream chunks.
type streamState struct {
	messageStartSent bool
	blockKind        int
	blockIndex       int
	thinkingText     strings.Builder
	usage            antigravity.Usage
	usageSeen        bool
	finishReason     string
	usedTool         bool
	terminalSent     bool
}

// Responder converts upstream chunks into Claude SSE events, caching thought
// signatures as they arrive.
type Responder struct {
	cache *signature.Cache
}

// NewResponder builds the Claude response transform.
func NewResponder(cache *signature.Cache) *Responder {
	return &Responder{cache: cache}
}

func stateFrom(param *any) *streamState {
	if param == nil {
		return &streamState{}
	}
	if existing, ok := (*param).(*streamState); ok {
		return existing
	}
	fresh := &streamState{}
	*param = fresh
	return fresh
}

// Stream translates one upstream SSE data payload (or the "[DONE]"
// terminator) into zero or more Claude SSE events.
func (r *Responder) Stream(_ context.Context, modelName string, _, _, chunk []byte, param *any) []string {
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

	var events []string
	if !state.messageStartSent {
		events = append(events, messageStartEvent(root, modelName))
		state.messageStartSent = true
	}

	family := antigravity.FamilyForModel(modelName)
	parts := root.Get("candidates.0.content.parts")
	for _, part := range parts.Array() {
		events = append(events, r.translatePart(state, part, family)...)
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

func (r *Responder) translatePart(state *streamState, part gjson.Result, family string) []string {
	var events []string
	text := part.Get("text")
	functionCall := part.Get("functionCall")

	switch {
	case part.Get("thought").Bool():
		if text.Exists() && text.String() != "" {
			if state.blockKind != blockThinking {
				events = append(events, closeBlock(state)...)
				events = append(events, openBlock(state, blockThinking))
			}
			events = append(events, deltaEvent(state.blockIndex, "thinking_delta", "thinking", text.String()))
			state.thinkingText.WriteString(text.String())
		}
		if sig := part.Get("thoughtSignature"); sig.Exists() && sig.String() != "" {
			decoded := antigravity.DecodeSignature(sig.String())
			if state.blockKind == blockThinking {
				events = append(events, deltaEvent(state.blockIndex, "signature_delta", "signature", family+"#"+decoded))
			}
			if r.cache != nil {
				r.cache.Set(state.thinkingText.String(), decoded, family)
			}
			state.thinkingText.Reset()
		}

	case text.Exists() && text.String() != "":
		if state.blockKind != blockText {
			events = append(events, closeBlock(state)...)
			events = append(events, openBlock(state, blockText))
		}
		events = append(events, deltaEvent(state.blockIndex, "text_delta", "text", text.String()))

	case functionCall.Exists():
		events = append(events, closeBlock(state)...)
		state.usedTool = true
		name := functionCall.Get("name").String()
		id := fmt.Sprintf("%s-%d-%d", name, time.Now().UnixMilli(), toolCallCounter.Add(1))

		start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, state.blockIndex)
		start, _ = sjson.Set(start, "content_block.id", id)
		start, _ = sjson.Set(start, "content_block.name", name)
		events = append(events, sseEvent("content_block_start", start))
		state.blockKind = blockTool

		args := antigravity.RemapToolArgumentsJSON(name, []byte(functionCall.Get("args").Raw))
		if len(args) == 0 {
			args = []byte("{}")
		}
		events = append(events, deltaEvent(state.blockIndex, "input_json_delta", "partial_json", string(args)))
	}
	return events
}

// terminal closes the open block and emits message_delta/message_stop
// exactly once. An upstream that produced no data still gets a well-formed
// envelope: message_start is emitted here if no chunk triggered it.
func (r *Responder) terminal(state *streamState, modelName string) []string {
	if state.terminalSent {
		return nil
	}
	state.terminalSent = true

	var events []string
	if !state.messageStartSent {
		events = append(events, messageStartEvent(gjson.Result{}, modelName))
		state.messageStartSent = true
	}
	events = append(events, closeBlock(state)...)
	delta := `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`
	delta, _ = sjson.Set(delta, "delta.stop_reason", antigravity.StopReason(state.finishReason, state.usedTool))
	delta, _ = sjson.Set(delta, "usage.input_tokens", state.usage.InputTokens())
	delta, _ = sjson.Set(delta, "usage.output_tokens", state.usage.OutputTokens())
	events = append(events, sseEvent("message_delta", delta))
	events = append(events, sseEvent("message_stop", `{"type":"message_stop"}`))
	return events
}

// NonStream converts a buffered upstream body into a single Claude message.
func (r *Responder) NonStream(_ context.Context, modelName string, _, _, body []byte, _ *any) string {
	root := gjson.ParseBytes(body)
	if inner := root.Get("response"); inner.Exists() {
		root = inner
	}

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "model", modelName)
	if id := root.Get("responseId"); id.Exists() {
		out, _ = sjson.Set(out, "id", id.String())
	} else {
		out, _ = sjson.Set(out, "id", fmt.Sprintf("msg_%d", time.Now().UnixNano()))
	}

	family := antigravity.FamilyForModel(modelName)
	usedTool := false
	var thinkingBuf strings.Builder

	for _, part := range root.Get("candidates.0.content.parts").Array() {
		text := part.Get("text")
		functionCall := part.Get("functionCall")
		switch {
		case part.Get("thought").Bool():
			block := `{"type":"thinking","thinking":""}`
			block, _ = sjson.Set(block, "thinking", text.String())
			thinkingBuf.WriteString(text.String())
			if sig := part.Get("thoughtSignature"); sig.Exists() && sig.String() != "" {
				decoded := antigravity.DecodeSignature(sig.String())
				block, _ = sjson.Set(block, "signature", family+"#"+decoded)
				if r.cache != nil {
					r.cache.Set(thinkingBuf.String(), decoded, family)
				}
				thinkingBuf.Reset()
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
		case text.Exists() && text.String() != "":
			block := `{"type":"text","text":""}`
			block, _ = sjson.Set(block, "text", text.String())
			out, _ = sjson.SetRaw(out, "content.-1", block)
		case functionCall.Exists():
			usedTool = true
			name := functionCall.Get("name").String()
			block := `{"type":"tool_use","id":"","name":"","input":{}}`
			block, _ = sjson.Set(block, "id", fmt.Sprintf("%s-%d-%d", name, time.Now().UnixMilli(), toolCallCounter.Add(1)))
			block, _ = sjson.Set(block, "name", name)
			args := antigravity.RemapToolArgumentsJSON(name, []byte(functionCall.Get("args").Raw))
			if len(args) > 0 {
				block, _ = sjson.SetRaw(block, "input", string(args))
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
		}
	}

	var usage antigravity.Usage
	usage.Merge(root.Get("usageMetadata"))
	out, _ = sjson.Set(out, "usage.input_tokens", usage.InputTokens())
	out, _ = sjson.Set(out, "usage.output_tokens", usage.OutputTokens())
	out, _ = sjson.Set(out, "stop_reason", antigravity.StopReason(root.Get("candidates.0.finishReason").String(), usedTool))
	return out
}

func messageStartEvent(root gjson.Result, modelName string) string {
	message := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	if id := root.Get("responseId"); id.Exists() {
		message, _ = sjson.Set(message, "message.id", id.String())
	} else {
		message, _ = sjson.Set(message, "message.id", fmt.Sprintf("msg_%d", time.Now().UnixNano()))
	}
	model := modelName
	if v := root.Get("modelVersion"); v.Exists() {
		model = v.String()
	}
	message, _ = sjson.Set(message, "message.model", model)
	return sseEvent("message_start", message)
}

func openBlock(state *streamState, kind int) string {
	state.blockKind = kind
	switch kind {
	case blockThinking:
		return sseEvent("content_block_start", fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"thinking","thinking":""}}`, state.blockIndex))
	default:
		return sseEvent("content_block_start", fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, state.blockIndex))
	}
}

func closeBlock(state *streamState) []string {
	if state.blockKind == blockNone {
		return nil
	}
	event := sseEvent("content_block_stop", fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, state.blockIndex))
	state.blockKind = blockNone
	state.blockIndex++
	return []string{event}
}

func deltaEvent(index int, deltaType, field, value string) string {
	data := fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"%s"}}`, index, deltaType)
	data, _ = sjson.Set(data, "delta."+field, value)
	return sseEvent("content_block_delta", data)
}

func sseEvent(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}
