package claude

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CollectStream reassembles Claude SSE output into a single message JSON.
// Non-stream inbound requests are internally served from the streaming
// upstream endpoint, so the handler collects the translated events and
// returns one message body.
func CollectStream(sse string) string {
	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`

	var blocks []string
	currentIndex := -1

	for _, line := range strings.Split(sse, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := gjson.Parse(strings.TrimPrefix(line, "data: "))
		switch data.Get("type").String() {
		case "message_start":
			out, _ = sjson.Set(out, "id", data.Get("message.id").String())
			out, _ = sjson.Set(out, "model", data.Get("message.model").String())
		case "content_block_start":
			blocks = append(blocks, data.Get("content_block").Raw)
			currentIndex = len(blocks) - 1
		case "content_block_delta":
			if currentIndex < 0 {
				continue
			}
			block := blocks[currentIndex]
			delta := data.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				block, _ = sjson.Set(block, "text", gjson.Get(block, "text").String()+delta.Get("text").String())
			case "thinking_delta":
				block, _ = sjson.Set(block, "thinking", gjson.Get(block, "thinking").String()+delta.Get("thinking").String())
			case "signature_delta":
				block, _ = sjson.Set(block, "signature", delta.Get("signature").String())
			case "input_json_delta":
				partial := delta.Get("partial_json").String()
				if gjson.Valid(partial) {
					block, _ = sjson.SetRaw(block, "input", partial)
				}
			}
			blocks[currentIndex] = block
		case "message_delta":
			out, _ = sjson.Set(out, "stop_reason", data.Get("delta.stop_reason").String())
			out, _ = sjson.Set(out, "usage.input_tokens", data.Get("usage.input_tokens").Int())
			out, _ = sjson.Set(out, "usage.output_tokens", data.Get("usage.output_tokens").Int())
		}
	}

	for _, block := range blocks {
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	return out
}
