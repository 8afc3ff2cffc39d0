// Package claude translates between the Claude messages dialect and the
// upstream candidates/parts dialect. The request side preprocesses the
// inbound payload so the upstream accepts the history (cache-control
// stripping, role merging, thinking ordering, thinking auto-disable) and
// emits the upstream envelope; the response side converts upstream chunks
// into Claude SSE events.
package claude

import (
	"strings"

	"github.com/codelayer/agproxy/internal/jsonpath"
	"github.com/codelayer/agproxy/internal/signature"
	"github.com/codelayer/agproxy/internal/translator/antigravity"
	log "github.com/sirupsen/logrus"
)

// interleavedThinkingHint is appended to the system instruction when tools
// and thinking are both enabled, so the upstream interleaves thought parts
// between tool calls instead of front-loading them.
const interleavedThinkingHint = "Interleave your thinking between tool calls: think before each tool call and after each tool result."

const noContentPlaceholder = "(no content)"

// schemaKeywordsRemoved are the JSON-Schema keywords stripped from tool
// parameter schemas at the root and one level deep.
var schemaKeywordsRemoved = []string{"$schema", "additionalProperties", "default"}

// PreprocessRequest applies the inbound cleanup passes in order and reports
// whether thinking must be disabled because the latest assistant message
// used a tool without a preceding thinking block.
func PreprocessRequest(rawJSON []byte) ([]byte, bool) {
	root, err := jsonpath.Parse(rawJSON)
	if err != nil {
		return rawJSON, false
	}
	root = stripUndefined(root)
	cleanCacheControl(root)
	mergeConsecutiveRoles(root)
	sortThinkingFirst(root)
	disable := thinkingIncompatible(root)

	out, err := jsonpath.Stringify(root)
	if err != nil {
		return rawJSON, disable
	}
	return out, disable
}

// stripUndefined removes "[undefined]" string values anywhere in the tree.
func stripUndefined(node any) any {
	switch typed := node.(type) {
	case map[string]any:
		for key, value := range typed {
			if s, ok := value.(string); ok && s == "[undefined]" {
				delete(typed, key)
				continue
			}
			typed[key] = stripUndefined(value)
		}
		return typed
	case []any:
		out := typed[:0]
		for _, value := range typed {
			if s, ok := value.(string); ok && s == "[undefined]" {
				continue
			}
			out = append(out, stripUndefined(value))
		}
		return out
	default:
		return node
	}
}

// cleanCacheControl drops cache_control from block kinds the upstream
// rejects it on.
func cleanCacheControl(root any) {
	messages, _ := jsonpath.GetArray(root, "messages")
	for _, message := range messages {
		blocks, ok := jsonpath.GetArray(message, "content")
		if !ok {
			continue
		}
		for _, block := range blocks {
			kind, _ := jsonpath.GetString(block, "type")
			switch kind {
			case "thinking", "image", "document", "tool_use":
				if obj, ok := block.(map[string]any); ok {
					delete(obj, "cache_control")
				}
			}
		}
	}
}

// mergeConsecutiveRoles concatenates adjacent messages sharing a role; the
// upstream requires strict role alternation.
func mergeConsecutiveRoles(root any) {
	messages, ok := jsonpath.GetArray(root, "messages")
	if !ok || len(messages) < 2 {
		return
	}
	merged := []any{messages[0]}
	for i := 1; i < len(messages); i++ {
		previous := merged[len(merged)-1]
		prevRole, _ := jsonpath.GetString(previous, "role")
		role, _ := jsonpath.GetString(messages[i], "role")
		if role != prevRole {
			merged = append(merged, messages[i])
			continue
		}
		prevObj, okPrev := previous.(map[string]any)
		curObj, okCur := messages[i].(map[string]any)
		if !okPrev || !okCur {
			merged = append(merged, messages[i])
			continue
		}
		prevObj["content"] = mergeContents(prevObj["content"], curObj["content"])
	}
	jsonpath.Set(root, "messages", merged)
}

func mergeContents(left, right any) any {
	leftStr, leftIsStr := left.(string)
	rightStr, rightIsStr := right.(string)
	if leftIsStr && rightIsStr {
		return leftStr + "\n\n" + rightStr
	}
	return append(asBlockArray(left), asBlockArray(right)...)
}

func asBlockArray(content any) []any {
	switch typed := content.(type) {
	case []any:
		return typed
	case string:
		return []any{map[string]any{"type": "text", "text": typed}}
	default:
		return nil
	}
}

// sortThinkingFirst stable-partitions assistant content blocks: thinking
// first, then non-empty text, then other non-tool blocks, then tool_use.
// Empty and "(no content)" text placeholders are dropped.
func sortThinkingFirst(root any) {
	messages, _ := jsonpath.GetArray(root, "messages")
	for _, message := range messages {
		role, _ := jsonpath.GetString(message, "role")
		if role != "assistant" {
			continue
		}
		blocks, ok := jsonpath.GetArray(message, "content")
		if !ok {
			continue
		}
		var thinking, text, other, tools []any
		for _, block := range blocks {
			kind, _ := jsonpath.GetString(block, "type")
			switch kind {
			case "thinking", "redacted_thinking":
				thinking = append(thinking, block)
			case "text":
				content, _ := jsonpath.GetString(block, "text")
				if content == "" || content == noContentPlaceholder {
					continue
				}
				text = append(text, block)
			case "tool_use":
				tools = append(tools, block)
			default:
				other = append(other, block)
			}
		}
		ordered := append(thinking, text...)
		ordered = append(ordered, other...)
		ordered = append(ordered, tools...)
		if obj, ok := message.(map[string]any); ok {
			obj["content"] = ordered
		}
	}
}

// thinkingIncompatible reports whether the latest assistant message carries
// a tool_use block without any thinking block. Sending thinking config with
// such a history makes the upstream reject the request.
func thinkingIncompatible(root any) bool {
	messages, _ := jsonpath.GetArray(root, "messages")
	for i := len(messages) - 1; i >= 0; i-- {
		role, _ := jsonpath.GetString(messages[i], "role")
		if role != "assistant" {
			continue
		}
		blocks, ok := jsonpath.GetArray(messages[i], "content")
		if !ok {
			return false
		}
		hasTool, hasThinking := false, false
		for _, block := range blocks {
			kind, _ := jsonpath.GetString(block, "type")
			switch kind {
			case "tool_use":
				hasTool = true
			case "thinking", "redacted_thinking":
				hasThinking = true
			}
		}
		return hasTool && !hasThinking
	}
	return false
}

// BuildRequest converts a preprocessed Claude request into the upstream
// envelope {model, request:{...}}. Cached signatures supersede
// client-provided ones for identical thinking text.
func BuildRequest(modelName string, rawJSON []byte, cache *signature.Cache) []byte {
	rawJSON, thinkingDisabled := PreprocessRequest(rawJSON)
	root, err := jsonpath.Parse(rawJSON)
	if err != nil {
		log.Warnf("claude translator: unparseable request: %v", err)
		return rawJSON
	}

	request := map[string]any{}
	systemParts := buildSystemParts(root)

	contents := make([]any, 0)
	messages, _ := jsonpath.GetArray(root, "messages")
	for _, message := range messages {
		role, _ := jsonpath.GetString(message, "role")
		if role == "assistant" {
			role = "model"
		}
		parts := buildParts(message, cache)
		if len(parts) == 0 {
			continue
		}
		if role == "model" {
			parts = thoughtsFirst(parts)
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	request["contents"] = contents

	tools := buildTools(root)
	if tools != nil {
		request["tools"] = tools
	}

	thinkingOn := false
	if kind, ok := jsonpath.GetString(root, "thinking.type"); ok && kind == "enabled" && !thinkingDisabled {
		thinkingOn = true
	}
	request["generationConfig"] = buildGenerationConfig(root, thinkingOn)
	request["safetySettings"] = safetySettingsOff()

	if tools != nil && thinkingOn {
		systemParts = append(systemParts, map[string]any{"text": interleavedThinkingHint})
	}
	if len(systemParts) > 0 {
		request["systemInstruction"] = map[string]any{"role": "user", "parts": systemParts}
	}

	envelope := map[string]any{"model": modelName, "request": request}
	out, err := jsonpath.Stringify(envelope)
	if err != nil {
		return rawJSON
	}
	return out
}

func buildSystemParts(root any) []any {
	if text, ok := jsonpath.GetString(root, "system"); ok {
		if text == "" {
			return nil
		}
		return []any{map[string]any{"text": text}}
	}
	entries, ok := jsonpath.GetArray(root, "system")
	if !ok {
		return nil
	}
	parts := make([]any, 0, len(entries))
	for _, entry := range entries {
		kind, _ := jsonpath.GetString(entry, "type")
		if kind != "text" {
			continue
		}
		if text, ok := jsonpath.GetString(entry, "text"); ok && text != "" {
			parts = append(parts, map[string]any{"text": text})
		}
	}
	return parts
}

func buildParts(message any, cache *signature.Cache) []any {
	if text, ok := jsonpath.GetString(message, "content"); ok {
		if text == "" {
			return nil
		}
		return []any{map[string]any{"text": text}}
	}
	blocks, _ := jsonpath.GetArray(message, "content")
	parts := make([]any, 0, len(blocks))
	for _, block := range blocks {
		kind, _ := jsonpath.GetString(block, "type")
		switch kind {
		case "text":
			if text, ok := jsonpath.GetString(block, "text"); ok && text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
		case "thinking":
			parts = append(parts, thinkingPart(block, cache))
		case "redacted_thinking":
			if data, ok := jsonpath.GetString(block, "data"); ok && data != "" {
				_, sig := antigravity.SplitFamilySignature(data)
				parts = append(parts, map[string]any{"thought": true, "text": "", "thoughtSignature": sig})
			}
		case "tool_use":
			id, _ := jsonpath.GetString(block, "id")
			name, _ := jsonpath.GetString(block, "name")
			input, _ := jsonpath.GetMap(block, "input")
			if input == nil {
				input = map[string]any{}
			}
			parts = append(parts, map[string]any{
				"thoughtSignature": antigravity.SkipSignatureValidator,
				"functionCall":     map[string]any{"id": id, "name": name, "args": input},
			})
		case "tool_result":
			id, _ := jsonpath.GetString(block, "tool_use_id")
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"id":       id,
					"name":     stripNumericSuffix(id),
					"response": map[string]any{"result": toolResultText(block)},
				},
			})
		case "image":
			sourceType, _ := jsonpath.GetString(block, "source.type")
			if sourceType != "base64" {
				continue
			}
			mediaType, _ := jsonpath.GetString(block, "source.media_type")
			data, _ := jsonpath.GetString(block, "source.data")
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{"mime_type": mediaType, "data": data},
			})
		}
	}
	return parts
}

func thinkingPart(block any, cache *signature.Cache) map[string]any {
	text, _ := jsonpath.GetString(block, "thinking")
	part := map[string]any{"thought": true, "text": text}

	sig := ""
	if clientSig, ok := jsonpath.GetString(block, "signature"); ok {
		_, sig = antigravity.SplitFamilySignature(clientSig)
	}
	if cache != nil {
		if cached, ok := cache.Get(text); ok {
			sig = cached
		}
	}
	if sig != "" {
		part["thoughtSignature"] = sig
	}
	return part
}

// toolResultText flattens a tool_result content payload to a string.
func toolResultText(block any) string {
	if text, ok := jsonpath.GetString(block, "content"); ok {
		return text
	}
	entries, ok := jsonpath.GetArray(block, "content")
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, entry := range entries {
		if text, ok := jsonpath.GetString(entry, "text"); ok {
			builder.WriteString(text)
		}
	}
	return builder.String()
}

// stripNumericSuffix recovers the tool name from a minted call id like
// "grep-1712345678901-3".
func stripNumericSuffix(id string) string {
	name := id
	for {
		idx := strings.LastIndex(name, "-")
		if idx <= 0 {
			return name
		}
		suffix := name[idx+1:]
		if suffix == "" || strings.Trim(suffix, "0123456789") != "" {
			return name
		}
		name = name[:idx]
	}
}

// thoughtsFirst stable-partitions upstream parts so thought parts precede
// the rest; the upstream rejects model turns with interleaved history.
func thoughtsFirst(parts []any) []any {
	var thoughts, rest []any
	for _, part := range parts {
		if isThought, _ := jsonpath.GetBool(part, "thought"); isThought {
			thoughts = append(thoughts, part)
		} else {
			rest = append(rest, part)
		}
	}
	return append(thoughts, rest...)
}

func buildTools(root any) []any {
	entries, ok := jsonpath.GetArray(root, "tools")
	if !ok || len(entries) == 0 {
		return nil
	}
	declarations := make([]any, 0, len(entries))
	for _, entry := range entries {
		name, _ := jsonpath.GetString(entry, "name")
		if name == "" {
			continue
		}
		declaration := map[string]any{"name": name}
		if description, ok := jsonpath.GetString(entry, "description"); ok && description != "" {
			declaration["description"] = description
		}
		if schema, ok := jsonpath.GetMap(entry, "input_schema"); ok {
			declaration["parameters"] = cleanSchema(jsonpath.DeepClone(schema).(map[string]any))
		}
		declarations = append(declarations, declaration)
	}
	if len(declarations) == 0 {
		return nil
	}
	return []any{map[string]any{"functionDeclarations": declarations}}
}

// cleanSchema strips unsupported JSON-Schema keywords at the root and one
// level deep.
func cleanSchema(schema map[string]any) map[string]any {
	for _, keyword := range schemaKeywordsRemoved {
		delete(schema, keyword)
	}
	if properties, ok := schema["properties"].(map[string]any); ok {
		for _, property := range properties {
			if propertyObj, ok := property.(map[string]any); ok {
				for _, keyword := range schemaKeywordsRemoved {
					delete(propertyObj, keyword)
				}
			}
		}
	}
	return schema
}

func buildGenerationConfig(root any, thinkingOn bool) map[string]any {
	config := map[string]any{}
	if v, ok := jsonpath.GetFloat(root, "temperature"); ok {
		config["temperature"] = v
	}
	if v, ok := jsonpath.GetFloat(root, "top_p"); ok {
		config["topP"] = v
	}
	if v, ok := jsonpath.GetFloat(root, "top_k"); ok {
		config["topK"] = v
	}
	if v, ok := jsonpath.GetInt64(root, "max_tokens"); ok {
		config["maxOutputTokens"] = v
	}
	if thinkingOn {
		thinkingConfig := map[string]any{"includeThoughts": true}
		if budget, ok := jsonpath.GetInt64(root, "thinking.budget_tokens"); ok {
			thinkingConfig["thinkingBudget"] = budget
		}
		config["thinkingConfig"] = thinkingConfig
	}
	return config
}

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

func safetySettingsOff() []any {
	settings := make([]any, 0, len(safetyCategories))
	for _, category := range safetyCategories {
		settings = append(settings, map[string]any{"category": category, "threshold": "OFF"})
	}
	return settings
}
