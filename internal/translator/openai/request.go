// Package openai translates between the OpenAI chat-completions dialect and
// the upstream candidates/parts dialect. Reasoning content maps onto thought
// parts; tool schemas are coerced to the upstream's uppercase JSON-Schema
// subset and remembered so downstream tool-call arguments can be coerced
// back to their declared types.
package openai

import (
	"encoding/base64"
	"os"
	"strings"
	"sync"

	"github.com/codelayer/agproxy/internal/jsonpath"
	"github.com/codelayer/agproxy/internal/signature"
	"github.com/codelayer/agproxy/internal/translator/antigravity"
	log "github.com/sirupsen/logrus"
)

// placeholderThinking fills assistant turns that carry no reasoning_content
// when a thinking model is selected; the upstream rejects thinking-enabled
// histories whose model turns lack a thought part.
const placeholderThinking = "..."

// schemaKeywordsRemoved are stripped from tool parameter schemas before they
// are sent upstream.
var schemaKeywordsRemoved = []string{"format", "strict", "additionalProperties", "definitions"}

// lastThoughtSignature is the most recent signature seen on any response.
// Successive requests of one chat reuse it for injected placeholder thinking
// parts.
var (
	lastThoughtMu        sync.Mutex
	lastThoughtSignature string
)

func setLastThoughtSignature(sig string) {
	lastThoughtMu.Lock()
	lastThoughtSignature = sig
	lastThoughtMu.Unlock()
}

func getLastThoughtSignature() string {
	lastThoughtMu.Lock()
	defer lastThoughtMu.Unlock()
	return lastThoughtSignature
}

// IsThinkingModel reports whether the model family interleaves thinking.
func IsThinkingModel(model string) bool {
	if strings.HasSuffix(model, "thinking") {
		return true
	}
	if strings.HasPrefix(model, "gemini-3-") {
		switch {
		case strings.HasSuffix(model, "-high"), strings.HasSuffix(model, "-low"), strings.HasSuffix(model, "-pro"):
			return true
		}
	}
	return false
}

// thinkingBudgets maps reasoning_effort onto an upstream thinking budget.
var thinkingBudgets = map[string]int64{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

// BuildRequest converts an OpenAI chat-completions request into the upstream
// envelope.
func BuildRequest(modelName string, rawJSON []byte, cache *signature.Cache) []byte {
	root, err := jsonpath.Parse(rawJSON)
	if err != nil {
		log.Warnf("openai translator: unparseable request: %v", err)
		return rawJSON
	}
	root = stripUndefined(root)
	mergeConsecutiveRoles(root)

	thinking := IsThinkingModel(modelName)
	request := map[string]any{}

	systemParts := systemInstructionParts(root)
	contents := buildContents(root, thinking, cache)
	request["contents"] = contents

	if tools := buildTools(root); tools != nil {
		request["tools"] = tools
	}
	request["generationConfig"] = buildGenerationConfig(root, thinking)
	request["safetySettings"] = safetySettingsOff()
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
		prevObj, okPrev := previous.(map[string]any)
		curObj, okCur := messages[i].(map[string]any)
		if role != prevRole || role == "tool" || !okPrev || !okCur {
			merged = append(merged, messages[i])
			continue
		}
		prevStr, prevIsStr := prevObj["content"].(string)
		curStr, curIsStr := curObj["content"].(string)
		switch {
		case curObj["content"] == nil:
		case prevObj["content"] == nil:
			prevObj["content"] = curObj["content"]
		case prevIsStr && curIsStr:
			prevObj["content"] = prevStr + "\n\n" + curStr
		default:
			prevObj["content"] = append(contentBlocks(prevObj["content"]), contentBlocks(curObj["content"])...)
		}
		if calls, okCalls := curObj["tool_calls"].([]any); okCalls && len(calls) > 0 {
			if prevCalls, okPrevCalls := prevObj["tool_calls"].([]any); okPrevCalls {
				prevObj["tool_calls"] = append(prevCalls, calls...)
			} else {
				prevObj["tool_calls"] = calls
			}
		}
		if reasoning, okReasoning := curObj["reasoning_content"].(string); okReasoning && reasoning != "" {
			if prev, okPrevReasoning := prevObj["reasoning_content"].(string); okPrevReasoning && prev != "" {
				prevObj["reasoning_content"] = prev + "\n\n" + reasoning
			} else {
				prevObj["reasoning_content"] = reasoning
			}
		}
	}
	jsonpath.Set(root, "messages", merged)
}

func contentBlocks(content any) []any {
	switch typed := content.(type) {
	case []any:
		return typed
	case string:
		return []any{map[string]any{"type": "text", "text": typed}}
	default:
		return nil
	}
}

// systemInstructionParts collects the system prompt. A top-level
// instructions field takes priority over system-role messages.
func systemInstructionParts(root any) []any {
	if instructions, ok := jsonpath.GetString(root, "instructions"); ok && instructions != "" {
		return []any{map[string]any{"text": instructions}}
	}
	var parts []any
	messages, _ := jsonpath.GetArray(root, "messages")
	for _, message := range messages {
		role, _ := jsonpath.GetString(message, "role")
		if role != "system" && role != "developer" {
			continue
		}
		if text, ok := jsonpath.GetString(message, "content"); ok && text != "" {
			parts = append(parts, map[string]any{"text": text})
		}
	}
	return parts
}

func buildContents(root any, thinking bool, cache *signature.Cache) []any {
	messages, _ := jsonpath.GetArray(root, "messages")
	contents := make([]any, 0, len(messages))
	for _, message := range messages {
		if obj, ok := message.(map[string]any); ok {
			delete(obj, "cache_control")
		}
		role, _ := jsonpath.GetString(message, "role")
		switch role {
		case "system", "developer":
			continue
		case "assistant":
			parts := assistantParts(message, thinking, cache)
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "model", "parts": parts})
			}
		case "tool":
			id, _ := jsonpath.GetString(message, "tool_call_id")
			text, _ := jsonpath.GetString(message, "content")
			contents = append(contents, map[string]any{"role": "user", "parts": []any{map[string]any{
				"functionResponse": map[string]any{
					"id":       id,
					"name":     toolNameFromCallID(id),
					"response": map[string]any{"result": text},
				},
			}}})
		default:
			parts := userParts(message)
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "user", "parts": parts})
			}
		}
	}
	return mergeAdjacentContents(contents)
}

// mergeAdjacentContents folds same-role neighbors into one content so the
// emitted history alternates strictly between user and model. Tool responses
// translate to user-role contents, so a tool turn followed by a user message
// would otherwise produce two adjacent user contents.
func mergeAdjacentContents(contents []any) []any {
	if len(contents) < 2 {
		return contents
	}
	merged := []any{contents[0]}
	for i := 1; i < len(contents); i++ {
		previous, okPrev := merged[len(merged)-1].(map[string]any)
		current, okCur := contents[i].(map[string]any)
		if !okPrev || !okCur || previous["role"] != current["role"] {
			merged = append(merged, contents[i])
			continue
		}
		prevParts, _ := previous["parts"].([]any)
		curParts, _ := current["parts"].([]any)
		previous["parts"] = append(prevParts, curParts...)
	}
	return merged
}

func assistantParts(message any, thinking bool, cache *signature.Cache) []any {
	var parts []any

	reasoning, hasReasoning := jsonpath.GetString(message, "reasoning_content")
	if hasReasoning && reasoning != "" {
		part := map[string]any{"thought": true, "text": reasoning}
		if cache != nil {
			if sig, ok := cache.Get(reasoning); ok {
				part["thoughtSignature"] = sig
			}
		}
		parts = append(parts, part)
	} else if thinking {
		// Upstream rejects thinking-enabled histories whose model turns have
		// no thought part.
		part := map[string]any{"thought": true, "text": placeholderThinking}
		if sig := getLastThoughtSignature(); sig != "" {
			part["thoughtSignature"] = sig
		}
		parts = append(parts, part)
	}

	if text, ok := jsonpath.GetString(message, "content"); ok && text != "" {
		parts = append(parts, map[string]any{"text": text})
	} else if blocks, ok := jsonpath.GetArray(message, "content"); ok {
		for _, block := range blocks {
			if text, okText := jsonpath.GetString(block, "text"); okText && text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
		}
	}

	toolCalls, _ := jsonpath.GetArray(message, "tool_calls")
	for _, call := range toolCalls {
		id, _ := jsonpath.GetString(call, "id")
		name, _ := jsonpath.GetString(call, "function.name")
		argsRaw, _ := jsonpath.GetString(call, "function.arguments")
		var args any = map[string]any{}
		if parsed, err := jsonpath.Parse([]byte(argsRaw)); err == nil {
			args = parsed
		}
		parts = append(parts, map[string]any{
			"thoughtSignature": antigravity.SkipSignatureValidator,
			"functionCall":     map[string]any{"id": id, "name": name, "args": args},
		})
	}

	// Thought parts precede the rest within a model turn.
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

func userParts(message any) []any {
	if text, ok := jsonpath.GetString(message, "content"); ok {
		if text == "" {
			return nil
		}
		return []any{map[string]any{"text": text}}
	}
	blocks, _ := jsonpath.GetArray(message, "content")
	var parts []any
	for _, block := range blocks {
		kind, _ := jsonpath.GetString(block, "type")
		switch kind {
		case "text":
			if text, ok := jsonpath.GetString(block, "text"); ok && text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
		case "image_url":
			url, _ := jsonpath.GetString(block, "image_url.url")
			if part := imagePart(url); part != nil {
				parts = append(parts, part)
			}
		}
	}
	return parts
}

// imagePart converts a data: or file:// image URL to an inlineData part.
// Local files are read and inlined as base64.
func imagePart(url string) map[string]any {
	switch {
	case strings.HasPrefix(url, "data:"):
		rest := strings.TrimPrefix(url, "data:")
		mediaType, data, found := strings.Cut(rest, ";base64,")
		if !found {
			return nil
		}
		return map[string]any{"inlineData": map[string]any{"mime_type": mediaType, "data": data}}
	case strings.HasPrefix(url, "file://"):
		path := strings.TrimPrefix(url, "file://")
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("openai translator: cannot inline %s: %v", path, err)
			return nil
		}
		mediaType := "image/png"
		if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
			mediaType = "image/jpeg"
		} else if strings.HasSuffix(path, ".webp") {
			mediaType = "image/webp"
		}
		return map[string]any{"inlineData": map[string]any{
			"mime_type": mediaType,
			"data":      base64.StdEncoding.EncodeToString(raw),
		}}
	default:
		return nil
	}
}

func toolNameFromCallID(id string) string {
	trimmed := strings.TrimPrefix(id, "call_")
	if idx := strings.Index(trimmed, "_"); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func buildTools(root any) []any {
	entries, ok := jsonpath.GetArray(root, "tools")
	if !ok || len(entries) == 0 {
		return nil
	}
	declarations := make([]any, 0, len(entries))
	for _, entry := range entries {
		name, _ := jsonpath.GetString(entry, "function.name")
		if name == "" {
			continue
		}
		if name == "local_shell_call" {
			name = "shell"
		}
		declaration := map[string]any{"name": name}
		if description, ok := jsonpath.GetString(entry, "function.description"); ok && description != "" {
			declaration["description"] = description
		}
		if schema, ok := jsonpath.GetMap(entry, "function.parameters"); ok {
			cloned := jsonpath.DeepClone(schema).(map[string]any)
			declaration["parameters"] = cleanSchema(cloned)
		} else {
			declaration["parameters"] = map[string]any{"type": "OBJECT", "properties": map[string]any{}}
		}
		declarations = append(declarations, declaration)
	}
	if len(declarations) == 0 {
		return nil
	}
	return []any{map[string]any{"functionDeclarations": declarations}}
}

// cleanSchema strips unsupported keywords and uppercases type strings the
// way the upstream expects.
func cleanSchema(node map[string]any) map[string]any {
	for _, keyword := range schemaKeywordsRemoved {
		delete(node, keyword)
	}
	if kind, ok := node["type"].(string); ok {
		node["type"] = strings.ToUpper(kind)
	}
	for _, value := range node {
		switch typed := value.(type) {
		case map[string]any:
			cleanSchema(typed)
		case []any:
			for _, item := range typed {
				if obj, ok := item.(map[string]any); ok {
					cleanSchema(obj)
				}
			}
		}
	}
	return node
}

func buildGenerationConfig(root any, thinking bool) map[string]any {
	config := map[string]any{}
	if v, ok := jsonpath.GetFloat(root, "temperature"); ok {
		config["temperature"] = v
	}
	if v, ok := jsonpath.GetFloat(root, "top_p"); ok {
		config["topP"] = v
	}
	if v, ok := jsonpath.GetInt64(root, "max_completion_tokens"); ok {
		config["maxOutputTokens"] = v
	} else if v, ok := jsonpath.GetInt64(root, "max_tokens"); ok {
		config["maxOutputTokens"] = v
	}
	if thinking {
		thinkingConfig := map[string]any{"includeThoughts": true}
		if effort, ok := jsonpath.GetString(root, "reasoning_effort"); ok {
			if budget, known := thinkingBudgets[effort]; known {
				thinkingConfig["thinkingBudget"] = budget
			}
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
