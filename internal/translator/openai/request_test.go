package openai

import (
	"strings"
	"testing"

	"github.com/codelayer/agproxy/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestIsThinkingModel(t *testing.T) {
	assert.True(t, IsThinkingModel("gemini-3-pro"))
	assert.True(t, IsThinkingModel("gemini-3-flash-high"))
	assert.True(t, IsThinkingModel("gemini-3-flash-low"))
	assert.True(t, IsThinkingModel("qwen3-235b-thinking"))
	assert.False(t, IsThinkingModel("gemini-3-flash"))
	assert.False(t, IsThinkingModel("gpt-4o"))
}

func TestMergeConsecutiveRoles(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"user","content":"a"},
		{"role":"user","content":"b"},
		{"role":"assistant","content":"c"}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	contents := gjson.GetBytes(out, "request.contents").Array()
	require.Len(t, contents, 2)
	assert.Equal(t, "a\n\nb", contents[0].Get("parts.0.text").String())
	assert.Equal(t, "model", contents[1].Get("role").String())
}

func TestToolMessagesKeepDistinctResponses(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"tool","tool_call_id":"call_grep_1_1","content":"hit one"},
		{"role":"tool","tool_call_id":"call_grep_1_2","content":"hit two"}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	// adjacent tool turns fold into one user content but each keeps its own
	// functionResponse part
	contents := gjson.GetBytes(out, "request.contents").Array()
	require.Len(t, contents, 1)
	parts := contents[0].Get("parts").Array()
	require.Len(t, parts, 2)
	assert.Equal(t, "grep", parts[0].Get("functionResponse.name").String())
	assert.Equal(t, "call_grep_1_1", parts[0].Get("functionResponse.id").String())
	assert.Equal(t, "call_grep_1_2", parts[1].Get("functionResponse.id").String())
}

func TestToolResultThenUserAlternates(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"user","content":"list files"},
		{"role":"assistant","tool_calls":[{"id":"call_ls_1_1","function":{"name":"ls","arguments":"{}"}}]},
		{"role":"tool","tool_call_id":"call_ls_1_1","content":"main.go"},
		{"role":"user","content":"open main.go"}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	contents := gjson.GetBytes(out, "request.contents").Array()
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "user", contents[2].Get("role").String())

	// the tool response and the follow-up question share the last user turn
	parts := contents[2].Get("parts").Array()
	require.Len(t, parts, 2)
	assert.Equal(t, "ls", parts[0].Get("functionResponse.name").String())
	assert.Equal(t, "open main.go", parts[1].Get("text").String())
}

func TestAssistantMergeCarriesToolCallsAndReasoning(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"user","content":"go"},
		{"role":"assistant","content":"first"},
		{"role":"assistant","reasoning_content":"checking disk","tool_calls":[{"id":"call_df_1_1","function":{"name":"df","arguments":"{}"}}]}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	contents := gjson.GetBytes(out, "request.contents").Array()
	require.Len(t, contents, 2)
	parts := contents[1].Get("parts").Array()
	require.Len(t, parts, 3)
	assert.True(t, parts[0].Get("thought").Bool())
	assert.Equal(t, "checking disk", parts[0].Get("text").String())
	assert.Equal(t, "first", parts[1].Get("text").String())
	assert.Equal(t, "df", parts[2].Get("functionCall.name").String())
}

func TestReasoningContentBecomesThought(t *testing.T) {
	cache := signature.NewCache(signature.Options{})
	defer cache.Close()
	sig := "sig" + strings.Repeat("x", 60)
	cache.Set("weighing options", sig, "gemini")

	raw := []byte(`{"messages":[
		{"role":"assistant","reasoning_content":"weighing options","content":"done"},
		{"role":"user","content":"next"}
	]}`)
	out := BuildRequest("gemini-3-pro", raw, cache)

	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Get("thought").Bool())
	assert.Equal(t, "weighing options", parts[0].Get("text").String())
	assert.Equal(t, sig, parts[0].Get("thoughtSignature").String())
	assert.Equal(t, "done", parts[1].Get("text").String())
}

func TestPlaceholderThinkingInjected(t *testing.T) {
	setLastThoughtSignature("prior-signature")
	defer setLastThoughtSignature("")

	raw := []byte(`{"messages":[
		{"role":"user","content":"q"},
		{"role":"assistant","content":"a"},
		{"role":"user","content":"q2"}
	]}`)
	out := BuildRequest("gemini-3-pro", raw, nil)

	parts := gjson.GetBytes(out, "request.contents.1.parts").Array()
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Get("thought").Bool())
	assert.Equal(t, "...", parts[0].Get("text").String())
	assert.Equal(t, "prior-signature", parts[0].Get("thoughtSignature").String())
}

func TestNoPlaceholderForNonThinkingModel(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"user","content":"q"},
		{"role":"assistant","content":"a"},
		{"role":"user","content":"q2"}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	parts := gjson.GetBytes(out, "request.contents.1.parts").Array()
	require.Len(t, parts, 1)
	assert.Equal(t, "a", parts[0].Get("text").String())
}

func TestInstructionsOverrideSystem(t *testing.T) {
	raw := []byte(`{"instructions":"use instructions","messages":[
		{"role":"system","content":"use system"},
		{"role":"user","content":"hi"}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	parts := gjson.GetBytes(out, "request.systemInstruction.parts").Array()
	require.Len(t, parts, 1)
	assert.Equal(t, "use instructions", parts[0].Get("text").String())
}

func TestSystemMessagesCollected(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"system","content":"one"},
		{"role":"user","content":"hi"},
		{"role":"developer","content":"two"}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	parts := gjson.GetBytes(out, "request.systemInstruction.parts").Array()
	require.Len(t, parts, 2)
	contents := gjson.GetBytes(out, "request.contents").Array()
	require.Len(t, contents, 1)
	assert.Equal(t, "user", contents[0].Get("role").String())
}

func TestToolCallsBecomeFunctionCalls(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"assistant","tool_calls":[
			{"id":"call_grep_1_1","type":"function","function":{"name":"grep","arguments":"{\"pattern\":\"x\"}"}}
		]},
		{"role":"tool","tool_call_id":"call_grep_1_1","content":"found"}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	call := gjson.GetBytes(out, "request.contents.0.parts.0")
	assert.Equal(t, "skip_thought_signature_validator", call.Get("thoughtSignature").String())
	assert.Equal(t, "grep", call.Get("functionCall.name").String())
	assert.Equal(t, "x", call.Get("functionCall.args.pattern").String())

	response := gjson.GetBytes(out, "request.contents.1.parts.0.functionResponse")
	assert.Equal(t, "grep", response.Get("name").String())
	assert.Equal(t, "found", response.Get("response.result").String())
}

func TestToolSchemaCleaning(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"hi"}],"tools":[
		{"type":"function","function":{"name":"grep","strict":true,"parameters":{
			"type":"object",
			"additionalProperties":false,
			"definitions":{},
			"properties":{"count":{"type":"integer","format":"int64"}}
		}}},
		{"type":"function","function":{"name":"local_shell_call"}}
	]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	declarations := gjson.GetBytes(out, "request.tools.0.functionDeclarations").Array()
	require.Len(t, declarations, 2)

	schema := declarations[0].Get("parameters")
	assert.Equal(t, "OBJECT", schema.Get("type").String())
	assert.Equal(t, "INTEGER", schema.Get("properties.count.type").String())
	assert.False(t, schema.Get("additionalProperties").Exists())
	assert.False(t, schema.Get("definitions").Exists())
	assert.False(t, schema.Get("properties.count.format").Exists())

	assert.Equal(t, "shell", declarations[1].Get("name").String())
	assert.Equal(t, "OBJECT", declarations[1].Get("parameters.type").String())
}

func TestGenerationConfig(t *testing.T) {
	raw := []byte(`{"temperature":0.5,"top_p":0.9,"max_completion_tokens":2000,"reasoning_effort":"high",
		"messages":[{"role":"user","content":"hi"}]}`)
	out := BuildRequest("gemini-3-pro", raw, nil)

	config := gjson.GetBytes(out, "request.generationConfig")
	assert.Equal(t, 0.5, config.Get("temperature").Float())
	assert.Equal(t, 0.9, config.Get("topP").Float())
	assert.Equal(t, int64(2000), config.Get("maxOutputTokens").Int())
	assert.True(t, config.Get("thinkingConfig.includeThoughts").Bool())
	assert.Equal(t, int64(24576), config.Get("thinkingConfig.thinkingBudget").Int())
}

func TestDataURLImage(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}
	]}]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)

	inline := gjson.GetBytes(out, "request.contents.0.parts.1.inlineData")
	assert.Equal(t, "image/png", inline.Get("mime_type").String())
	assert.Equal(t, "aGVsbG8=", inline.Get("data").String())
}

func TestUndefinedStringsRemoved(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"hi","name":"[undefined]"}]}`)
	out := BuildRequest("gemini-3-flash", raw, nil)
	assert.NotContains(t, string(out), "[undefined]")
}

func TestToolNameFromCallID(t *testing.T) {
	assert.Equal(t, "grep", toolNameFromCallID("call_grep_1712345678901_3"))
	assert.Equal(t, "ls", toolNameFromCallID("call_ls_1_1"))
	assert.Equal(t, "bare", toolNameFromCallID("bare"))
}
