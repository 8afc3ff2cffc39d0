// Package antigravity holds the upstream-dialect helpers shared by the
// Claude and OpenAI translators: thought-signature decoding, tool-call
// argument remapping, usage tallying and stop-reason derivation.
package antigravity

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"
)

// SkipSignatureValidator is the placeholder signature attached to replayed
// function-call parts; the upstream accepts it in place of a real thought
// signature.
const SkipSignatureValidator = "skip_thought_signature_validator"

// Signature families. A signature minted by one family is not valid for
// another, so cached entries carry the family that produced them.
const (
	FamilyClaude      = "claude"
	FamilyGemini      = "gemini"
	FamilyAntigravity = "antigravity"
)

// FamilyForModel tags a signature with the family of the model that minted it.
func FamilyForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return FamilyClaude
	case strings.HasPrefix(model, "gemini"):
		return FamilyGemini
	default:
		return FamilyAntigravity
	}
}

// SplitFamilySignature splits a "family#signature" value coming from a
// client. A value without the separator is returned as a bare signature with
// no family.
func SplitFamilySignature(value string) (family, sig string) {
	if idx := strings.Index(value, "#"); idx >= 0 {
		return value[:idx], value[idx+1:]
	}
	return "", value
}

// DecodeSignature attempts a base64 decode of an upstream thought signature
// and adopts the decoded form when it is at least 80% printable; otherwise
// the original is kept.
func DecodeSignature(sig string) string {
	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(decoded) == 0 {
		return sig
	}
	printable := 0
	for _, b := range decoded {
		if b >= 0x20 && b < 0x7f {
			printable++
		}
	}
	if printable*100 >= len(decoded)*80 {
		return string(decoded)
	}
	return sig
}

// StopReason derives the Claude-dialect stop reason from the upstream finish
// reason and whether any tool call was emitted.
func StopReason(finishReason string, usedTool bool) string {
	if usedTool {
		return "tool_use"
	}
	if finishReason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

// Usage is the accumulated token usage of one upstream response.
type Usage struct {
	Prompt     int64
	Candidates int64
	Thoughts   int64
	Total      int64
	Cached     int64
}

// Merge folds an upstream usageMetadata object into the accumulator.
// Counters only ever grow; chunks repeating earlier values are harmless.
func (u *Usage) Merge(meta gjson.Result) {
	if v := meta.Get("promptTokenCount"); v.Exists() && v.Int() > u.Prompt {
		u.Prompt = v.Int()
	}
	if v := meta.Get("candidatesTokenCount"); v.Exists() && v.Int() > u.Candidates {
		u.Candidates = v.Int()
	}
	if v := meta.Get("thoughtsTokenCount"); v.Exists() && v.Int() > u.Thoughts {
		u.Thoughts = v.Int()
	}
	if v := meta.Get("totalTokenCount"); v.Exists() && v.Int() > u.Total {
		u.Total = v.Int()
	}
	if v := meta.Get("cachedContentTokenCount"); v.Exists() && v.Int() > u.Cached {
		u.Cached = v.Int()
	}
}

// InputTokens is the prompt count net of cached content.
func (u *Usage) InputTokens() int64 {
	in := u.Prompt - u.Cached
	if in < 0 {
		in = 0
	}
	return in
}

// OutputTokens is candidates plus thoughts, falling back to a total-based
// estimate when no candidate count arrived.
func (u *Usage) OutputTokens() int64 {
	if u.Candidates > 0 {
		return u.Candidates + u.Thoughts
	}
	out := u.Total - u.Prompt - u.Thoughts
	if out < 0 {
		out = 0
	}
	return out
}
