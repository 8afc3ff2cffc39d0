// Package contextmgr estimates token pressure for Claude-dialect
// conversations and relieves it with progressive compression: old tool
// rounds go first, then thinking text outside a protection window, and as a
// last resort the newest signed thinking block is exposed as a fork point
// for session continuation.
package contextmgr

import (
	"github.com/codelayer/agproxy/internal/jsonpath"
	log "github.com/sirupsen/logrus"
)

// Layer activation thresholds as a fraction of the ceiling.
const (
	layer1Pressure = 0.60
	layer2Pressure = 0.75
	layer3Pressure = 0.90
)

const (
	// compressedThinking replaces thinking text whose signature survives.
	compressedThinking = "..."
	// minValidSignature matches the cache's minimum; shorter signatures are
	// not worth preserving.
	minValidSignature = 50
	// imageTokenCost approximates one inline image.
	imageTokenCost = 1600
	// estimateMargin pads the heuristic against undercounting.
	estimateMargin = 1.15
)

// Strategy selects how much recent history purification protects.
type Strategy int

const (
	// Soft keeps the last four messages untouched.
	Soft Strategy = iota
	// Aggressive protects nothing.
	Aggressive
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Ceiling           int // token ceiling; 0 disables compression
	ProtectedRounds   int // tool rounds kept by layer 1 (default 4)
	ProtectedMessages int // trailing messages exempt from layer 2 (default 4)
}

// Result reports what compression did to one request.
type Result struct {
	Purified      bool
	ForkSignature string
	Tokens        int
}

// Manager applies progressive compression against a configured ceiling.
type Manager struct {
	opts Options
}

func New(opts Options) *Manager {
	if opts.ProtectedRounds <= 0 {
		opts.ProtectedRounds = 4
	}
	if opts.ProtectedMessages <= 0 {
		opts.ProtectedMessages = 4
	}
	return &Manager{opts: opts}
}

// EstimateTokens approximates the token count of a text with a mixed-script
// heuristic: ASCII runs near four characters per token, other scripts near
// one and a half.
func EstimateTokens(text string) int {
	ascii, other := 0, 0
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			other++
		}
	}
	estimate := float64(ascii)/4 + float64(other)/1.5
	return int(estimate * estimateMargin)
}

// EstimateRequestTokens sums every text field in a Claude-dialect request
// plus a fixed cost per inline image.
func EstimateRequestTokens(root any) int {
	total := 0
	if system, ok := jsonpath.GetString(root, "system"); ok {
		total += EstimateTokens(system)
	}
	for _, entry := range mustArray(root, "system") {
		if text, ok := jsonpath.GetString(entry, "text"); ok {
			total += EstimateTokens(text)
		}
	}
	for _, message := range mustArray(root, "messages") {
		if text, ok := jsonpath.GetString(message, "content"); ok {
			total += EstimateTokens(text)
			continue
		}
		for _, block := range mustArray(message, "content") {
			total += estimateBlockTokens(block)
		}
	}
	return total
}

func estimateBlockTokens(block any) int {
	kind, _ := jsonpath.GetString(block, "type")
	switch kind {
	case "image":
		return imageTokenCost
	case "thinking":
		text, _ := jsonpath.GetString(block, "thinking")
		return EstimateTokens(text)
	case "tool_use":
		input, ok := jsonpath.Get(block, "input")
		if !ok {
			return 0
		}
		raw, err := jsonpath.Stringify(input)
		if err != nil {
			return 0
		}
		return EstimateTokens(string(raw))
	case "tool_result":
		if text, ok := jsonpath.GetString(block, "content"); ok {
			return EstimateTokens(text)
		}
		total := 0
		for _, inner := range mustArray(block, "content") {
			if text, ok := jsonpath.GetString(inner, "text"); ok {
				total += EstimateTokens(text)
			}
		}
		return total
	default:
		text, _ := jsonpath.GetString(block, "text")
		return EstimateTokens(text)
	}
}

// Compress applies the layers in order, re-estimating pressure after each,
// and mutates root in place.
func (m *Manager) Compress(root any) Result {
	result := Result{Tokens: EstimateRequestTokens(root)}
	if m.opts.Ceiling <= 0 {
		return result
	}

	pressure := func() float64 {
		result.Tokens = EstimateRequestTokens(root)
		return float64(result.Tokens) / float64(m.opts.Ceiling)
	}

	if pressure() > layer1Pressure {
		if m.trimToolRounds(root, m.opts.ProtectedRounds) {
			result.Purified = true
			log.Debugf("context: trimmed tool rounds, %d tokens remain", EstimateRequestTokens(root))
		}
	}
	if pressure() > layer2Pressure {
		if m.collapseThinking(root, m.opts.ProtectedMessages) {
			result.Purified = true
			log.Debugf("context: collapsed thinking, %d tokens remain", EstimateRequestTokens(root))
		}
	}
	if pressure() > layer3Pressure {
		result.ForkSignature = newestForkSignature(root)
	}
	result.Tokens = EstimateRequestTokens(root)
	return result
}

// Purify runs the compression layers unconditionally with the protection
// window of the chosen strategy.
func (m *Manager) Purify(root any, strategy Strategy) Result {
	protected := m.opts.ProtectedMessages
	if strategy == Aggressive {
		protected = 0
	}
	result := Result{}
	if m.trimToolRounds(root, protectedRoundsFor(strategy, m.opts.ProtectedRounds)) {
		result.Purified = true
	}
	if m.collapseThinking(root, protected) {
		result.Purified = true
	}
	result.Tokens = EstimateRequestTokens(root)
	return result
}

func protectedRoundsFor(strategy Strategy, rounds int) int {
	if strategy == Aggressive {
		return 0
	}
	return rounds
}

// trimToolRounds removes all but the newest keep tool rounds. A tool round
// is an assistant message carrying tool_use immediately followed by a user
// message carrying tool_result. Deletion runs from the highest index down so
// earlier indices stay valid.
func (m *Manager) trimToolRounds(root any, keep int) bool {
	messages := mustArray(root, "messages")
	var rounds [][2]int
	for i := 0; i+1 < len(messages); i++ {
		if messageHasBlock(messages[i], "assistant", "tool_use") &&
			messageHasBlock(messages[i+1], "user", "tool_result") {
			rounds = append(rounds, [2]int{i, i + 1})
			i++
		}
	}
	if len(rounds) <= keep {
		return false
	}

	doomed := rounds[:len(rounds)-keep]
	var indices []int
	for _, round := range doomed {
		indices = append(indices, round[0], round[1])
	}
	// highest index first
	for i := len(indices) - 1; i >= 0; i-- {
		messages = append(messages[:indices[i]], messages[indices[i]+1:]...)
	}
	jsonpath.Set(root, "messages", messages)
	return true
}

func messageHasBlock(message any, role, blockKind string) bool {
	actual, _ := jsonpath.GetString(message, "role")
	if actual != role {
		return false
	}
	for _, block := range mustArray(message, "content") {
		if kind, _ := jsonpath.GetString(block, "type"); kind == blockKind {
			return true
		}
	}
	return false
}

// collapseThinking replaces thinking text with a placeholder in every signed
// thinking block outside the trailing protection window. Signatures are kept
// so the history remains replayable.
func (m *Manager) collapseThinking(root any, protected int) bool {
	messages := mustArray(root, "messages")
	limit := len(messages) - protected
	changed := false
	for i := 0; i < limit; i++ {
		for _, block := range mustArray(messages[i], "content") {
			kind, _ := jsonpath.GetString(block, "type")
			if kind != "thinking" {
				continue
			}
			sig, _ := jsonpath.GetString(block, "signature")
			if len(sig) < minValidSignature {
				continue
			}
			text, _ := jsonpath.GetString(block, "thinking")
			if text == compressedThinking {
				continue
			}
			jsonpath.Set(block, "thinking", compressedThinking)
			changed = true
		}
	}
	return changed
}

// newestForkSignature scans backward for the most recent thinking block with
// a valid signature.
func newestForkSignature(root any) string {
	messages := mustArray(root, "messages")
	for i := len(messages) - 1; i >= 0; i-- {
		blocks := mustArray(messages[i], "content")
		for j := len(blocks) - 1; j >= 0; j-- {
			kind, _ := jsonpath.GetString(blocks[j], "type")
			if kind != "thinking" {
				continue
			}
			if sig, _ := jsonpath.GetString(blocks[j], "signature"); len(sig) >= minValidSignature {
				return sig
			}
		}
	}
	return ""
}

func mustArray(node any, path string) []any {
	arr, _ := jsonpath.GetArray(node, path)
	return arr
}
