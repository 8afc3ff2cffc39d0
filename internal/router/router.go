// Package router resolves incoming model names to the upstream model the
// request is actually sent with. Custom mappings (exact or glob-style
// wildcard patterns) take priority over a fixed system-default table;
// unmapped Gemini and thinking models pass through unchanged.
package router

import (
	"strings"
	"sync"
)

// System default targets. Claude-family names collapse onto the canonical
// Claude target, OpenAI-family names onto the fast model.
const (
	DefaultClaudeModel = "claude-sonnet-4-5"
	DefaultFastModel   = "gemini-3-flash"
)

// geminiPreviews maps a base Gemini model to the preview alias the upstream
// actually serves.
var geminiPreviews = map[string]string{
	"gemini-3-pro":     "gemini-3-pro-preview",
	"gemini-3-flash":   "gemini-3-flash-preview",
	"gemini-2.5-pro":   "gemini-2.5-pro-preview-06-05",
	"gemini-2.5-flash": "gemini-2.5-flash-preview-05-20",
}

type wildcardMapping struct {
	pattern     string
	target      string
	specificity int
	order       int
}

// Router holds the custom mapping table. Mutators are safe for concurrent
// use with Resolve.
type Router struct {
	mu        sync.RWMutex
	exact     map[string]string
	wildcards []wildcardMapping
	inserted  int
}

// New returns an empty router.
func New() *Router {
	return &Router{exact: make(map[string]string)}
}

// Set installs or replaces a mapping. Patterns containing "*" are wildcard
// mappings; anything else is an exact mapping.
func (r *Router) Set(pattern, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !strings.Contains(pattern, "*") {
		r.exact[pattern] = target
		return
	}
	for i := range r.wildcards {
		if r.wildcards[i].pattern == pattern {
			r.wildcards[i].target = target
			return
		}
	}
	r.wildcards = append(r.wildcards, wildcardMapping{
		pattern:     pattern,
		target:      target,
		specificity: specificity(pattern),
		order:       r.inserted,
	})
	r.inserted++
}

// Remove deletes a mapping by its pattern.
func (r *Router) Remove(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !strings.Contains(pattern, "*") {
		delete(r.exact, pattern)
		return
	}
	for i := range r.wildcards {
		if r.wildcards[i].pattern == pattern {
			r.wildcards = append(r.wildcards[:i], r.wildcards[i+1:]...)
			return
		}
	}
}

// List returns a copy of all custom mappings keyed by pattern.
func (r *Router) List() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.exact)+len(r.wildcards))
	for pattern, target := range r.exact {
		out[pattern] = target
	}
	for _, w := range r.wildcards {
		out[w.pattern] = w.target
	}
	return out
}

// Resolve maps an incoming model name to the upstream model name.
//
// Order: exact custom mapping, most specific matching wildcard mapping
// (ties broken by earliest insertion), system default table, passthrough for
// gemini-/thinking names, and finally the default Claude target.
func (r *Router) Resolve(name string) string {
	r.mu.RLock()
	if target, ok := r.exact[name]; ok {
		r.mu.RUnlock()
		return target
	}
	best := -1
	for i := range r.wildcards {
		if !MatchWildcard(r.wildcards[i].pattern, name) {
			continue
		}
		if best == -1 ||
			r.wildcards[i].specificity > r.wildcards[best].specificity ||
			(r.wildcards[i].specificity == r.wildcards[best].specificity && r.wildcards[i].order < r.wildcards[best].order) {
			best = i
		}
	}
	if best >= 0 {
		target := r.wildcards[best].target
		r.mu.RUnlock()
		return target
	}
	r.mu.RUnlock()

	if strings.HasPrefix(name, "claude") {
		return DefaultClaudeModel
	}
	if strings.HasPrefix(name, "gpt-") || strings.HasPrefix(name, "o1") ||
		strings.HasPrefix(name, "o3") || strings.HasPrefix(name, "o4") {
		return DefaultFastModel
	}
	if preview, ok := geminiPreviews[name]; ok {
		return preview
	}
	if strings.HasPrefix(name, "gemini-") || strings.Contains(name, "thinking") {
		return name
	}
	return DefaultClaudeModel
}

// specificity counts the non-wildcard characters of a pattern.
func specificity(pattern string) int {
	return len(pattern) - strings.Count(pattern, "*")
}

// MatchWildcard reports whether name matches the glob-style pattern.
// "*" matches any possibly empty substring; matching is case-sensitive and
// greedy left to right with backtracking over multiple wildcards. The empty
// pattern matches only the empty name.
func MatchWildcard(pattern, name string) bool {
	var pi, ni int
	starPi, starNi := -1, -1
	for ni < len(name) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			starPi, starNi = pi, ni
			pi++
		case pi < len(pattern) && pattern[pi] == name[ni]:
			pi++
			ni++
		case starPi >= 0:
			starNi++
			pi, ni = starPi+1, starNi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
