// Package balancer selects an upstream account for each request and tracks
// per-account rate-limit and quota state reported back by the executor.
package balancer

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codelayer/agproxy/internal/auth"
)

// Strategy selects how accounts rotate.
type Strategy int

const (
	// RoundRobin advances a pointer across available accounts.
	RoundRobin Strategy = iota
	// FillFirst always drains the first available account.
	FillFirst
)

// DefaultRetryAfter applies when a 429 carries no parseable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// limitState is the runtime-only availability view of one account.
type limitState struct {
	rateLimited      bool
	rateLimitStarted time.Time
	rateLimitExpiry  time.Time
	quotaExceeded    bool
	lastError        string
}

// Balancer picks accounts and records outcomes. A single mutex covers the
// pointer and the limit map; critical sections are O(accounts).
type Balancer struct {
	strategy   Strategy
	retryAfter time.Duration

	mu     sync.Mutex
	next   int
	limits map[string]*limitState
}

// New builds a balancer; retryAfter <= 0 falls back to DefaultRetryAfter.
func New(strategy Strategy, retryAfter time.Duration) *Balancer {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &Balancer{
		strategy:   strategy,
		retryAfter: retryAfter,
		limits:     map[string]*limitState{},
	}
}

// Pick returns an available account or nil when every account is limited.
// Expired rate limits are cleared lazily here.
func (b *Balancer) Pick(accounts []*auth.Account) *auth.Account {
	if len(accounts) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	available := make([]*auth.Account, 0, len(accounts))
	for _, account := range accounts {
		state := b.limits[account.ID]
		if state == nil {
			available = append(available, account)
			continue
		}
		if state.rateLimited && now.After(state.rateLimitExpiry) {
			state.rateLimited = false
			state.lastError = ""
		}
		if !state.rateLimited && !state.quotaExceeded {
			available = append(available, account)
		}
	}
	if len(available) == 0 {
		return nil
	}

	if b.strategy == FillFirst {
		return available[0]
	}
	account := available[b.next%len(available)]
	b.next++
	return account
}

// MarkRateLimited flags the account until retryAfter elapses; zero duration
// uses the configured default.
func (b *Balancer) MarkRateLimited(accountID string, retryAfter time.Duration, message string) {
	if retryAfter <= 0 {
		retryAfter = b.retryAfter
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.state(accountID)
	state.rateLimited = true
	state.rateLimitStarted = time.Now()
	state.rateLimitExpiry = time.Now().Add(retryAfter)
	state.lastError = message
	log.Debugf("balancer: %s rate-limited for %s", accountID, retryAfter)
}

// MarkQuotaExceeded flags the account with no automatic expiry; only Clear
// restores it.
func (b *Balancer) MarkQuotaExceeded(accountID string, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.state(accountID)
	state.quotaExceeded = true
	state.lastError = message
	log.Warnf("balancer: %s quota exceeded", accountID)
}

// Clear removes every flag from the account.
func (b *Balancer) Clear(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.limits, accountID)
}

// Info is a read-only snapshot of one account's limit state.
type Info struct {
	AccountID        string
	RateLimited      bool
	RateLimitStarted time.Time
	RateLimitExpiry  time.Time
	QuotaExceeded    bool
	LastError        string
}

// Snapshot reports the current limit state for observability surfaces.
func (b *Balancer) Snapshot() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Info, 0, len(b.limits))
	for id, state := range b.limits {
		out = append(out, Info{
			AccountID:        id,
			RateLimited:      state.rateLimited,
			RateLimitStarted: state.rateLimitStarted,
			RateLimitExpiry:  state.rateLimitExpiry,
			QuotaExceeded:    state.quotaExceeded,
			LastError:        state.lastError,
		})
	}
	return out
}

func (b *Balancer) state(accountID string) *limitState {
	state := b.limits[accountID]
	if state == nil {
		state = &limitState{}
		b.limits[accountID] = state
	}
	return state
}
