package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelayer/agproxy/internal/auth"
)

func accounts(ids ...string) []*auth.Account {
	out := make([]*auth.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, &auth.Account{ID: id, Email: id + "@example.com"})
	}
	return out
}

func TestRoundRobinRotates(t *testing.T) {
	b := New(RoundRobin, 0)
	pool := accounts("a", "b", "c")

	seen := []string{}
	for i := 0; i < 6; i++ {
		seen = append(seen, b.Pick(pool).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, seen)
}

func TestFillFirstSticksToFirst(t *testing.T) {
	b := New(FillFirst, 0)
	pool := accounts("a", "b")

	assert.Equal(t, "a", b.Pick(pool).ID)
	assert.Equal(t, "a", b.Pick(pool).ID)

	b.MarkRateLimited("a", time.Minute, "429")
	assert.Equal(t, "b", b.Pick(pool).ID)
}

func TestRateLimitedAccountSkipped(t *testing.T) {
	b := New(RoundRobin, 0)
	pool := accounts("a", "b")

	b.MarkRateLimited("a", 30*time.Second, "429 Retry-After: 30")
	picked := b.Pick(pool)
	require.NotNil(t, picked)
	assert.Equal(t, "b", picked.ID)
	// still only b while the limit holds
	assert.Equal(t, "b", b.Pick(pool).ID)
}

func TestRateLimitExpiresLazily(t *testing.T) {
	b := New(RoundRobin, 0)
	pool := accounts("a")

	b.MarkRateLimited("a", 10*time.Millisecond, "429")
	assert.Nil(t, b.Pick(pool))

	time.Sleep(20 * time.Millisecond)
	picked := b.Pick(pool)
	require.NotNil(t, picked)
	assert.Equal(t, "a", picked.ID)
}

func TestQuotaExceededNeverExpires(t *testing.T) {
	b := New(RoundRobin, 0)
	pool := accounts("a")

	b.MarkQuotaExceeded("a", "quota exhausted")
	assert.Nil(t, b.Pick(pool))
	time.Sleep(10 * time.Millisecond)
	assert.Nil(t, b.Pick(pool))

	b.Clear("a")
	require.NotNil(t, b.Pick(pool))
}

func TestNoAccounts(t *testing.T) {
	b := New(RoundRobin, 0)
	assert.Nil(t, b.Pick(nil))
}

func TestSnapshotReportsState(t *testing.T) {
	b := New(RoundRobin, 0)
	b.MarkRateLimited("a", time.Minute, "too many requests")

	infos := b.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "a", infos[0].AccountID)
	assert.True(t, infos[0].RateLimited)
	assert.Equal(t, "too many requests", infos[0].LastError)
	assert.True(t, infos[0].RateLimitExpiry.After(infos[0].RateLimitStarted))
}

func TestDefaultRetryAfterApplied(t *testing.T) {
	b := New(RoundRobin, 25*time.Millisecond)
	pool := accounts("a")

	b.MarkRateLimited("a", 0, "429 without header")
	assert.Nil(t, b.Pick(pool))
	time.Sleep(40 * time.Millisecond)
	require.NotNil(t, b.Pick(pool))
}
