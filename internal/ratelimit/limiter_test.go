package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentz/agentz/internal/common/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		RequestsPerMinute:    60,
		MaxTokensPerRequest:  50_000,
		TokensPerMinute:      200_000,
		TokensPerHour:        1_000_000,
		SuspensionDurationMs: int64(15 * time.Minute / time.Millisecond),
		MaxViolations:        5,
	}
}

// testLimiter returns a limiter with a manually advanced clock.
func testLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(testConfig(), nil)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckLimitAllowsUnderLimits(t *testing.T) {
	l, _ := testLimiter(t)

	res := l.CheckLimit("alice", 1000)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.RequestsThisMinute)
	assert.Zero(t, res.TokensThisHour)
}

func TestRequestWindowDenial(t *testing.T) {
	l, now := testLimiter(t)

	for i := 0; i < 60; i++ {
		res := l.CheckLimit("alice", -1)
		require.True(t, res.Allowed, "request %d", i)
		l.RecordUsage("alice", 0)
	}
	res := l.CheckLimit("alice", -1)
	assert.False(t, res.Allowed)
	assert.Equal(t, 60, res.RetryAfterSec)
	assert.Equal(t, 60, res.RequestsThisMinute)

	// Requests age out of the one-minute window.
	*now = now.Add(61 * time.Second)
	res = l.CheckLimit("alice", -1)
	assert.True(t, res.Allowed)
}

func TestRequestDenialReasonNamesLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerMinute = 3
	l := NewLimiter(cfg, nil)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckLimit("alice", 10).Allowed)
		l.RecordUsage("alice", 10)
	}
	res := l.CheckLimit("alice", 10)
	require.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "3 requests per minute")
	assert.Equal(t, 60, res.RetryAfterSec)
}

func TestPerRequestTokenCap(t *testing.T) {
	l, _ := testLimiter(t)

	res := l.CheckLimit("alice", 50_001)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.RetryAfterSec)

	res = l.CheckLimit("alice", 50_000)
	assert.True(t, res.Allowed)
}

func TestMinuteTokenBudget(t *testing.T) {
	l, _ := testLimiter(t)

	l.RecordUsage("alice", 45_000)
	l.RecordUsage("alice", 45_000)
	l.RecordUsage("alice", 45_000)
	l.RecordUsage("alice", 45_000)

	res := l.CheckLimit("alice", 30_000)
	assert.False(t, res.Allowed)
	assert.Equal(t, 60, res.RetryAfterSec)
	assert.Equal(t, 180_000, res.TokensThisMinute)

	res = l.CheckLimit("alice", 20_000)
	assert.True(t, res.Allowed)
}

func TestHourTokenBudgetRetryAfter(t *testing.T) {
	l, now := testLimiter(t)

	// Spread usage so the minute view stays clear but the hour fills.
	for i := 0; i < 20; i++ {
		l.RecordUsage("alice", 49_000)
		*now = now.Add(2 * time.Minute)
	}

	res := l.CheckLimit("alice", 40_000)
	require.False(t, res.Allowed)
	// The oldest record is 40 minutes old, so it expires in 20 minutes.
	assert.Equal(t, 20*60, res.RetryAfterSec)
}

func TestSuspensionAndExpiry(t *testing.T) {
	l, now := testLimiter(t)

	l.Suspend("alice", 0)
	res := l.CheckLimit("alice", -1)
	assert.False(t, res.Allowed)
	assert.Equal(t, "suspended", res.Reason)
	assert.Equal(t, 15*60, res.RetryAfterSec)
	assert.Equal(t, 1, l.Violations("alice"))

	// Partway through, retry-after shrinks.
	*now = now.Add(10 * time.Minute)
	res = l.CheckLimit("alice", -1)
	assert.False(t, res.Allowed)
	assert.Equal(t, 5*60, res.RetryAfterSec)

	// After expiry the user is admitted again; violations persist.
	*now = now.Add(6 * time.Minute)
	res = l.CheckLimit("alice", 100)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, l.Violations("alice"))
}

func TestUsersAreIndependent(t *testing.T) {
	l, _ := testLimiter(t)

	for i := 0; i < 60; i++ {
		l.RecordUsage("alice", 0)
	}
	assert.False(t, l.CheckLimit("alice", -1).Allowed)
	assert.True(t, l.CheckLimit("bob", -1).Allowed)
}

func TestSweepDropsIdleUsers(t *testing.T) {
	l, now := testLimiter(t)

	l.RecordUsage("alice", 100)
	l.Suspend("bob", 2*time.Hour)

	*now = now.Add(90 * time.Minute)
	l.sweep()

	l.mu.Lock()
	_, aliceKept := l.users["alice"]
	_, bobKept := l.users["bob"]
	l.mu.Unlock()
	assert.False(t, aliceKept, "idle user swept")
	assert.True(t, bobKept, "suspended user retained")
}

func TestAbuseScoreBands(t *testing.T) {
	assert.Equal(t, 0, requestRateBand(10, 60))
	assert.Equal(t, 10, requestRateBand(30, 60))
	assert.Equal(t, 20, requestRateBand(48, 60))
	assert.Equal(t, 30, requestRateBand(60, 60))

	assert.Equal(t, 0, tokenRateBand(100_000, 1_000_000))
	assert.Equal(t, 10, tokenRateBand(500_000, 1_000_000))
	assert.Equal(t, 20, tokenRateBand(800_000, 1_000_000))
	assert.Equal(t, 30, tokenRateBand(1_000_000, 1_000_000))

	assert.Equal(t, 0, violationBand(0))
	assert.Equal(t, 10, violationBand(1))
	assert.Equal(t, 20, violationBand(2))
	assert.Equal(t, 30, violationBand(3))
	assert.Equal(t, 30, violationBand(4))
	assert.Equal(t, 40, violationBand(5))
}

func TestAssessAbuseAutoSuspends(t *testing.T) {
	l, _ := testLimiter(t)

	// Saturate requests and tokens, with history: 30 + 30 + 20 = 80.
	u := l.user("mallory")
	u.violationCount = 2
	for i := 0; i < 60; i++ {
		l.RecordUsage("mallory", 0)
	}
	l.RecordUsage("mallory", 1_000_000)

	a := l.AssessAbuse("mallory")
	assert.Equal(t, AlertCritical, a.Level)
	assert.GreaterOrEqual(t, a.Score, 80)
	assert.True(t, a.Suspended)

	// Critical suspension runs 4x the base duration.
	res := l.CheckLimit("mallory", -1)
	require.False(t, res.Allowed)
	assert.Equal(t, 4*15*60, res.RetryAfterSec)
}

func TestAssessAbuseWarnOnly(t *testing.T) {
	l, _ := testLimiter(t)

	u := l.user("carol")
	u.violationCount = 1
	for i := 0; i < 30; i++ {
		l.RecordUsage("carol", 0)
	}
	l.RecordUsage("carol", 500_000)

	a := l.AssessAbuse("carol")
	// 10 + 10 + 10 = 30, below the warn threshold.
	assert.Equal(t, AlertNone, a.Level)
	assert.False(t, a.Suspended)

	u.violationCount = 3
	a = l.AssessAbuse("carol")
	// 10 + 10 + 30 = 50 warns but does not suspend.
	assert.Equal(t, AlertWarn, a.Level)
	assert.False(t, a.Suspended)
	assert.True(t, l.CheckLimit("carol", -1).Allowed)
}
