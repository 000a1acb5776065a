// Package ratelimit enforces per-user sliding-window limits on request
// and token throughput, with graduated suspension for repeat offenders.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/common/config"
	"github.com/agentz/agentz/internal/common/logger"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	sweepEvery   = 5 * time.Minute
)

type tokenRecord struct {
	at     time.Time
	tokens int
}

// userRecord is one user's sliding windows plus suspension state.
type userRecord struct {
	requests       []time.Time
	tokenUsage     []tokenRecord
	suspendedUntil time.Time
	violationCount int
	lastSeen       time.Time
}

// Result is a limit decision plus a snapshot of the counters.
type Result struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`

	RequestsThisMinute int `json:"requests_this_minute"`
	TokensThisMinute   int `json:"tokens_this_minute"`
	TokensThisHour     int `json:"tokens_this_hour"`
}

// Limiter tracks sliding windows per user id.
type Limiter struct {
	cfg    config.RateLimitConfig
	logger *logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	users map[string]*userRecord
}

// NewLimiter creates a limiter. Call Start to run the idle sweep.
func NewLimiter(cfg config.RateLimitConfig, log *logger.Logger) *Limiter {
	if log == nil {
		log = logger.Default()
	}
	return &Limiter{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "rate-limiter")),
		now:    time.Now,
		users:  make(map[string]*userRecord),
	}
}

// Start runs the idle-record sweep until ctx is cancelled.
func (l *Limiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// CheckLimit decides whether a request may proceed. estimatedTokens < 0
// means no token estimate was supplied; token checks are then skipped.
func (l *Limiter) CheckLimit(userID string, estimatedTokens int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u := l.user(userID)
	u.lastSeen = now

	if now.Before(u.suspendedUntil) {
		return Result{
			Allowed:       false,
			Reason:        "suspended",
			RetryAfterSec: ceilSeconds(u.suspendedUntil.Sub(now)),
		}
	}

	l.prune(u, now)
	reqCount := len(u.requests)
	tokensMinute, tokensHour := l.tokenCounts(u, now)

	snapshot := Result{
		RequestsThisMinute: reqCount,
		TokensThisMinute:   tokensMinute,
		TokensThisHour:     tokensHour,
	}

	if reqCount >= l.cfg.RequestsPerMinute {
		snapshot.Reason = fmt.Sprintf("limit of %d requests per minute exceeded", l.cfg.RequestsPerMinute)
		snapshot.RetryAfterSec = 60
		return snapshot
	}
	if estimatedTokens >= 0 {
		if estimatedTokens > l.cfg.MaxTokensPerRequest {
			snapshot.Reason = "request exceeds per-request token limit"
			return snapshot
		}
		if tokensMinute+estimatedTokens > l.cfg.TokensPerMinute {
			snapshot.Reason = "minute token budget exhausted"
			snapshot.RetryAfterSec = 60
			return snapshot
		}
		if tokensHour+estimatedTokens > l.cfg.TokensPerHour {
			snapshot.Reason = "hourly token budget exhausted"
			snapshot.RetryAfterSec = l.hourlyRetryAfter(u, now)
			return snapshot
		}
	}

	snapshot.Allowed = true
	return snapshot
}

// RecordUsage appends a request timestamp and a token record.
func (l *Limiter) RecordUsage(userID string, tokensUsed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u := l.user(userID)
	u.lastSeen = now
	u.requests = append(u.requests, now)
	if tokensUsed > 0 {
		u.tokenUsage = append(u.tokenUsage, tokenRecord{at: now, tokens: tokensUsed})
	}
}

// Suspend blocks a user for the given duration (the configured default
// when zero) and bumps their violation count.
func (l *Limiter) Suspend(userID string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if duration <= 0 {
		duration = l.cfg.SuspensionDuration()
	}
	now := l.now()
	u := l.user(userID)
	u.violationCount++
	u.suspendedUntil = now.Add(duration)
	l.logger.Warn("user suspended",
		zap.String("user_id", userID),
		zap.Duration("duration", duration),
		zap.Int("violations", u.violationCount))
}

// Violations returns the user's violation count.
func (l *Limiter) Violations(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.users[userID]; ok {
		return u.violationCount
	}
	return 0
}

// Usage returns the current windows for a user without deciding anything.
func (l *Limiter) Usage(userID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u, ok := l.users[userID]
	if !ok {
		return Result{Allowed: true}
	}
	l.prune(u, now)
	tokensMinute, tokensHour := l.tokenCounts(u, now)
	return Result{
		Allowed:            true,
		RequestsThisMinute: len(u.requests),
		TokensThisMinute:   tokensMinute,
		TokensThisHour:     tokensHour,
	}
}

func (l *Limiter) user(userID string) *userRecord {
	u, ok := l.users[userID]
	if !ok {
		u = &userRecord{}
		l.users[userID] = u
	}
	return u
}

// prune drops entries older than each window's horizon.
func (l *Limiter) prune(u *userRecord, now time.Time) {
	reqCutoff := now.Add(-minuteWindow)
	kept := u.requests[:0]
	for _, t := range u.requests {
		if t.After(reqCutoff) {
			kept = append(kept, t)
		}
	}
	u.requests = kept

	tokCutoff := now.Add(-hourWindow)
	keptTok := u.tokenUsage[:0]
	for _, r := range u.tokenUsage {
		if r.at.After(tokCutoff) {
			keptTok = append(keptTok, r)
		}
	}
	u.tokenUsage = keptTok
}

// tokenCounts derives both views from the single hour-horizon list.
func (l *Limiter) tokenCounts(u *userRecord, now time.Time) (minute, hour int) {
	minCutoff := now.Add(-minuteWindow)
	for _, r := range u.tokenUsage {
		hour += r.tokens
		if r.at.After(minCutoff) {
			minute += r.tokens
		}
	}
	return minute, hour
}

// hourlyRetryAfter computes when the oldest token record ages out of
// the 1-hour horizon.
func (l *Limiter) hourlyRetryAfter(u *userRecord, now time.Time) int {
	if len(u.tokenUsage) == 0 {
		return ceilSeconds(hourWindow)
	}
	expires := u.tokenUsage[0].at.Add(hourWindow)
	if expires.Before(now) {
		return 1
	}
	return ceilSeconds(expires.Sub(now))
}

// sweep drops users idle past the hour horizon with no pending suspension.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, u := range l.users {
		if now.Sub(u.lastSeen) > hourWindow && now.After(u.suspendedUntil) {
			delete(l.users, id)
		}
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
