package ratelimit

import (
	"go.uber.org/zap"
)

// AlertLevel grades an abuse assessment.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertWarn     AlertLevel = "warn"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// Assessment is one abuse evaluation for a user.
type Assessment struct {
	UserID    string     `json:"user_id"`
	Score     int        `json:"score"`
	Level     AlertLevel `json:"level"`
	Suspended bool       `json:"suspended"`
}

// AssessAbuse scores a user 0..100 from their current windows and
// violation history, and auto-suspends at the high and critical levels.
// Critical suspensions run four times the base duration.
func (l *Limiter) AssessAbuse(userID string) Assessment {
	usage := l.Usage(userID)
	violations := l.Violations(userID)

	score := requestRateBand(usage.RequestsThisMinute, l.cfg.RequestsPerMinute) +
		tokenRateBand(usage.TokensThisHour, l.cfg.TokensPerHour) +
		violationBand(violations)

	a := Assessment{UserID: userID, Score: score, Level: AlertNone}
	switch {
	case score >= 80:
		a.Level = AlertCritical
		l.Suspend(userID, 4*l.cfg.SuspensionDuration())
		a.Suspended = true
	case score >= 60:
		a.Level = AlertHigh
		l.Suspend(userID, l.cfg.SuspensionDuration())
		a.Suspended = true
	case score >= 40:
		a.Level = AlertWarn
	}

	if a.Level != AlertNone {
		l.logger.Warn("abuse assessment",
			zap.String("user_id", userID),
			zap.Int("score", score),
			zap.String("level", string(a.Level)))
	}
	return a
}

// requestRateBand scores request pressure against the per-minute limit:
// at or over the limit 30, >=80% 20, >=50% 10.
func requestRateBand(requests, limit int) int {
	if limit <= 0 {
		return 0
	}
	switch {
	case requests >= limit:
		return 30
	case requests*5 >= limit*4:
		return 20
	case requests*2 >= limit:
		return 10
	}
	return 0
}

// tokenRateBand scores hourly token pressure with the same ratios.
func tokenRateBand(tokens, limit int) int {
	if limit <= 0 {
		return 0
	}
	switch {
	case tokens >= limit:
		return 30
	case tokens*5 >= limit*4:
		return 20
	case tokens*2 >= limit:
		return 10
	}
	return 0
}

// violationBand scores suspension history: 0, 1, 2, 3-4, 5+.
func violationBand(violations int) int {
	switch {
	case violations >= 5:
		return 40
	case violations >= 3:
		return 30
	case violations == 2:
		return 20
	case violations == 1:
		return 10
	}
	return 0
}
