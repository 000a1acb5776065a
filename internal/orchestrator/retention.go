package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/events"
	"github.com/agentz/agentz/internal/events/bus"
)

// retentionInterval is how often the background sweep runs.
const retentionInterval = time.Hour

// StartRetention launches the background retention sweep. A zero age
// and a zero count disable it entirely.
func (s *Service) StartRetention(ctx context.Context) {
	if s.cfg.Worker.MaxSessionAgeMs <= 0 && s.cfg.Worker.MaxSessionsCount <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.SweepRetention(ctx); err != nil {
					s.logger.Warn("retention sweep failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("retention sweep", zap.Int("swept", n))
				}
			}
		}
	}()
}

// SweepRetention tombstones terminal sessions past the age horizon and,
// when the total exceeds the count cap, the oldest terminal sessions
// beyond it. Live and pending sessions are never swept. Returns how
// many sessions were tombstoned.
func (s *Service) SweepRetention(ctx context.Context) (int, error) {
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	maxAge := s.cfg.Worker.MaxSessionAge()
	maxCount := s.cfg.Worker.MaxSessionsCount
	now := time.Now()

	swept := 0
	// List is newest first, so index position doubles as the count rank.
	for i, sess := range all {
		if !sess.Status.Terminal() {
			continue
		}
		tooOld := maxAge > 0 && now.Sub(sess.StartedAt) > maxAge
		overCount := maxCount > 0 && i >= maxCount
		if !tooOld && !overCount {
			continue
		}
		if err := s.appendRegistry(events.NewRegistryEvent(events.SessionDeleted, sess.ID)); err != nil {
			return swept, err
		}
		s.publish(ctx, bus.SubjectSessionDeleted, sess.ID, nil)
		swept++
	}
	return swept, nil
}
