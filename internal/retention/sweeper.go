// Package retention purges acknowledged messages past their horizon on a cron schedule.
// PENDING and DISPATCHED messages are never touched regardless of age.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/and161185/chifferchat/internal/metrics"
	"go.uber.org/zap"
)

// DefaultSchedule runs daily at 02:00 local time.
const DefaultSchedule = "0 2 * * *"

const retryAfterBadTick = 30 * time.Second

// MessagePurger removes acknowledged messages created before cutoff.
type MessagePurger interface {
	PurgeAcknowledgedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialPurger removes expired refresh credentials.
type CredentialPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// AttemptPurger drops login-attempt rows that no longer affect a lockout.
type AttemptPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Result reports one sweep.
type Result struct {
	Cutoff      time.Time
	Messages    int64
	Credentials int64
	Attempts    int64
}

// Sweeper runs the purge on schedule.
type Sweeper struct {
	messages    MessagePurger
	credentials CredentialPurger
	attempts    AttemptPurger
	attemptKeep time.Duration
	days        int
	schedule    string
	log         *zap.Logger
	metrics     *metrics.Core
	now         func() time.Time
}

// New validates schedule and builds a sweeper. credentials may be nil.
func New(messages MessagePurger, credentials CredentialPurger, days int, schedule string, log *zap.Logger, m *metrics.Core) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid retention schedule %q", schedule)
	}
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		messages:    messages,
		credentials: credentials,
		days:        days,
		schedule:    schedule,
		log:         log,
		metrics:     m,
		now:         time.Now,
	}, nil
}

// WithAttempts also purges login attempts idle for longer than keep.
func (s *Sweeper) WithAttempts(p AttemptPurger, keep time.Duration) *Sweeper {
	s.attempts, s.attemptKeep = p, keep
	return s
}

// RunOnce purges messages acknowledged and created more than days ago.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	now := s.now()
	res := Result{Cutoff: now.AddDate(0, 0, -s.days)}

	n, err := s.messages.PurgeAcknowledgedOlderThan(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("purge messages: %w", err)
	}
	res.Messages = n
	s.metrics.RecordPurge("messages", n)

	if s.credentials != nil {
		n, err := s.credentials.PurgeExpired(ctx, now)
		if err != nil {
			return res, fmt.Errorf("purge refresh credentials: %w", err)
		}
		res.Credentials = n
		s.metrics.RecordPurge("refresh_credentials", n)
	}

	if s.attempts != nil {
		n, err := s.attempts.Purge(ctx, now.Add(-s.attemptKeep))
		if err != nil {
			return res, fmt.Errorf("purge login attempts: %w", err)
		}
		res.Attempts = n
		s.metrics.RecordPurge("login_attempts", n)
	}

	s.log.Info("retention sweep",
		zap.Time("cutoff", res.Cutoff),
		zap.Int64("messages", res.Messages),
		zap.Int64("refresh_credentials", res.Credentials),
		zap.Int64("login_attempts", res.Attempts))
	return res, nil
}

// Next returns the first scheduled tick strictly after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, t, false)
}

// Run sweeps on every scheduled tick until ctx is done. Sweeps run inline, so a
// slow sweep delays the next one instead of overlapping it.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("retention scheduler started", zap.String("schedule", s.schedule), zap.Int("days", s.days))
	for {
		next, err := s.Next(s.now())
		wait := time.Until(next)
		if err != nil {
			s.log.Error("retention next tick", zap.Error(err))
			wait = retryAfterBadTick
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("retention scheduler stopping")
			return nil
		case <-t.C:
		}
		if err != nil {
			continue
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("retention sweep failed", zap.Error(err))
		}
	}
}
