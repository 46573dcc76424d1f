package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps counters in the login_attempts table so every replica sees the same lockouts.
type PG struct {
	q     pgxQuerier
	rules Rules
	now   func() time.Time
}

// NewPG builds a Postgres limiter over a pool or any compatible querier.
func NewPG(q pgxQuerier, rules Rules) *PG {
	return &PG{q: q, rules: rules, now: time.Now}
}

// Check implements Limiter.
func (l *PG) Check(ctx context.Context, k Key) (time.Duration, error) {
	const q = `SELECT blocked_until FROM login_attempts WHERE username=$1 AND ip_hash=$2`
	var until time.Time
	err := l.q.QueryRow(ctx, q, k.Name, k.IPHash).Scan(&until)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("limiter check: %w", err)
	}
	return remaining(until, l.now()), nil
}

// Fail increments the counter and sets the lockout in one statement so concurrent
// failures cannot both slip under the limit.
func (l *PG) Fail(ctx context.Context, k Key) (time.Duration, error) {
	const q = `
INSERT INTO login_attempts AS a (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, CASE WHEN $4 <= 1 THEN $3::timestamptz + $6::interval ELSE 'epoch' END, $3)
ON CONFLICT (username, ip_hash) DO UPDATE SET
  fail_count = CASE WHEN $3 - a.updated_at > $5::interval THEN 1 ELSE a.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN $3 - a.updated_at > $5::interval THEN 1 ELSE a.fail_count + 1 END) >= $4
      THEN $3::timestamptz + $6::interval
    ELSE a.blocked_until END,
  updated_at = $3
RETURNING blocked_until`
	now := l.now()
	var until time.Time
	if err := l.q.QueryRow(ctx, q, k.Name, k.IPHash, now, l.rules.MaxFails, l.rules.Window, l.rules.BlockFor).Scan(&until); err != nil {
		return 0, fmt.Errorf("limiter fail: %w", err)
	}
	return remaining(until, now), nil
}

// Reset implements Limiter.
func (l *PG) Reset(ctx context.Context, k Key) error {
	const q = `DELETE FROM login_attempts WHERE username=$1 AND ip_hash=$2`
	if _, err := l.q.Exec(ctx, q, k.Name, k.IPHash); err != nil {
		return fmt.Errorf("limiter reset: %w", err)
	}
	return nil
}

// Purge implements Limiter.
func (l *PG) Purge(ctx context.Context, before time.Time) (int64, error) {
	const q = `DELETE FROM login_attempts WHERE updated_at < $1 AND blocked_until < $1`
	tag, err := l.q.Exec(ctx, q, before)
	if err != nil {
		return 0, fmt.Errorf("limiter purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func remaining(until, now time.Time) time.Duration {
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}
