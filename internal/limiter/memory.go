package limiter

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory applies the same Rules as PG inside one process.
type Memory struct {
	mu    sync.Mutex
	byKey map[string]*counter
	rules Rules
	now   func() time.Time
}

// NewMemory builds an in-process limiter.
func NewMemory(rules Rules) *Memory {
	return &Memory{byKey: make(map[string]*counter), rules: rules, now: time.Now}
}

func (l *Memory) Check(_ context.Context, k Key) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.byKey[k.String()]
	if !ok {
		return 0, nil
	}
	return remaining(c.blockedUntil, l.now()), nil
}

func (l *Memory) Fail(_ context.Context, k Key) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c, ok := l.byKey[k.String()]
	if !ok {
		c = &counter{}
		l.byKey[k.String()] = c
	}
	if ok && now.Sub(c.updatedAt) > l.rules.Window {
		c.fails = 0
	}
	c.fails++
	c.updatedAt = now
	if c.fails >= l.rules.MaxFails {
		c.blockedUntil = now.Add(l.rules.BlockFor)
	}
	return remaining(c.blockedUntil, now), nil
}

func (l *Memory) Reset(_ context.Context, k Key) error {
	l.mu.Lock()
	delete(l.byKey, k.String())
	l.mu.Unlock()
	return nil
}

func (l *Memory) Purge(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k, c := range l.byKey {
		if c.updatedAt.Before(before) && c.blockedUntil.Before(before) {
			delete(l.byKey, k)
			n++
		}
	}
	return n, nil
}
