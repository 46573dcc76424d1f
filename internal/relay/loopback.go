package relay

import (
	"context"
	"sync"
)

// Loopback delivers envelopes to in-process subscribers synchronously, on the publisher's goroutine.
// Publish order is therefore preserved per publisher.
type Loopback struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

// NewLoopback returns an empty in-process relay.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[string]map[uint64]Handler)}
}

func (l *Loopback) Publish(ctx context.Context, target string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	hs := make([]Handler, 0, len(l.subs[target]))
	for _, h := range l.subs[target] {
		hs = append(hs, h)
	}
	l.mu.RUnlock()

	for _, h := range hs {
		h(env)
	}
	return nil
}

func (l *Loopback) Subscribe(target string, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	set, ok := l.subs[target]
	if !ok {
		set = make(map[uint64]Handler)
		l.subs[target] = set
	}
	set[id] = h
	return &loopbackSub{l: l, target: target, id: id}, nil
}

// Close drops every subscription.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.subs = make(map[string]map[uint64]Handler)
	l.mu.Unlock()
	return nil
}

type loopbackSub struct {
	l      *Loopback
	target string
	id     uint64
	once   sync.Once
}

func (s *loopbackSub) Unsubscribe() error {
	s.once.Do(func() {
		s.l.mu.Lock()
		defer s.l.mu.Unlock()
		set := s.l.subs[s.target]
		delete(set, s.id)
		if len(set) == 0 {
			delete(s.l.subs, s.target)
		}
	})
	return nil
}
