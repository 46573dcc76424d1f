// Package router fans encoded frames out to the sessions subscribed to logical topics.
//
// Every destination is a topic: the presence broadcast or a per-user channel. Group
// fan-out resolves members at send time and addresses their per-user channels.
// The router keeps the local session table per topic and holds one relay subscription
// per topic that has at least one local session.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/metrics"
	"github.com/and161185/chifferchat/internal/protocol"
	"github.com/and161185/chifferchat/internal/relay"
	"go.uber.org/zap"
)

// Session is the outbound side of one authenticated connection.
type Session interface {
	ID() string
	UserID() int64
	// Enqueue queues an encoded frame. It returns errs.ErrBackpressure when the frame
	// could not be queued; for best-effort kinds the frame is simply lost.
	Enqueue(kind protocol.Kind, frame []byte) error
}

// Topics names the logical destinations.
type Topics struct {
	Presence     string
	UserMessages string
	UserStatus   string
}

// DefaultTopics returns the stock destination names.
func DefaultTopics() Topics {
	return Topics{Presence: "presence", UserMessages: "messages", UserStatus: "message-status"}
}

// User returns the per-user topic of channel.
func (t Topics) User(channel string, userID int64) string {
	return channel + "." + strconv.FormatInt(userID, 10)
}

type topic struct {
	sessions map[string]Session
	sub      relay.Subscription
}

// Router owns the topic table.
type Router struct {
	relay   relay.Relay
	topics  Topics
	log     *zap.Logger
	metrics *metrics.Core

	mu     sync.RWMutex
	table  map[string]*topic
	joined map[string]map[string]struct{} // session id -> topics
}

// New builds a router over r.
func New(r relay.Relay, topics Topics, log *zap.Logger, m *metrics.Core) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		relay:   r,
		topics:  topics,
		log:     log,
		metrics: m,
		table:   make(map[string]*topic),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Topics returns the names the router was built with.
func (r *Router) Topics() Topics { return r.topics }

// Register subscribes s to its user's message and status channels.
func (r *Router) Register(s Session) error {
	if err := r.Subscribe(s, r.topics.User(r.topics.UserMessages, s.UserID())); err != nil {
		return err
	}
	return r.Subscribe(s, r.topics.User(r.topics.UserStatus, s.UserID()))
}

// Unregister drops s from every topic it joined.
func (r *Router) Unregister(s Session) {
	r.mu.Lock()
	names := r.joined[s.ID()]
	delete(r.joined, s.ID())
	var release []relay.Subscription
	for name := range names {
		t := r.table[name]
		if t == nil {
			continue
		}
		delete(t.sessions, s.ID())
		if len(t.sessions) == 0 {
			delete(r.table, name)
			if t.sub != nil {
				release = append(release, t.sub)
			}
		}
	}
	r.mu.Unlock()

	for _, sub := range release {
		if err := sub.Unsubscribe(); err != nil {
			r.log.Warn("router: unsubscribe", zap.Error(err))
		}
	}
}

// Subscribe adds s to topic, creating the relay subscription on the first local session.
func (r *Router) Subscribe(s Session, name string) error {
	r.mu.Lock()
	t, ok := r.table[name]
	if ok {
		t.sessions[s.ID()] = s
		r.join(s.ID(), name)
		r.mu.Unlock()
		return nil
	}
	t = &topic{sessions: map[string]Session{s.ID(): s}}
	r.table[name] = t
	r.join(s.ID(), name)
	r.mu.Unlock()

	sub, err := r.relay.Subscribe(name, func(env relay.Envelope) { r.fanout(name, env) })
	if err != nil {
		r.mu.Lock()
		if cur := r.table[name]; cur == t {
			delete(cur.sessions, s.ID())
			if len(cur.sessions) == 0 {
				delete(r.table, name)
			}
		}
		if set := r.joined[s.ID()]; set != nil {
			delete(set, name)
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	if cur := r.table[name]; cur == t {
		t.sub = sub
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	// Topic emptied while subscribing.
	return sub.Unsubscribe()
}

// Unsubscribe removes s from topic.
func (r *Router) Unsubscribe(s Session, name string) {
	r.mu.Lock()
	if set := r.joined[s.ID()]; set != nil {
		delete(set, name)
	}
	t := r.table[name]
	var release relay.Subscription
	if t != nil {
		delete(t.sessions, s.ID())
		if len(t.sessions) == 0 {
			delete(r.table, name)
			release = t.sub
		}
	}
	r.mu.Unlock()

	if release != nil {
		if err := release.Unsubscribe(); err != nil {
			r.log.Warn("router: unsubscribe", zap.String("topic", name), zap.Error(err))
		}
	}
}

func (r *Router) join(sessionID, name string) {
	set, ok := r.joined[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.joined[sessionID] = set
	}
	set[name] = struct{}{}
}

// EnqueueToUser publishes f on the user's channel. except names a session to skip.
func (r *Router) EnqueueToUser(ctx context.Context, userID int64, channel string, f protocol.Frame, except string) error {
	return r.EnqueueToTopic(ctx, r.topics.User(channel, userID), f, except)
}

// EnqueueToTopic publishes f to every subscriber of topic.
func (r *Router) EnqueueToTopic(ctx context.Context, name string, f protocol.Frame, except string) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return r.relay.Publish(ctx, name, relay.Envelope{Kind: f.Kind(), Frame: json.RawMessage(data), Except: except})
}

// Deliver queues f on one session directly, bypassing topics.
func (r *Router) Deliver(s Session, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return r.enqueue(s, f.Kind(), data)
}

// HasLocal reports whether any local session listens on topic.
func (r *Router) HasLocal(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table[name].sessionsOrNil()) > 0
}

func (r *Router) fanout(name string, env relay.Envelope) {
	r.mu.RLock()
	t := r.table[name]
	targets := make([]Session, 0, len(t.sessionsOrNil()))
	for id, s := range t.sessionsOrNil() {
		if id == env.Except {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		_ = r.enqueue(s, env.Kind, env.Frame)
	}
}

func (r *Router) enqueue(s Session, kind protocol.Kind, data []byte) error {
	err := s.Enqueue(kind, data)
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrBackpressure) && !protocol.Critical(kind) {
		r.metrics.RecordDrop(string(kind))
		return err
	}
	r.log.Warn("router: enqueue failed",
		zap.String("session_id", s.ID()),
		zap.Int64("user_id", s.UserID()),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return err
}

func (t *topic) sessionsOrNil() map[string]Session {
	if t == nil {
		return nil
	}
	return t.sessions
}
