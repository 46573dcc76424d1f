// Package delivery runs the direct message delivery state machine: dispatch to online
// sessions, replay on attach, acknowledgements and sender-facing status updates.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/chifferchat/internal/convert"
	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/metrics"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/presence"
	"github.com/and161185/chifferchat/internal/protocol"
	"github.com/and161185/chifferchat/internal/repository"
	"github.com/and161185/chifferchat/internal/router"
	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Membership answers group questions for fan-out and typing.
type Membership interface {
	IsMember(ctx context.Context, groupID uuid.UUID, userID int64) (bool, error)
	Members(ctx context.Context, groupID uuid.UUID) ([]model.Membership, error)
}

// Users resolves sender names and recipient existence.
type Users interface {
	GetByID(ctx context.Context, id int64) (model.User, error)
}

// Session is a routed session that knows who it belongs to.
type Session interface {
	router.Session
	Principal() model.Principal
}

// Options tune the background dispatch retry.
type Options struct {
	RetryBase     time.Duration
	RetryAttempts uint64
	// Now stamps presence announcements.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Coordinator ties the store, presence registry and router together.
type Coordinator struct {
	messages repository.MessageRepository
	members  Membership
	users    Users
	presence *presence.Registry
	router   *router.Router
	log      *zap.Logger
	metrics  *metrics.Core
	opts     Options

	locks *keyedMutex

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a coordinator. Close must be called to stop pending retries.
func New(messages repository.MessageRepository, members Membership, users Users,
	reg *presence.Registry, r *router.Router, log *zap.Logger, m *metrics.Core, opts Options) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		messages: messages,
		members:  members,
		users:    users,
		presence: reg,
		router:   r,
		log:      log,
		metrics:  m,
		opts:     opts.withDefaults(),
		locks:    newKeyedMutex(),
		bg:       bg,
		cancel:   cancel,
	}
}

// Attach registers an authenticated session. Under the user's lock it records presence,
// replays undelivered direct messages to s in createdAt order and only then subscribes s
// to its live channels, so nothing new reaches s ahead of the replayed prefix.
// first reports the user's offline to online transition; ONLINE is announced before
// the lock is released.
func (c *Coordinator) Attach(ctx context.Context, s Session) (first bool, err error) {
	userID := s.UserID()
	unlock := c.locks.Lock(userID)
	defer unlock()

	first = c.presence.Attach(userID, s.ID())
	defer func() {
		if err != nil {
			c.router.Unregister(s)
			c.presence.Detach(userID, s.ID())
			first = false
		}
	}()

	pending, err := c.messages.FetchUndeliveredFor(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("replay fetch: %w", err)
	}

	names := make(map[int64]string)
	for _, m := range pending {
		frame := convert.ToMessageFrame(m, c.senderName(ctx, names, m.SenderID), model.StatusDispatched)
		if err := c.router.Deliver(s, frame); err != nil {
			return false, fmt.Errorf("replay message %d: %w", m.ID, err)
		}
		c.dispatch(ctx, m.ID)
	}
	c.metrics.RecordReplay(len(pending))
	if len(pending) > 0 {
		c.log.Debug("replayed", zap.Int64("user_id", userID), zap.String("session_id", s.ID()), zap.Int("count", len(pending)))
	}

	if err := c.router.Register(s); err != nil {
		return false, err
	}
	if err := c.router.Subscribe(s, c.router.Topics().Presence); err != nil {
		return false, err
	}
	if first {
		c.announce(ctx, s.Principal(), protocol.PresenceOnline)
	}
	return first, nil
}

// Detach removes s from routing and presence. last reports the online to offline
// transition; OFFLINE is announced under the same lock Attach takes, so a racing
// reconnect always announces after it.
func (c *Coordinator) Detach(ctx context.Context, s Session) (last bool) {
	unlock := c.locks.Lock(s.UserID())
	defer unlock()
	c.router.Unregister(s)
	last = c.presence.Detach(s.UserID(), s.ID())
	if last {
		c.announce(ctx, s.Principal(), protocol.PresenceOffline)
	}
	return last
}

func (c *Coordinator) announce(ctx context.Context, p model.Principal, status string) {
	frame := convert.ToPresenceFrame(p, status, c.opts.Now())
	if err := c.router.EnqueueToTopic(ctx, c.router.Topics().Presence, frame, ""); err != nil {
		c.log.Warn("announce presence", zap.Int64("user_id", p.UserID), zap.String("status", status), zap.Error(err))
	}
}

// SubmitDirect persists a direct message and delivers it to the recipient's sessions when
// the recipient is online. Every session of the sender receives the echo.
func (c *Coordinator) SubmitDirect(ctx context.Context, sender model.Principal, f protocol.SendDirect) (model.Message, error) {
	if _, err := c.users.GetByID(ctx, f.RecipientID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Message{}, fmt.Errorf("recipient %d: %w", f.RecipientID, errs.ErrNotFound)
		}
		return model.Message{}, err
	}

	unlock := c.locks.Lock(f.RecipientID)
	defer unlock()

	m, err := c.messages.Append(ctx, convert.FromSendDirect(sender.UserID, f))
	if err != nil {
		return model.Message{}, err
	}
	topics := c.router.Topics()
	online := c.presence.IsOnline(f.RecipientID)

	status := model.StatusPending
	if online {
		status = model.StatusDispatched
		frame := convert.ToMessageFrame(m, sender.Name, status)
		if err := c.router.EnqueueToUser(ctx, f.RecipientID, topics.UserMessages, frame, ""); err != nil {
			c.log.Warn("direct fan-out", zap.Int64("message_id", m.ID), zap.Error(err))
		}
	}
	if err := c.router.EnqueueToUser(ctx, sender.UserID, topics.UserMessages, convert.ToMessageFrame(m, sender.Name, status), ""); err != nil {
		c.log.Warn("sender echo", zap.Int64("message_id", m.ID), zap.Error(err))
	}
	if online {
		c.dispatch(ctx, m.ID)
	}
	return m, nil
}

// SubmitGroup persists a group message and fans it out to every other member.
// Group messages carry no per-recipient state.
func (c *Coordinator) SubmitGroup(ctx context.Context, sender model.Principal, f protocol.SendGroup) (model.Message, error) {
	draft, err := convert.FromSendGroup(sender.UserID, f)
	if err != nil {
		return model.Message{}, errs.Validationf("groupId: %v", err)
	}
	ok, err := c.members.IsMember(ctx, draft.GroupID, sender.UserID)
	if err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, fmt.Errorf("group %s: %w", draft.GroupID, errs.ErrForbidden)
	}
	members, err := c.members.Members(ctx, draft.GroupID)
	if err != nil {
		return model.Message{}, err
	}

	m, err := c.messages.Append(ctx, draft)
	if err != nil {
		return model.Message{}, err
	}
	frame := convert.ToMessageFrame(m, sender.Name, model.StatusPending)
	channel := c.router.Topics().UserMessages
	for _, mb := range members {
		if mb.UserID == sender.UserID {
			continue
		}
		if err := c.router.EnqueueToUser(ctx, mb.UserID, channel, frame, ""); err != nil {
			c.log.Warn("group fan-out", zap.Int64("message_id", m.ID), zap.Int64("user_id", mb.UserID), zap.Error(err))
		}
	}
	if err := c.router.EnqueueToUser(ctx, sender.UserID, channel, frame, ""); err != nil {
		c.log.Warn("sender echo", zap.Int64("message_id", m.ID), zap.Error(err))
	}
	return m, nil
}

// Acknowledge records receipt of a direct message by its recipient. Unknown ids and
// group messages succeed without effect.
func (c *Coordinator) Acknowledge(ctx context.Context, by, messageID int64) error {
	m, err := c.messages.Get(ctx, messageID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !m.IsDirect() {
		return nil
	}
	if m.RecipientID != by {
		return fmt.Errorf("ack message %d: %w", messageID, errs.ErrForbidden)
	}
	updated, changed, err := c.messages.MarkAcknowledged(ctx, messageID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if changed {
		c.notifySender(ctx, updated)
	}
	return nil
}

// TypingDirect forwards a best-effort typing indicator to the recipient's sessions.
func (c *Coordinator) TypingDirect(ctx context.Context, from model.Principal, f protocol.TypingDirect) error {
	frame := protocol.Typing{
		FromUserID: from.UserID,
		FromUser:   from.Name,
		Typing:     f.Typing,
		Scope:      protocol.ScopeDirect,
		ScopeID:    fmt.Sprint(from.UserID),
	}
	return c.router.EnqueueToUser(ctx, f.RecipientID, c.router.Topics().UserMessages, frame, "")
}

// TypingGroup forwards a typing indicator to the sessions of the group's current
// members except origin. Membership is resolved per call.
func (c *Coordinator) TypingGroup(ctx context.Context, from model.Principal, origin string, f protocol.TypingGroup) error {
	gid, err := uuid.FromString(f.GroupID)
	if err != nil {
		return errs.Validationf("groupId: %v", err)
	}
	members, err := c.members.Members(ctx, gid)
	if err != nil {
		return err
	}
	isMember := false
	for _, mb := range members {
		if mb.UserID == from.UserID {
			isMember = true
			break
		}
	}
	if !isMember {
		return fmt.Errorf("group %s: %w", gid, errs.ErrForbidden)
	}
	frame := protocol.Typing{
		FromUserID: from.UserID,
		FromUser:   from.Name,
		Typing:     f.Typing,
		Scope:      protocol.ScopeGroup,
		ScopeID:    gid.String(),
	}
	channel := c.router.Topics().UserMessages
	for _, mb := range members {
		if err := c.router.EnqueueToUser(ctx, mb.UserID, channel, frame, origin); err != nil {
			c.log.Debug("group typing", zap.Int64("user_id", mb.UserID), zap.Error(err))
		}
	}
	return nil
}

// Close stops background retries and waits for them.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// dispatch moves a delivered message to DISPATCHED. A transient store failure does not
// undo the delivery; the transition is retried in the background.
func (c *Coordinator) dispatch(ctx context.Context, id int64) {
	m, changed, err := c.messages.MarkDispatched(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrStorageUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.scheduleRetry(id)
			return
		}
		c.log.Error("mark dispatched", zap.Int64("message_id", id), zap.Error(err))
		return
	}
	if changed {
		c.notifySender(ctx, m)
	}
}

func (c *Coordinator) scheduleRetry(id int64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		b := retry.WithMaxRetries(c.opts.RetryAttempts, retry.NewExponential(c.opts.RetryBase))
		err := retry.Do(c.bg, b, func(ctx context.Context) error {
			m, changed, err := c.messages.MarkDispatched(ctx, id)
			if err != nil {
				if errors.Is(err, errs.ErrStorageUnavailable) {
					return retry.RetryableError(err)
				}
				return err
			}
			if changed {
				c.notifySender(ctx, m)
			}
			return nil
		})
		if err != nil {
			c.metrics.RecordRetry("failed")
			c.log.Warn("dispatch retry gave up; next replay redelivers", zap.Int64("message_id", id), zap.Error(err))
			return
		}
		c.metrics.RecordRetry("ok")
	}()
}

func (c *Coordinator) notifySender(ctx context.Context, m model.Message) {
	c.metrics.RecordTransition(string(m.Status))
	err := c.router.EnqueueToUser(ctx, m.SenderID, c.router.Topics().UserStatus, convert.ToStatusFrame(m), "")
	if err != nil {
		c.log.Warn("status update", zap.Int64("message_id", m.ID), zap.Error(err))
	}
}

func (c *Coordinator) senderName(ctx context.Context, cache map[int64]string, id int64) string {
	if name, ok := cache[id]; ok {
		return name
	}
	u, err := c.users.GetByID(ctx, id)
	if err != nil {
		c.log.Warn("sender lookup", zap.Int64("user_id", id), zap.Error(err))
	}
	cache[id] = u.Name
	return u.Name
}
