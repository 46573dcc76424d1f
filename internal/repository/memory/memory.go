// Package memory implements the repository interfaces in process memory. It backs tests
// and the server when no database URL is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// Store holds every table behind one lock so cascades stay consistent.
type Store struct {
	mu sync.RWMutex

	nextUserID int64
	nextMsgID  int64

	users      map[int64]*model.User
	userByName map[string]int64
	groups     map[uuid.UUID]*model.Group
	members    map[uuid.UUID]map[int64]*model.Membership
	messages   map[int64]*model.Message
	refresh    map[string]model.RefreshCredential

	now func() time.Time

	Messages *Messages
	Users    *Users
	Groups   *Groups
	Refresh  *Refresh
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		users:      make(map[int64]*model.User),
		userByName: make(map[string]int64),
		groups:     make(map[uuid.UUID]*model.Group),
		members:    make(map[uuid.UUID]map[int64]*model.Membership),
		messages:   make(map[int64]*model.Message),
		refresh:    make(map[string]model.RefreshCredential),
		now:        time.Now,
	}
	s.Messages = &Messages{s: s}
	s.Users = &Users{s: s}
	s.Groups = &Groups{s: s}
	s.Refresh = &Refresh{s: s}
	return s
}

// SetClock replaces the time source. Tests use it to age rows.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

var (
	_ repository.MessageRepository = (*Messages)(nil)
	_ repository.UserRepository    = (*Users)(nil)
	_ repository.GroupRepository   = (*Groups)(nil)
	_ repository.RefreshRepository = (*Refresh)(nil)
)

func copyMessage(m *model.Message) model.Message {
	c := *m
	if m.WrappedKeys != nil {
		c.WrappedKeys = make(map[string]string, len(m.WrappedKeys))
		for k, v := range m.WrappedKeys {
			c.WrappedKeys[k] = v
		}
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	return c
}

// --- messages ---

// Messages implements repository.MessageRepository.
type Messages struct{ s *Store }

func (r *Messages) Append(ctx context.Context, m model.Message) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextMsgID++
	m.ID = r.s.nextMsgID
	m.Status = model.StatusPending
	m.CreatedAt = r.s.now()
	m.DeliveredAt = nil
	stored := copyMessage(&m)
	r.s.messages[m.ID] = &stored
	return copyMessage(&stored), nil
}

// Put inserts a message verbatim. Tests use it to seed aged rows.
func (r *Messages) Put(m model.Message) model.Message {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m.ID == 0 {
		r.s.nextMsgID++
		m.ID = r.s.nextMsgID
	} else if m.ID > r.s.nextMsgID {
		r.s.nextMsgID = m.ID
	}
	stored := copyMessage(&m)
	r.s.messages[m.ID] = &stored
	return copyMessage(&stored)
}

func (r *Messages) Get(_ context.Context, id int64) (model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.messages[id]
	if !ok {
		return model.Message{}, errs.ErrNotFound
	}
	return copyMessage(m), nil
}

func (r *Messages) MarkDispatched(_ context.Context, id int64) (model.Message, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return model.Message{}, false, errs.ErrNotFound
	}
	if !m.IsDirect() || m.Status != model.StatusPending {
		return copyMessage(m), false, nil
	}
	m.Status = model.StatusDispatched
	return copyMessage(m), true, nil
}

func (r *Messages) MarkAcknowledged(_ context.Context, id int64) (model.Message, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return model.Message{}, false, errs.ErrNotFound
	}
	if !m.IsDirect() || m.Status == model.StatusAcknowledged {
		return copyMessage(m), false, nil
	}
	at := r.s.now()
	if at.Before(m.CreatedAt) {
		at = m.CreatedAt
	}
	m.Status = model.StatusAcknowledged
	m.DeliveredAt = &at
	return copyMessage(m), true, nil
}

// sortAsc orders by createdAt then id.
func sortAsc(list []model.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func sortDesc(list []model.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

func window(list []model.Message, offset, limit int) []model.Message {
	if offset < 0 || limit <= 0 || offset >= len(list) {
		return nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	return list[offset:end]
}

func (r *Messages) FetchUndeliveredFor(_ context.Context, userID int64) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.Message
	for _, m := range r.s.messages {
		if m.IsDirect() && m.RecipientID == userID && m.Status != model.StatusAcknowledged {
			out = append(out, copyMessage(m))
		}
	}
	sortAsc(out)
	return out, nil
}

func (r *Messages) ConversationPage(_ context.Context, a, b int64, offset, limit int) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.Message
	for _, m := range r.s.messages {
		if !m.IsDirect() {
			continue
		}
		if (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a) {
			out = append(out, copyMessage(m))
		}
	}
	sortDesc(out)
	return window(out, offset, limit), nil
}

func (r *Messages) GroupPage(_ context.Context, groupID uuid.UUID, offset, limit int) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.Message
	for _, m := range r.s.messages {
		if m.Kind == model.KindGroup && m.GroupID == groupID {
			out = append(out, copyMessage(m))
		}
	}
	sortDesc(out)
	return window(out, offset, limit), nil
}

func (r *Messages) DeleteMessage(_ context.Context, id, byUserID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return errs.ErrNotFound
	}
	if m.SenderID != byUserID {
		return errs.ErrForbidden
	}
	delete(r.s.messages, id)
	return nil
}

func (r *Messages) PurgeAcknowledgedOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.messages {
		if m.Status == model.StatusAcknowledged && m.CreatedAt.Before(cutoff) {
			delete(r.s.messages, id)
			n++
		}
	}
	return n, nil
}

// --- users ---

// Users implements repository.UserRepository.
type Users struct{ s *Store }

func copyUser(u *model.User) model.User {
	c := *u
	if u.LastSeen != nil {
		t := *u.LastSeen
		c.LastSeen = &t
	}
	return c
}

func (r *Users) Create(_ context.Context, u model.User) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.userByName[u.Name]; ok {
		return 0, errs.ErrAlreadyExists
	}
	r.s.nextUserID++
	u.ID = r.s.nextUserID
	u.CreatedAt = r.s.now()
	r.s.users[u.ID] = &u
	r.s.userByName[u.Name] = u.ID
	return u.ID, nil
}

func (r *Users) GetByID(_ context.Context, id int64) (model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return model.User{}, errs.ErrNotFound
	}
	return copyUser(u), nil
}

func (r *Users) GetByName(_ context.Context, name string) (model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.userByName[name]
	if !ok {
		return model.User{}, errs.ErrNotFound
	}
	return copyUser(r.s.users[id]), nil
}

func (r *Users) SetPublicKey(_ context.Context, id int64, key []byte) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return errs.ErrNotFound
	}
	u.PublicKey = append([]byte(nil), key...)
	return nil
}

func (r *Users) TouchLastSeen(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return errs.ErrNotFound
	}
	if u.LastSeen == nil || at.After(*u.LastSeen) {
		u.LastSeen = &at
	}
	return nil
}

func (r *Users) SeenSince(_ context.Context, since time.Time) ([]model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.User
	for _, u := range r.s.users {
		if u.LastSeen != nil && !u.LastSeen.Before(since) {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- groups ---

// Groups implements repository.GroupRepository.
type Groups struct{ s *Store }

func (r *Groups) Create(_ context.Context, g model.Group) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[g.ID]; ok {
		return errs.ErrAlreadyExists
	}
	u, ok := r.s.users[g.CreatorID]
	if !ok {
		return errs.ErrNotFound
	}
	now := r.s.now()
	g.CreatedAt = now
	r.s.groups[g.ID] = &g
	r.s.members[g.ID] = map[int64]*model.Membership{
		g.CreatorID: {UserID: g.CreatorID, UserName: u.Name, GroupID: g.ID, Role: model.RoleAdmin, JoinedAt: now},
	}
	return nil
}

func (r *Groups) Get(_ context.Context, id uuid.UUID) (model.Group, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	g, ok := r.s.groups[id]
	if !ok {
		return model.Group{}, errs.ErrNotFound
	}
	return *g, nil
}

func (r *Groups) Rename(_ context.Context, id uuid.UUID, name string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.groups[id]
	if !ok {
		return errs.ErrNotFound
	}
	g.Name = name
	return nil
}

func (r *Groups) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.s.groups, id)
	delete(r.s.members, id)
	for mid, m := range r.s.messages {
		if m.Kind == model.KindGroup && m.GroupID == id {
			delete(r.s.messages, mid)
		}
	}
	return nil
}

func (r *Groups) ListForUser(_ context.Context, userID int64) ([]model.Group, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.Group
	for gid, ms := range r.s.members {
		if _, ok := ms[userID]; ok {
			out = append(out, *r.s.groups[gid])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Groups) Membership(_ context.Context, groupID uuid.UUID, userID int64) (model.Membership, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.members[groupID][userID]
	if !ok {
		return model.Membership{}, errs.ErrNotFound
	}
	return *m, nil
}

func (r *Groups) Members(_ context.Context, groupID uuid.UUID) ([]model.Membership, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]model.Membership, 0, len(r.s.members[groupID]))
	for _, m := range r.s.members[groupID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (r *Groups) AddMember(_ context.Context, m model.Membership) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ms, ok := r.s.members[m.GroupID]
	if !ok {
		return errs.ErrNotFound
	}
	u, ok := r.s.users[m.UserID]
	if !ok {
		return errs.ErrNotFound
	}
	if _, dup := ms[m.UserID]; dup {
		return errs.ErrAlreadyExists
	}
	m.UserName = u.Name
	m.JoinedAt = r.s.now()
	ms[m.UserID] = &m
	return nil
}

func (r *Groups) RemoveMember(_ context.Context, groupID uuid.UUID, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ms := r.s.members[groupID]
	if _, ok := ms[userID]; !ok {
		return errs.ErrNotFound
	}
	delete(ms, userID)
	return nil
}

// --- refresh credentials ---

// Refresh implements repository.RefreshRepository.
type Refresh struct{ s *Store }

func (r *Refresh) Create(_ context.Context, c model.RefreshCredential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.refresh[c.Token]; ok {
		return errs.ErrAlreadyExists
	}
	r.s.refresh[c.Token] = c
	return nil
}

func (r *Refresh) Rotate(_ context.Context, old string, next model.RefreshCredential, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.refresh[old]
	if !ok {
		return 0, errs.ErrUnauthorized
	}
	delete(r.s.refresh, old)
	if c.Expired(now) {
		return 0, errs.ErrUnauthorized
	}
	next.UserID = c.UserID
	r.s.refresh[next.Token] = next
	return c.UserID, nil
}

func (r *Refresh) DeleteForUser(_ context.Context, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for tok, c := range r.s.refresh {
		if c.UserID == userID {
			delete(r.s.refresh, tok)
		}
	}
	return nil
}

func (r *Refresh) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for tok, c := range r.s.refresh {
		if c.Expired(now) {
			delete(r.s.refresh, tok)
			n++
		}
	}
	return n, nil
}
