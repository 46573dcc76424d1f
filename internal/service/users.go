package service

import (
	"context"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/repository"
)

const maxPublicKeyLen = 4096

// UserService exposes profile, key and presence-window queries.
type UserService struct {
	users        repository.UserRepository
	onlineWindow time.Duration
	now          func() time.Time
}

// NewUserService constructs UserService. onlineWindow bounds the Online query.
func NewUserService(users repository.UserRepository, onlineWindow time.Duration) *UserService {
	return &UserService{users: users, onlineWindow: onlineWindow, now: time.Now}
}

// Get returns a user by id.
func (s *UserService) Get(ctx context.Context, id int64) (model.User, error) {
	if id <= 0 {
		return model.User{}, errs.Validationf("bad user id")
	}
	return s.users.GetByID(ctx, id)
}

// Lookup resolves a user by name.
func (s *UserService) Lookup(ctx context.Context, name string) (model.User, error) {
	if name == "" {
		return model.User{}, errs.Validationf("empty name")
	}
	return s.users.GetByName(ctx, name)
}

// PublicKey returns the stored key blob of a user.
func (s *UserService) PublicKey(ctx context.Context, id int64) ([]byte, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return u.PublicKey, nil
}

// SetPublicKey lets the owner replace their key blob.
func (s *UserService) SetPublicKey(ctx context.Context, owner int64, key []byte) error {
	if len(key) == 0 {
		return errs.Validationf("empty public key")
	}
	if len(key) > maxPublicKeyLen {
		return errs.Validationf("public key longer than %d", maxPublicKeyLen)
	}
	return s.users.SetPublicKey(ctx, owner, key)
}

// Online lists users seen within the online window.
func (s *UserService) Online(ctx context.Context) ([]model.User, error) {
	return s.users.SeenSince(ctx, s.now().Add(-s.onlineWindow))
}

// TouchLastSeen records activity for id at the current time.
func (s *UserService) TouchLastSeen(ctx context.Context, id int64) error {
	return s.users.TouchLastSeen(ctx, id, s.now())
}
