// Package service contains application services for accounts, users, groups and history.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgcrypto "github.com/and161185/chifferchat/internal/crypto"
	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/limiter"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/repository"
)

const (
	maxNameLen    = 64
	refreshTokLen = 32
)

// AccessMinter signs access tokens for a principal.
type AccessMinter interface {
	MintAccess(p model.Principal) (token string, expiresAt time.Time, err error)
}

// AuthService defines account and token operations.
type AuthService interface {
	// Register creates a new user with secure password hashing.
	Register(ctx context.Context, name, password string, publicKey []byte) (model.User, error)
	// LoginWithIP applies rate-limiting and authenticates the user.
	LoginWithIP(ctx context.Context, name, password, ip string) (model.Tokens, model.User, error)
	// Refresh consumes a refresh token and returns a new pair.
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
	// Logout revokes every refresh token of the user.
	Logout(ctx context.Context, userID int64) error
}

type AuthServiceImpl struct {
	users      repository.UserRepository
	refresh    repository.RefreshRepository
	tokens     AccessMinter
	refreshTTL time.Duration
	lim        limiter.Limiter
	hash       pkgcrypto.Params
	now        func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, refresh repository.RefreshRepository, tokens AccessMinter,
	refreshTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, refresh: refresh, tokens: tokens, refreshTTL: refreshTTL, lim: lim,
		hash: pkgcrypto.DefaultParams, now: time.Now}
}

// Register creates a new user record. The password is stored as an encoded Argon2id hash.
func (s *AuthServiceImpl) Register(ctx context.Context, name, password string, publicKey []byte) (model.User, error) {
	if name == "" || password == "" {
		return model.User{}, errs.Validationf("empty name/password")
	}
	if len(name) > maxNameLen {
		return model.User{}, errs.Validationf("name longer than %d", maxNameLen)
	}
	hash, err := pkgcrypto.HashPassword(password, s.hash)
	if err != nil {
		return model.User{}, err
	}
	u := model.User{
		Name:      name,
		PwdHash:   hash,
		PublicKey: append([]byte(nil), publicKey...),
	}
	id, err := s.users.Create(ctx, u)
	if err != nil {
		return model.User{}, err
	}
	u.ID = id
	return u, nil
}

// LoginWithIP authenticates with rate limiting by (name, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, name, password, ip string) (model.Tokens, model.User, error) {
	key := limiter.KeyFor(name, ip)

	wait, err := s.lim.Check(ctx, key)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	if wait > 0 {
		return model.Tokens{}, model.User{}, rateLimited(wait)
	}

	u, err := s.users.GetByName(ctx, name)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, model.User{}, err
	}
	ok := false
	if err == nil {
		if ok, err = pkgcrypto.VerifyPassword(password, u.PwdHash); err != nil {
			return model.Tokens{}, model.User{}, fmt.Errorf("user %d: %w", u.ID, err)
		}
	}
	if !ok {
		if wait, ferr := s.lim.Fail(ctx, key); ferr == nil && wait > 0 {
			return model.Tokens{}, model.User{}, rateLimited(wait)
		}
		// unknown user and wrong password look the same
		return model.Tokens{}, model.User{}, errs.ErrUnauthorized
	}

	_ = s.lim.Reset(ctx, key)

	tok, err := s.issue(ctx, model.Principal{UserID: u.ID, Name: u.Name})
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	return tok, u, nil
}

// Refresh rotates the refresh credential and mints a new access token.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	if refreshToken == "" {
		return model.Tokens{}, errs.Validationf("empty refresh token")
	}
	next, err := s.newRefresh()
	if err != nil {
		return model.Tokens{}, err
	}
	userID, err := s.refresh.Rotate(ctx, refreshToken, next, s.now())
	if err != nil {
		return model.Tokens{}, err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return model.Tokens{}, err
	}
	access, exp, err := s.tokens.MintAccess(model.Principal{UserID: u.ID, Name: u.Name})
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, RefreshToken: next.Token, ExpiresAt: exp}, nil
}

// Logout drops all refresh credentials of userID.
func (s *AuthServiceImpl) Logout(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return errs.Validationf("empty userID")
	}
	return s.refresh.DeleteForUser(ctx, userID)
}

func (s *AuthServiceImpl) newRefresh() (model.RefreshCredential, error) {
	tok, err := pkgcrypto.RandToken(refreshTokLen)
	if err != nil {
		return model.RefreshCredential{}, err
	}
	return model.RefreshCredential{Token: tok, ExpiresAt: s.now().Add(s.refreshTTL)}, nil
}

// issue mints an access token and stores a fresh refresh credential.
func (s *AuthServiceImpl) issue(ctx context.Context, p model.Principal) (model.Tokens, error) {
	access, exp, err := s.tokens.MintAccess(p)
	if err != nil {
		return model.Tokens{}, err
	}
	rc, err := s.newRefresh()
	if err != nil {
		return model.Tokens{}, err
	}
	rc.UserID = p.UserID
	if err := s.refresh.Create(ctx, rc); err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, RefreshToken: rc.Token, ExpiresAt: exp}, nil
}

func rateLimited(wait time.Duration) error {
	return fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, wait.Round(time.Second))
}
