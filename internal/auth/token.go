// Package auth mints access tokens and validates bearer credentials presented by sessions and HTTP requests.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// MinKeyLen is the shortest accepted HS256 signing key.
const MinKeyLen = 32

// Claims carried by access tokens.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Tokens issues and validates HS256 access tokens. Subject is the decimal user id.
type Tokens struct {
	key    []byte
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewTokens constructs the token issuer and validator.
func NewTokens(key []byte, ttl, leeway time.Duration) (*Tokens, error) {
	if len(key) < MinKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinKeyLen)
	}
	if ttl <= 0 {
		return nil, errors.New("access ttl must be positive")
	}
	return &Tokens{key: key, ttl: ttl, leeway: leeway, now: time.Now}, nil
}

// MintAccess creates a signed token for the principal and returns its expiry.
func (t *Tokens) MintAccess(p model.Principal) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{
		Name: p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.key)
	return signed, exp, err
}

// Validate parses a bearer credential. An optional "Bearer " prefix is accepted.
// Every failure maps to errs.ErrUnauthorized.
func (t *Tokens) Validate(bearer string) (model.Principal, error) {
	raw := strings.TrimSpace(bearer)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return model.Principal{}, fmt.Errorf("empty bearer: %w", errs.ErrUnauthorized)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return t.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(t.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return model.Principal{}, fmt.Errorf("bad subject: %w", errs.ErrUnauthorized)
	}
	p := model.Principal{UserID: id, Name: claims.Name}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}
