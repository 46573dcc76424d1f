// Package limiter throttles password guessing per (name, client address).
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"strings"
	"time"
)

// Key identifies one attempt counter. The client address is only kept as a hash.
type Key struct {
	Name   string
	IPHash []byte
}

// KeyFor builds the counter key for a login name and client address. Ports, brackets and
// case are stripped so the same host always maps to the same counter.
func KeyFor(name, addr string) Key {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	sum := sha256.Sum256([]byte(host))
	return Key{Name: name, IPHash: sum[:]}
}

func (k Key) String() string { return k.Name + "\x00" + string(k.IPHash) }

// Limiter counts failed logins inside a window and locks the key out once the limit is hit.
type Limiter interface {
	// Check returns how long k stays locked; zero means a login may be attempted.
	Check(ctx context.Context, k Key) (time.Duration, error)
	// Fail records a failed attempt and returns the lockout it triggered, if any.
	Fail(ctx context.Context, k Key) (time.Duration, error)
	// Reset forgets k after a successful login.
	Reset(ctx context.Context, k Key) error
	// Purge drops counters idle since before and no longer locked.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Rules are shared by every implementation.
type Rules struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}
