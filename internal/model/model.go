// Package model defines domain entities used by services, repositories and the messaging core.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Status is the delivery state of a message. Transitions only move forward.
type Status string

// Delivery states in their only legal order.
const (
	StatusPending      Status = "PENDING"
	StatusDispatched   Status = "DISPATCHED"
	StatusAcknowledged Status = "ACKNOWLEDGED"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusDispatched:
		return 2
	case StatusAcknowledged:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool { return s.rank() > 0 }

// Before reports whether s strictly precedes o in the delivery order.
func (s Status) Before(o Status) bool { return s.rank() < o.rank() }

// Kind tells direct messages from group messages.
type Kind string

const (
	KindDirect Kind = "DIRECT"
	KindGroup  Kind = "GROUP"
)

// Role is a membership role inside a group.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Tokens collects issued access/refresh tokens.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry
}

// Principal is the authenticated identity attached to a session or request.
type Principal struct {
	UserID    int64
	Name      string
	ExpiresAt time.Time
}

// User represents an account stored on the server. Passwords are never stored in plaintext.
type User struct {
	ID        int64      // stable PK
	Name      string     // unique, immutable after creation
	PwdHash   string     // encoded Argon2id hash, parameters included
	PublicKey []byte     // opaque client key blob, owner-mutable
	LastSeen  *time.Time // nil until the first session
	CreatedAt time.Time
}

// Group is a named set of members sharing a message stream.
type Group struct {
	ID        uuid.UUID
	Name      string
	CreatorID int64
	CreatedAt time.Time
}

// Membership binds a user to a group. Unique on (UserID, GroupID).
type Membership struct {
	UserID   int64
	UserName string // filled by joins, empty otherwise
	GroupID  uuid.UUID
	Role     Role
	JoinedAt time.Time
}

// Message is a stored ciphertext envelope. Exactly one of RecipientID/GroupID is set,
// matching Kind. Ciphertext, WrappedKey and IV are base64 text the server never decodes.
type Message struct {
	ID          int64
	SenderID    int64
	RecipientID int64     // 0 for group messages
	GroupID     uuid.UUID // uuid.Nil for direct messages
	Ciphertext  string
	WrappedKey  string            // direct only
	WrappedKeys map[string]string // group only: member name -> wrapped key
	IV          string
	Kind        Kind
	Status      Status
	CreatedAt   time.Time
	DeliveredAt *time.Time // non-nil iff Status == StatusAcknowledged
}

// IsDirect reports whether the message targets a single user.
func (m Message) IsDirect() bool { return m.Kind == KindDirect }

// RefreshCredential is a single-use refresh token row.
type RefreshCredential struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry at now.
func (c RefreshCredential) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// Page is a slice of history plus the request coordinates.
type Page struct {
	Items []Message
	Page  int
	Size  int
}
