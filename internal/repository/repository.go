// Package repository declares storage contracts used by services and the messaging core.
package repository

import (
	"context"
	"time"

	"github.com/and161185/chifferchat/internal/model"
	"github.com/gofrs/uuid/v5"
)

// MessageRepository persists messages and owns their delivery state.
type MessageRepository interface {
	// Append stores m with status PENDING and returns it with id and createdAt assigned.
	Append(ctx context.Context, m model.Message) (model.Message, error)
	// Get returns a message by id.
	Get(ctx context.Context, id int64) (model.Message, error)
	// MarkDispatched moves PENDING to DISPATCHED. changed is false when the message
	// was already past PENDING.
	MarkDispatched(ctx context.Context, id int64) (m model.Message, changed bool, err error)
	// MarkAcknowledged moves a direct message to ACKNOWLEDGED and stamps deliveredAt.
	// Group messages and re-acks return changed=false with no error.
	MarkAcknowledged(ctx context.Context, id int64) (m model.Message, changed bool, err error)
	// FetchUndeliveredFor lists direct messages to userID not yet acknowledged, oldest first.
	FetchUndeliveredFor(ctx context.Context, userID int64) ([]model.Message, error)
	// ConversationPage lists direct messages between a and b, newest first.
	ConversationPage(ctx context.Context, a, b int64, offset, limit int) ([]model.Message, error)
	// GroupPage lists group messages, newest first.
	GroupPage(ctx context.Context, groupID uuid.UUID, offset, limit int) ([]model.Message, error)
	// DeleteMessage removes a message sent by byUserID.
	DeleteMessage(ctx context.Context, id, byUserID int64) error
	// PurgeAcknowledgedOlderThan deletes acknowledged messages created before cutoff.
	PurgeAcknowledgedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserRepository persists accounts.
type UserRepository interface {
	// Create inserts u and returns the assigned id.
	Create(ctx context.Context, u model.User) (int64, error)
	GetByID(ctx context.Context, id int64) (model.User, error)
	GetByName(ctx context.Context, name string) (model.User, error)
	// SetPublicKey replaces the stored key blob.
	SetPublicKey(ctx context.Context, id int64, key []byte) error
	// TouchLastSeen records the last activity time.
	TouchLastSeen(ctx context.Context, id int64, at time.Time) error
	// SeenSince lists users whose lastSeen is at or after since.
	SeenSince(ctx context.Context, since time.Time) ([]model.User, error)
}

// GroupRepository persists groups and memberships.
type GroupRepository interface {
	// Create inserts g and an ADMIN membership for its creator atomically.
	Create(ctx context.Context, g model.Group) error
	Get(ctx context.Context, id uuid.UUID) (model.Group, error)
	Rename(ctx context.Context, id uuid.UUID, name string) error
	// Delete removes the group with its memberships and messages.
	Delete(ctx context.Context, id uuid.UUID) error
	// ListForUser returns groups userID belongs to.
	ListForUser(ctx context.Context, userID int64) ([]model.Group, error)
	// Membership returns ErrNotFound when userID is not a member.
	Membership(ctx context.Context, groupID uuid.UUID, userID int64) (model.Membership, error)
	Members(ctx context.Context, groupID uuid.UUID) ([]model.Membership, error)
	// AddMember returns ErrAlreadyExists for a duplicate membership.
	AddMember(ctx context.Context, m model.Membership) error
	// RemoveMember returns ErrNotFound when there is nothing to remove.
	RemoveMember(ctx context.Context, groupID uuid.UUID, userID int64) error
}

// RefreshRepository persists single-use refresh credentials.
type RefreshRepository interface {
	Create(ctx context.Context, c model.RefreshCredential) error
	// Rotate consumes old and stores next for the same user in one transaction.
	// A missing or expired old token yields ErrUnauthorized; an expired row is deleted.
	Rotate(ctx context.Context, old string, next model.RefreshCredential, now time.Time) (userID int64, err error)
	// DeleteForUser drops every credential of userID.
	DeleteForUser(ctx context.Context, userID int64) error
	// PurgeExpired deletes rows with expiresAt at or before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
