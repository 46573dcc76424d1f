package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const messageCols = `id, sender_id, COALESCE(recipient_id, 0), COALESCE(group_id::text, ''), ciphertext, wrapped_key, wrapped_keys, iv, kind, status, created_at, delivered_at`

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (model.Message, error) {
	var (
		m           model.Message
		groupID     string
		wrappedKeys []byte
		kind        string
		status      string
		deliveredAt *time.Time
	)
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &groupID, &m.Ciphertext, &m.WrappedKey,
		&wrappedKeys, &m.IV, &kind, &status, &m.CreatedAt, &deliveredAt); err != nil {
		return model.Message{}, err
	}
	if groupID != "" {
		id, err := uuid.FromString(groupID)
		if err != nil {
			return model.Message{}, fmt.Errorf("message %d group id: %w", m.ID, err)
		}
		m.GroupID = id
	}
	if len(wrappedKeys) > 0 {
		if err := json.Unmarshal(wrappedKeys, &m.WrappedKeys); err != nil {
			return model.Message{}, fmt.Errorf("message %d wrapped keys: %w", m.ID, err)
		}
		if len(m.WrappedKeys) == 0 {
			m.WrappedKeys = nil
		}
	}
	m.Kind = model.Kind(kind)
	m.Status = model.Status(status)
	m.DeliveredAt = deliveredAt
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, storageErr(rows.Err())
}

func nullRecipient(m model.Message) any {
	if m.Kind == model.KindGroup {
		return nil
	}
	return m.RecipientID
}

func nullGroup(m model.Message) any {
	if m.Kind == model.KindDirect {
		return nil
	}
	return m.GroupID
}

// Append inserts a PENDING message and fills id and created_at from the database.
func (r *MessageRepo) Append(ctx context.Context, m model.Message) (model.Message, error) {
	keys := m.WrappedKeys
	if keys == nil {
		keys = map[string]string{}
	}
	rawKeys, err := json.Marshal(keys)
	if err != nil {
		return model.Message{}, err
	}
	const q = `
INSERT INTO messages (sender_id, recipient_id, group_id, ciphertext, wrapped_key, wrapped_keys, iv, kind, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING')
RETURNING id, created_at`
	row := r.db.Pool.QueryRow(ctx, q, m.SenderID, nullRecipient(m), nullGroup(m),
		m.Ciphertext, m.WrappedKey, rawKeys, m.IV, string(m.Kind))
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return model.Message{}, storageErr(err)
	}
	m.Status = model.StatusPending
	m.DeliveredAt = nil
	return m, nil
}

// Get returns a message by id.
func (r *MessageRepo) Get(ctx context.Context, id int64) (model.Message, error) {
	const q = `SELECT ` + messageCols + ` FROM messages WHERE id=$1`
	m, err := scanMessage(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return model.Message{}, storageErr(err)
	}
	return m, nil
}

// MarkDispatched moves a direct message from PENDING to DISPATCHED under a row lock.
func (r *MessageRepo) MarkDispatched(ctx context.Context, id int64) (m model.Message, changed bool, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Message{}, false, storageErr(err)
	}
	defer finishTx(ctx, tx, &err)

	const sel = `SELECT ` + messageCols + ` FROM messages WHERE id=$1 FOR UPDATE`
	const upd = `UPDATE messages SET status='DISPATCHED' WHERE id=$1`

	m, err = scanMessage(tx.QueryRow(ctx, sel, id))
	if err != nil {
		err = storageErr(err)
		return model.Message{}, false, err
	}
	if !m.IsDirect() || m.Status != model.StatusPending {
		return m, false, nil
	}
	if _, err = tx.Exec(ctx, upd, id); err != nil {
		err = storageErr(err)
		return model.Message{}, false, err
	}
	m.Status = model.StatusDispatched
	return m, true, nil
}

// MarkAcknowledged moves a direct message to ACKNOWLEDGED and sets delivered_at in the same statement.
func (r *MessageRepo) MarkAcknowledged(ctx context.Context, id int64) (m model.Message, changed bool, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Message{}, false, storageErr(err)
	}
	defer finishTx(ctx, tx, &err)

	const sel = `SELECT ` + messageCols + ` FROM messages WHERE id=$1 FOR UPDATE`
	const upd = `
UPDATE messages
SET status='ACKNOWLEDGED', delivered_at=GREATEST(now(), created_at)
WHERE id=$1
RETURNING delivered_at`

	m, err = scanMessage(tx.QueryRow(ctx, sel, id))
	if err != nil {
		err = storageErr(err)
		return model.Message{}, false, err
	}
	if !m.IsDirect() || m.Status == model.StatusAcknowledged {
		return m, false, nil
	}
	var at time.Time
	if err = tx.QueryRow(ctx, upd, id).Scan(&at); err != nil {
		err = storageErr(err)
		return model.Message{}, false, err
	}
	m.Status = model.StatusAcknowledged
	m.DeliveredAt = &at
	return m, true, nil
}

// FetchUndeliveredFor uses the (recipient_id, status, created_at) index.
func (r *MessageRepo) FetchUndeliveredFor(ctx context.Context, userID int64) ([]model.Message, error) {
	const q = `
SELECT ` + messageCols + `
FROM messages
WHERE recipient_id=$1 AND status IN ('PENDING', 'DISPATCHED')
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	return collectMessages(rows)
}

// ConversationPage returns direct messages exchanged by a and b, newest first.
func (r *MessageRepo) ConversationPage(ctx context.Context, a, b int64, offset, limit int) ([]model.Message, error) {
	const q = `
SELECT ` + messageCols + `
FROM messages
WHERE kind='DIRECT' AND ((sender_id=$1 AND recipient_id=$2) OR (sender_id=$2 AND recipient_id=$1))
ORDER BY created_at DESC, id DESC
OFFSET $3 LIMIT $4`
	rows, err := r.db.Pool.Query(ctx, q, a, b, offset, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return collectMessages(rows)
}

// GroupPage returns group messages, newest first.
func (r *MessageRepo) GroupPage(ctx context.Context, groupID uuid.UUID, offset, limit int) ([]model.Message, error) {
	const q = `
SELECT ` + messageCols + `
FROM messages
WHERE group_id=$1
ORDER BY created_at DESC, id DESC
OFFSET $2 LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, groupID, offset, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return collectMessages(rows)
}

// DeleteMessage removes the message when byUserID is its sender.
func (r *MessageRepo) DeleteMessage(ctx context.Context, id, byUserID int64) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr(err)
	}
	defer finishTx(ctx, tx, &err)

	const sel = `SELECT sender_id FROM messages WHERE id=$1 FOR UPDATE`
	const del = `DELETE FROM messages WHERE id=$1`

	var sender int64
	if err = tx.QueryRow(ctx, sel, id).Scan(&sender); err != nil {
		err = storageErr(err)
		return err
	}
	if sender != byUserID {
		err = errs.ErrForbidden
		return err
	}
	if _, err = tx.Exec(ctx, del, id); err != nil {
		err = storageErr(err)
		return err
	}
	return nil
}

// PurgeAcknowledgedOlderThan never matches PENDING or DISPATCHED rows.
func (r *MessageRepo) PurgeAcknowledgedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM messages WHERE status='ACKNOWLEDGED' AND created_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, storageErr(err)
	}
	return tag.RowsAffected(), nil
}
