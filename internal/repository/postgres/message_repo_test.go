package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var messageColNames = []string{
	"id", "sender_id", "recipient_id", "group_id", "ciphertext", "wrapped_key",
	"wrapped_keys", "iv", "kind", "status", "created_at", "delivered_at",
}

func directRow(id int64, status model.Status, created time.Time, delivered *time.Time) []any {
	return []any{id, int64(1), int64(2), "", "A==", "B==", []byte("{}"), "C==", "DIRECT", string(status), created, delivered}
}

func TestMessageRepo_Append_Direct(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO messages \(sender_id, recipient_id, group_id, ciphertext, wrapped_key, wrapped_keys, iv, kind, status\)`).
		WithArgs(int64(1), int64(2), nil, "A==", "B==", []byte("{}"), "C==", "DIRECT").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), now))

	m, err := r.Append(context.Background(), model.Message{
		SenderID: 1, RecipientID: 2, Ciphertext: "A==", WrappedKey: "B==", IV: "C==", Kind: model.KindDirect,
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), m.ID)
	require.Equal(t, model.StatusPending, m.Status)
	require.Equal(t, now, m.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_Append_StorageUnavailable(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	gid := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(int64(1), nil, gid, "A==", "", []byte(`{"bob":"K=="}`), "C==", "GROUP").
		WillReturnError(errors.New("dial tcp: connection refused"))

	_, err := r.Append(context.Background(), model.Message{
		SenderID: 1, GroupID: gid, Ciphertext: "A==", WrappedKeys: map[string]string{"bob": "K=="}, IV: "C==", Kind: model.KindGroup,
	})
	require.ErrorIs(t, err, errs.ErrStorageUnavailable)
}

func TestMessageRepo_Get_GroupRow(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	gid := uuid.Must(uuid.NewV4())
	now := time.Now()

	mock.ExpectQuery(`FROM messages WHERE id=\$1`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(messageColNames).
			AddRow(int64(7), int64(1), int64(0), gid.String(), "A==", "", []byte(`{"carol":"K=="}`), "C==", "GROUP", "PENDING", now, (*time.Time)(nil)))

	m, err := r.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, gid, m.GroupID)
	require.Equal(t, model.KindGroup, m.Kind)
	require.Equal(t, map[string]string{"carol": "K=="}, m.WrappedKeys)
	require.Nil(t, m.DeliveredAt)

	mock.ExpectQuery(`FROM messages WHERE id=\$1`).
		WithArgs(int64(8)).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(context.Background(), 8)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMessageRepo_MarkDispatched(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	ctx := context.Background()
	now := time.Now()

	// PENDING -> DISPATCHED
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM messages WHERE id=\$1 FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows(messageColNames).AddRow(directRow(5, model.StatusPending, now, nil)...))
	mock.ExpectExec(`UPDATE messages SET status='DISPATCHED' WHERE id=\$1`).
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	m, changed, err := r.MarkDispatched(ctx, 5)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, model.StatusDispatched, m.Status)

	// already ACKNOWLEDGED: no update, no change
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM messages WHERE id=\$1 FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows(messageColNames).AddRow(directRow(5, model.StatusAcknowledged, now, &now)...))
	mock.ExpectCommit()

	m, changed, err = r.MarkDispatched(ctx, 5)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, model.StatusAcknowledged, m.Status)

	// unknown
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM messages WHERE id=\$1 FOR UPDATE`).
		WithArgs(int64(6)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, _, err = r.MarkDispatched(ctx, 6)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_MarkAcknowledged(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	ctx := context.Background()
	created := time.Now().Add(-time.Minute)
	delivered := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM messages WHERE id=\$1 FOR UPDATE`).
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows(messageColNames).AddRow(directRow(9, model.StatusDispatched, created, nil)...))
	mock.ExpectQuery(`UPDATE messages SET status='ACKNOWLEDGED', delivered_at=GREATEST\(now\(\), created_at\) WHERE id=\$1 RETURNING delivered_at`).
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"delivered_at"}).AddRow(delivered))
	mock.ExpectCommit()

	m, changed, err := r.MarkAcknowledged(ctx, 9)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, model.StatusAcknowledged, m.Status)
	require.NotNil(t, m.DeliveredAt)
	require.False(t, m.DeliveredAt.Before(m.CreatedAt))

	// group message: ignored
	gid := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM messages WHERE id=\$1 FOR UPDATE`).
		WithArgs(int64(10)).
		WillReturnRows(pgxmock.NewRows(messageColNames).
			AddRow(int64(10), int64(1), int64(0), gid.String(), "A==", "", []byte(`{}`), "C==", "GROUP", "PENDING", created, (*time.Time)(nil)))
	mock.ExpectCommit()

	m, changed, err = r.MarkAcknowledged(ctx, 10)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, model.StatusPending, m.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_FetchUndeliveredFor(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	t0 := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`WHERE recipient_id=\$1 AND status IN \('PENDING', 'DISPATCHED'\) ORDER BY created_at ASC, id ASC`).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows(messageColNames).
			AddRow(directRow(1, model.StatusPending, t0, nil)...).
			AddRow(directRow(2, model.StatusDispatched, t0.Add(time.Second), nil)...))

	list, err := r.FetchUndeliveredFor(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, int64(1), list[0].ID)
	require.Equal(t, int64(2), list[1].ID)
}

func TestMessageRepo_Pages(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`WHERE kind='DIRECT' AND \(\(sender_id=\$1 AND recipient_id=\$2\) OR \(sender_id=\$2 AND recipient_id=\$1\)\)`).
		WithArgs(int64(1), int64(2), 20, 20).
		WillReturnRows(pgxmock.NewRows(messageColNames).AddRow(directRow(3, model.StatusPending, time.Now(), nil)...))
	list, err := r.ConversationPage(ctx, 1, 2, 20, 20)
	require.NoError(t, err)
	require.Len(t, list, 1)

	gid := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`WHERE group_id=\$1 ORDER BY created_at DESC, id DESC OFFSET \$2 LIMIT \$3`).
		WithArgs(gid, 0, 10).
		WillReturnRows(pgxmock.NewRows(messageColNames))
	list, err = r.GroupPage(ctx, gid, 0, 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestMessageRepo_DeleteMessage(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT sender_id FROM messages WHERE id=\$1 FOR UPDATE`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"sender_id"}).AddRow(int64(1)))
	mock.ExpectRollback()
	require.ErrorIs(t, r.DeleteMessage(ctx, 4, 2), errs.ErrForbidden)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT sender_id FROM messages WHERE id=\$1 FOR UPDATE`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"sender_id"}).AddRow(int64(1)))
	mock.ExpectExec(`DELETE FROM messages WHERE id=\$1`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()
	require.NoError(t, r.DeleteMessage(ctx, 4, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepo_PurgeAcknowledgedOlderThan(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMessageRepo(db)
	cutoff := time.Now().AddDate(0, 0, -60)

	mock.ExpectExec(`DELETE FROM messages WHERE status='ACKNOWLEDGED' AND created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err := r.PurgeAcknowledgedOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestStorageErr_Mapping(t *testing.T) {
	t.Parallel()
	require.NoError(t, storageErr(nil))
	require.ErrorIs(t, storageErr(pgx.ErrNoRows), errs.ErrNotFound)
	require.ErrorIs(t, storageErr(&pgconn.PgError{Code: "23505"}), errs.ErrAlreadyExists)
	require.ErrorIs(t, storageErr(&pgconn.PgError{Code: "57P01"}), errs.ErrStorageUnavailable)
	require.ErrorIs(t, storageErr(&pgconn.PgError{Code: "08006"}), errs.ErrStorageUnavailable)
	require.ErrorIs(t, storageErr(context.Canceled), context.Canceled)

	syntax := &pgconn.PgError{Code: "42601"}
	require.Equal(t, error(syntax), storageErr(syntax))
}
