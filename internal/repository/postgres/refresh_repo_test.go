package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestRefreshRepo_Rotate_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRefreshRepo(db)
	now := time.Now()
	next := model.RefreshCredential{Token: "new", ExpiresAt: now.Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM refresh_credentials WHERE token=\$1 RETURNING user_id, expires_at`).
		WithArgs("old").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "expires_at"}).AddRow(int64(7), now.Add(time.Minute)))
	mock.ExpectExec(`INSERT INTO refresh_credentials \(token, user_id, expires_at\) VALUES \(\$1, \$2, \$3\)`).
		WithArgs("new", int64(7), next.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	uid, err := r.Rotate(context.Background(), "old", next, now)
	require.NoError(t, err)
	require.Equal(t, int64(7), uid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshRepo_Rotate_ExpiredIsDeletedAndRejected(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRefreshRepo(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM refresh_credentials WHERE token=\$1`).
		WithArgs("old").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "expires_at"}).AddRow(int64(7), now.Add(-time.Minute)))
	mock.ExpectCommit()

	_, err := r.Rotate(context.Background(), "old", model.RefreshCredential{Token: "new"}, now)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshRepo_Rotate_Unknown(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRefreshRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM refresh_credentials WHERE token=\$1`).
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	_, err := r.Rotate(context.Background(), "gone", model.RefreshCredential{Token: "new"}, time.Now())
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRefreshRepo_PurgeExpired(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRefreshRepo(db)
	now := time.Now()

	mock.ExpectExec(`DELETE FROM refresh_credentials WHERE expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	n, err := r.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	mock.ExpectExec(`DELETE FROM refresh_credentials WHERE user_id=\$1`).
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.DeleteForUser(context.Background(), 7))
}
