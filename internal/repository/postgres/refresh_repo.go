package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/jackc/pgx/v5"
)

// RefreshRepo implements RefreshRepository using PostgreSQL.
type RefreshRepo struct{ db *DB }

// NewRefreshRepo constructs a refresh credential repository.
func NewRefreshRepo(db *DB) *RefreshRepo { return &RefreshRepo{db: db} }

// Create stores a new credential.
func (r *RefreshRepo) Create(ctx context.Context, c model.RefreshCredential) error {
	const q = `INSERT INTO refresh_credentials (token, user_id, expires_at) VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, c.Token, c.UserID, c.ExpiresAt)
	return storageErr(err)
}

// Rotate deletes old and inserts next in one transaction. An expired old row
// is still deleted: the transaction commits and the caller gets ErrUnauthorized.
func (r *RefreshRepo) Rotate(ctx context.Context, old string, next model.RefreshCredential, now time.Time) (userID int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, storageErr(err)
	}
	defer func() {
		if err != nil && !errors.Is(err, errs.ErrUnauthorized) {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = storageErr(e)
		}
	}()

	const del = `DELETE FROM refresh_credentials WHERE token=$1 RETURNING user_id, expires_at`
	const ins = `INSERT INTO refresh_credentials (token, user_id, expires_at) VALUES ($1, $2, $3)`

	var expiresAt time.Time
	if err = tx.QueryRow(ctx, del, old).Scan(&userID, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = errs.ErrUnauthorized
			return 0, err
		}
		err = storageErr(err)
		return 0, err
	}
	if !now.Before(expiresAt) {
		err = errs.ErrUnauthorized
		return 0, err
	}
	if _, err = tx.Exec(ctx, ins, next.Token, userID, next.ExpiresAt); err != nil {
		err = storageErr(err)
		return 0, err
	}
	return userID, nil
}

// DeleteForUser drops every credential of the user.
func (r *RefreshRepo) DeleteForUser(ctx context.Context, userID int64) error {
	const q = `DELETE FROM refresh_credentials WHERE user_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, userID)
	return storageErr(err)
}

// PurgeExpired relies on the expires_at index.
func (r *RefreshRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM refresh_credentials WHERE expires_at <= $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, storageErr(err)
	}
	return tag.RowsAffected(), nil
}
