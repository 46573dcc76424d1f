package postgres

import (
	"context"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u model.User) (int64, error) {
	const q = `
INSERT INTO users (name, pwd_hash, public_key)
VALUES ($1, $2, $3)
RETURNING id`
	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, u.Name, u.PwdHash, u.PublicKey).Scan(&id); err != nil {
		return 0, storageErr(err)
	}
	return id, nil
}

const userCols = `id, name, pwd_hash, public_key, last_seen, created_at`

func scanUser(row scanner) (model.User, error) {
	var u model.User
	var lastSeen *time.Time
	if err := row.Scan(&u.ID, &u.Name, &u.PwdHash, &u.PublicKey, &lastSeen, &u.CreatedAt); err != nil {
		return model.User{}, err
	}
	u.LastSeen = lastSeen
	return u, nil
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (model.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id=$1`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return model.User{}, storageErr(err)
	}
	return u, nil
}

// GetByName selects a user by name.
func (r *UserRepo) GetByName(ctx context.Context, name string) (model.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE name=$1`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, q, name))
	if err != nil {
		return model.User{}, storageErr(err)
	}
	return u, nil
}

// SetPublicKey replaces the user's key blob.
func (r *UserRepo) SetPublicKey(ctx context.Context, id int64, key []byte) error {
	const q = `UPDATE users SET public_key=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, key)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// TouchLastSeen never moves last_seen backwards.
func (r *UserRepo) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE users SET last_seen=GREATEST(COALESCE(last_seen, $2), $2) WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, at)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SeenSince lists users active at or after since, ordered by name.
func (r *UserRepo) SeenSince(ctx context.Context, since time.Time) ([]model.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE last_seen >= $1 ORDER BY name`
	rows, err := r.db.Pool.Query(ctx, q, since)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, storageErr(rows.Err())
}
