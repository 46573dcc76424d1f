package postgres

import (
	"context"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// GroupRepo implements GroupRepository using PostgreSQL.
type GroupRepo struct{ db *DB }

// NewGroupRepo constructs a group repository.
func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

// Create inserts the group row and the creator's ADMIN membership in one transaction.
func (r *GroupRepo) Create(ctx context.Context, g model.Group) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr(err)
	}
	defer finishTx(ctx, tx, &err)

	const insGroup = `INSERT INTO groups (id, name, creator_id) VALUES ($1, $2, $3)`
	const insMember = `INSERT INTO memberships (user_id, group_id, role) VALUES ($1, $2, 'ADMIN')`

	if _, err = tx.Exec(ctx, insGroup, g.ID, g.Name, g.CreatorID); err != nil {
		err = storageErr(err)
		return err
	}
	if _, err = tx.Exec(ctx, insMember, g.CreatorID, g.ID); err != nil {
		err = storageErr(err)
		return err
	}
	return nil
}

// Get selects a group by id.
func (r *GroupRepo) Get(ctx context.Context, id uuid.UUID) (model.Group, error) {
	const q = `SELECT id, name, creator_id, created_at FROM groups WHERE id=$1`
	var g model.Group
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&g.ID, &g.Name, &g.CreatorID, &g.CreatedAt); err != nil {
		return model.Group{}, storageErr(err)
	}
	return g, nil
}

// Rename updates the group name.
func (r *GroupRepo) Rename(ctx context.Context, id uuid.UUID, name string) error {
	const q = `UPDATE groups SET name=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, name)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes the group; memberships and messages go with it via ON DELETE CASCADE.
func (r *GroupRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM groups WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListForUser returns the groups userID is a member of, ordered by name.
func (r *GroupRepo) ListForUser(ctx context.Context, userID int64) ([]model.Group, error) {
	const q = `
SELECT g.id, g.name, g.creator_id, g.created_at
FROM groups g JOIN memberships m ON m.group_id = g.id
WHERE m.user_id=$1
ORDER BY g.name`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatorID, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, storageErr(rows.Err())
}

const memberQuery = `
SELECT m.user_id, u.name, m.group_id, m.role, m.joined_at
FROM memberships m JOIN users u ON u.id = m.user_id`

func scanMember(row scanner) (model.Membership, error) {
	var m model.Membership
	var role string
	if err := row.Scan(&m.UserID, &m.UserName, &m.GroupID, &role, &m.JoinedAt); err != nil {
		return model.Membership{}, err
	}
	m.Role = model.Role(role)
	return m, nil
}

// Membership returns the membership of userID in groupID.
func (r *GroupRepo) Membership(ctx context.Context, groupID uuid.UUID, userID int64) (model.Membership, error) {
	const q = memberQuery + ` WHERE m.group_id=$1 AND m.user_id=$2`
	m, err := scanMember(r.db.Pool.QueryRow(ctx, q, groupID, userID))
	if err != nil {
		return model.Membership{}, storageErr(err)
	}
	return m, nil
}

// Members lists the group's members in join order.
func (r *GroupRepo) Members(ctx context.Context, groupID uuid.UUID) ([]model.Membership, error) {
	const q = memberQuery + ` WHERE m.group_id=$1 ORDER BY m.joined_at, m.user_id`
	rows, err := r.db.Pool.Query(ctx, q, groupID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []model.Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, storageErr(rows.Err())
}

// AddMember inserts a membership; duplicates surface as ErrAlreadyExists.
func (r *GroupRepo) AddMember(ctx context.Context, m model.Membership) error {
	const q = `INSERT INTO memberships (user_id, group_id, role) VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, m.UserID, m.GroupID, string(m.Role))
	return storageErr(err)
}

// RemoveMember deletes a membership.
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID uuid.UUID, userID int64) error {
	const q = `DELETE FROM memberships WHERE group_id=$1 AND user_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, groupID, userID)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
