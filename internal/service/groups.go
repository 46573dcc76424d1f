package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// GroupService administers groups and answers membership queries for the core.
type GroupService struct {
	groups repository.GroupRepository
	users  repository.UserRepository
}

// NewGroupService constructs GroupService.
func NewGroupService(groups repository.GroupRepository, users repository.UserRepository) *GroupService {
	return &GroupService{groups: groups, users: users}
}

// Create makes a group with the creator as ADMIN.
func (s *GroupService) Create(ctx context.Context, creatorID int64, name string) (model.Group, error) {
	if name == "" || len(name) > maxNameLen {
		return model.Group{}, errs.Validationf("group name must be 1..%d chars", maxNameLen)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Group{}, err
	}
	g := model.Group{ID: id, Name: name, CreatorID: creatorID}
	if err := s.groups.Create(ctx, g); err != nil {
		return model.Group{}, err
	}
	return s.groups.Get(ctx, id)
}

// ensureAdmin fails with ErrForbidden unless userID is an ADMIN of groupID.
func (s *GroupService) ensureAdmin(ctx context.Context, groupID uuid.UUID, userID int64) error {
	if _, err := s.groups.Get(ctx, groupID); err != nil {
		return err
	}
	m, err := s.groups.Membership(ctx, groupID, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("not a member: %w", errs.ErrForbidden)
	}
	if err != nil {
		return err
	}
	if m.Role != model.RoleAdmin {
		return fmt.Errorf("admin role required: %w", errs.ErrForbidden)
	}
	return nil
}

// Rename changes the group name. Admin only.
func (s *GroupService) Rename(ctx context.Context, by int64, groupID uuid.UUID, name string) error {
	if name == "" || len(name) > maxNameLen {
		return errs.Validationf("group name must be 1..%d chars", maxNameLen)
	}
	if err := s.ensureAdmin(ctx, groupID, by); err != nil {
		return err
	}
	return s.groups.Rename(ctx, groupID, name)
}

// Delete removes the group with its memberships and messages. Admin only.
func (s *GroupService) Delete(ctx context.Context, by int64, groupID uuid.UUID) error {
	if err := s.ensureAdmin(ctx, groupID, by); err != nil {
		return err
	}
	return s.groups.Delete(ctx, groupID)
}

// AddMember adds the named user as MEMBER. Admin only.
func (s *GroupService) AddMember(ctx context.Context, by int64, groupID uuid.UUID, userName string) (model.Membership, error) {
	if userName == "" {
		return model.Membership{}, errs.Validationf("empty user name")
	}
	if err := s.ensureAdmin(ctx, groupID, by); err != nil {
		return model.Membership{}, err
	}
	u, err := s.users.GetByName(ctx, userName)
	if err != nil {
		return model.Membership{}, err
	}
	m := model.Membership{UserID: u.ID, UserName: u.Name, GroupID: groupID, Role: model.RoleMember}
	if err := s.groups.AddMember(ctx, m); err != nil {
		return model.Membership{}, err
	}
	return s.groups.Membership(ctx, groupID, u.ID)
}

// RemoveMember drops userID from the group. Admin only.
func (s *GroupService) RemoveMember(ctx context.Context, by int64, groupID uuid.UUID, userID int64) error {
	if err := s.ensureAdmin(ctx, groupID, by); err != nil {
		return err
	}
	return s.groups.RemoveMember(ctx, groupID, userID)
}

// ListMine returns the groups of userID.
func (s *GroupService) ListMine(ctx context.Context, userID int64) ([]model.Group, error) {
	return s.groups.ListForUser(ctx, userID)
}

// MembersFor lists members when the requester belongs to the group.
func (s *GroupService) MembersFor(ctx context.Context, by int64, groupID uuid.UUID) ([]model.Membership, error) {
	ok, err := s.IsMember(ctx, groupID, by)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrForbidden
	}
	return s.groups.Members(ctx, groupID)
}

// IsMember reports whether userID belongs to groupID.
func (s *GroupService) IsMember(ctx context.Context, groupID uuid.UUID, userID int64) (bool, error) {
	_, err := s.groups.Membership(ctx, groupID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errs.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Members lists all members of groupID.
func (s *GroupService) Members(ctx context.Context, groupID uuid.UUID) ([]model.Membership, error) {
	return s.groups.Members(ctx, groupID)
}
