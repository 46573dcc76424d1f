package service

import (
	"context"
	"math"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// Paging bounds for history queries.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Membership answers group membership questions.
type Membership interface {
	IsMember(ctx context.Context, groupID uuid.UUID, userID int64) (bool, error)
}

// HistoryService serves paginated history and sender-side deletion.
type HistoryService struct {
	messages repository.MessageRepository
	members  Membership
}

// NewHistoryService constructs HistoryService.
func NewHistoryService(messages repository.MessageRepository, members Membership) *HistoryService {
	return &HistoryService{messages: messages, members: members}
}

func normalizePage(page, size int) (int, int, error) {
	if page < 0 {
		return 0, 0, errs.Validationf("page must be >= 0")
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	if page > (math.MaxInt32-size)/size {
		return 0, 0, errs.Validationf("page must be <= %d", (math.MaxInt32-size)/size)
	}
	return page, size, nil
}

// Conversation returns the direct history between me and other, newest first.
func (s *HistoryService) Conversation(ctx context.Context, me, other int64, page, size int) (model.Page, error) {
	if other <= 0 {
		return model.Page{}, errs.Validationf("bad user id")
	}
	page, size, err := normalizePage(page, size)
	if err != nil {
		return model.Page{}, err
	}
	items, err := s.messages.ConversationPage(ctx, me, other, page*size, size)
	if err != nil {
		return model.Page{}, err
	}
	return model.Page{Items: items, Page: page, Size: size}, nil
}

// Group returns group history for a member, newest first.
func (s *HistoryService) Group(ctx context.Context, me int64, groupID uuid.UUID, page, size int) (model.Page, error) {
	page, size, err := normalizePage(page, size)
	if err != nil {
		return model.Page{}, err
	}
	ok, err := s.members.IsMember(ctx, groupID, me)
	if err != nil {
		return model.Page{}, err
	}
	if !ok {
		return model.Page{}, errs.ErrForbidden
	}
	items, err := s.messages.GroupPage(ctx, groupID, page*size, size)
	if err != nil {
		return model.Page{}, err
	}
	return model.Page{Items: items, Page: page, Size: size}, nil
}

// Delete removes a message sent by me.
func (s *HistoryService) Delete(ctx context.Context, me, messageID int64) error {
	if messageID <= 0 {
		return errs.Validationf("bad message id")
	}
	return s.messages.DeleteMessage(ctx, messageID, me)
}
