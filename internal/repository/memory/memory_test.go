package memory

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func direct(from, to int64, body string) model.Message {
	return model.Message{SenderID: from, RecipientID: to, Ciphertext: body, WrappedKey: "K", IV: "I", Kind: model.KindDirect}
}

func TestMessages_StatusMovesForwardOnly(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	m, err := s.Messages.Append(ctx, direct(1, 2, "P1"))
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, m.Status)

	m, changed, err := s.Messages.MarkDispatched(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, model.StatusDispatched, m.Status)

	m, changed, err = s.Messages.MarkAcknowledged(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.NotNil(t, m.DeliveredAt)
	require.False(t, m.DeliveredAt.Before(m.CreatedAt))

	again, changed, err := s.Messages.MarkAcknowledged(ctx, m.ID)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, *m.DeliveredAt, *again.DeliveredAt)

	m, changed, err = s.Messages.MarkDispatched(ctx, m.ID)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, model.StatusAcknowledged, m.Status)

	_, _, err = s.Messages.MarkDispatched(ctx, 999)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMessages_FetchUndeliveredOrder(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now()
	tick := 0
	s.SetClock(func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) })

	p1, _ := s.Messages.Append(ctx, direct(1, 2, "P1"))
	p2, _ := s.Messages.Append(ctx, direct(1, 2, "P2"))
	_, _ = s.Messages.Append(ctx, direct(1, 3, "other"))
	p3, _ := s.Messages.Append(ctx, direct(1, 2, "P3"))
	_, _, _ = s.Messages.MarkAcknowledged(ctx, p2.ID)

	list, err := s.Messages.FetchUndeliveredFor(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, p1.ID, list[0].ID)
	require.Equal(t, p3.ID, list[1].ID)
}

func TestMessages_GroupAckIgnoredAndPages(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	gid := uuid.Must(uuid.NewV4())

	g, _ := s.Messages.Append(ctx, model.Message{SenderID: 1, GroupID: gid, Ciphertext: "G", IV: "I", Kind: model.KindGroup})
	m, changed, err := s.Messages.MarkAcknowledged(ctx, g.ID)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, model.StatusPending, m.Status)

	for i := 0; i < 3; i++ {
		_, _ = s.Messages.Append(ctx, direct(1, 2, "a"))
		_, _ = s.Messages.Append(ctx, direct(2, 1, "b"))
	}
	page, err := s.Messages.ConversationPage(ctx, 1, 2, 0, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	require.Greater(t, page[0].ID, page[1].ID)

	page, err = s.Messages.ConversationPage(ctx, 2, 1, 4, 4)
	require.NoError(t, err)
	require.Len(t, page, 2)

	gp, err := s.Messages.GroupPage(ctx, gid, 0, 10)
	require.NoError(t, err)
	require.Len(t, gp, 1)

	page, err = s.Messages.ConversationPage(ctx, 1, 2, -400, 4)
	require.NoError(t, err)
	require.Empty(t, page, "negative offset yields nothing")
}

func TestMessages_DeleteAndPurge(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	m1 := s.Messages.Put(model.Message{SenderID: 1, RecipientID: 2, Kind: model.KindDirect, Status: model.StatusAcknowledged,
		CreatedAt: now.AddDate(0, 0, -90), DeliveredAt: ptr(now.AddDate(0, 0, -90))})
	m2 := s.Messages.Put(model.Message{SenderID: 1, RecipientID: 2, Kind: model.KindDirect, Status: model.StatusAcknowledged,
		CreatedAt: now.AddDate(0, 0, -10), DeliveredAt: ptr(now.AddDate(0, 0, -10))})
	m3 := s.Messages.Put(model.Message{SenderID: 1, RecipientID: 2, Kind: model.KindDirect, Status: model.StatusPending,
		CreatedAt: now.AddDate(0, 0, -120)})

	n, err := s.Messages.PurgeAcknowledgedOlderThan(ctx, now.AddDate(0, 0, -60))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = s.Messages.Get(ctx, m1.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.Messages.Get(ctx, m2.ID)
	require.NoError(t, err)
	_, err = s.Messages.Get(ctx, m3.ID)
	require.NoError(t, err)

	require.ErrorIs(t, s.Messages.DeleteMessage(ctx, m2.ID, 2), errs.ErrForbidden)
	require.NoError(t, s.Messages.DeleteMessage(ctx, m2.ID, 1))
	require.ErrorIs(t, s.Messages.DeleteMessage(ctx, m2.ID, 1), errs.ErrNotFound)
}

func TestGroups_CreateMembersCascade(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	alice, _ := s.Users.Create(ctx, model.User{Name: "alice"})
	carol, _ := s.Users.Create(ctx, model.User{Name: "carol"})
	_, err := s.Users.Create(ctx, model.User{Name: "alice"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	gid := uuid.Must(uuid.NewV4())
	require.NoError(t, s.Groups.Create(ctx, model.Group{ID: gid, Name: "g", CreatorID: alice}))
	m, err := s.Groups.Membership(ctx, gid, alice)
	require.NoError(t, err)
	require.Equal(t, model.RoleAdmin, m.Role)

	require.NoError(t, s.Groups.AddMember(ctx, model.Membership{UserID: carol, GroupID: gid, Role: model.RoleMember}))
	require.ErrorIs(t, s.Groups.AddMember(ctx, model.Membership{UserID: carol, GroupID: gid, Role: model.RoleMember}), errs.ErrAlreadyExists)

	members, err := s.Groups.Members(ctx, gid)
	require.NoError(t, err)
	require.Len(t, members, 2)

	gm, _ := s.Messages.Append(ctx, model.Message{SenderID: alice, GroupID: gid, Kind: model.KindGroup, Ciphertext: "x", IV: "i"})
	require.NoError(t, s.Groups.Delete(ctx, gid))
	_, err = s.Messages.Get(ctx, gm.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.Groups.Membership(ctx, gid, carol)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRefresh_RotateSingleUse(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Refresh.Create(ctx, model.RefreshCredential{Token: "r1", UserID: 5, ExpiresAt: now.Add(time.Hour)}))
	uid, err := s.Refresh.Rotate(ctx, "r1", model.RefreshCredential{Token: "r2", ExpiresAt: now.Add(time.Hour)}, now)
	require.NoError(t, err)
	require.Equal(t, int64(5), uid)

	_, err = s.Refresh.Rotate(ctx, "r1", model.RefreshCredential{Token: "r3", ExpiresAt: now.Add(time.Hour)}, now)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = s.Refresh.Rotate(ctx, "r2", model.RefreshCredential{Token: "r4", ExpiresAt: now.Add(time.Hour)}, now.Add(2*time.Hour))
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = s.Refresh.Rotate(ctx, "r2", model.RefreshCredential{Token: "r5"}, now)
	require.ErrorIs(t, err, errs.ErrUnauthorized, "expired row must be gone")
}

func ptr(t time.Time) *time.Time { return &t }
