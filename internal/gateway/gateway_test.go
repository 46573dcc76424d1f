package gateway

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/and161185/chifferchat/internal/auth"
	"github.com/and161185/chifferchat/internal/delivery"
	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/metrics"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/presence"
	"github.com/and161185/chifferchat/internal/protocol"
	"github.com/and161185/chifferchat/internal/relay"
	"github.com/and161185/chifferchat/internal/repository/memory"
	"github.com/and161185/chifferchat/internal/router"
	"github.com/and161185/chifferchat/internal/service"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var signingKey = []byte("0123456789abcdef0123456789abcdef")

type harness struct {
	t      *testing.T
	store  *memory.Store
	tokens *auth.Tokens
	groups *service.GroupService
	gw     *Gateway
	url    string
	users  map[string]model.Principal
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	users := make(map[string]model.Principal)
	for _, n := range []string{"alice", "bob", "carol", "dave"} {
		id, err := st.Users.Create(ctx, model.User{Name: n})
		require.NoError(t, err)
		users[n] = model.Principal{UserID: id, Name: n}
	}
	tokens, err := auth.NewTokens(signingKey, time.Hour, 0)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())
	groups := service.NewGroupService(st.Groups, st.Users)
	r := router.New(relay.NewLoopback(), router.DefaultTopics(), log, m)
	coord := delivery.New(st.Messages, groups, st.Users, presence.New(), r, log, m, delivery.Options{})
	gw := New(tokens, coord, service.NewUserService(st.Users, 5*time.Minute), log, m, opts)

	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		srv.CloseClientConnections()
		gw.Close()
		srv.Close()
		coord.Close()
	})
	return &harness{
		t:      t,
		store:  st,
		tokens: tokens,
		groups: groups,
		gw:     gw,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		users:  users,
	}
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan protocol.Frame
	closed chan struct{}
}

func (h *harness) dial() *client {
	h.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(h.t, err)
	c := &client{t: h.t, conn: conn, frames: make(chan protocol.Frame, 64), closed: make(chan struct{})}
	go func() {
		defer close(c.closed)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			c.frames <- f
		}
	}()
	h.t.Cleanup(func() { _ = conn.Close() })
	return c
}

// login dials and authenticates name, waiting until the session is attached.
func (h *harness) login(name string) *client {
	h.t.Helper()
	before := h.gw.ActiveSessions()
	tok, _, err := h.tokens.MintAccess(h.users[name])
	require.NoError(h.t, err)
	c := h.dial()
	c.send(protocol.Auth{Bearer: "Bearer " + tok})
	require.Eventually(h.t, func() bool { return h.gw.ActiveSessions() > before }, 2*time.Second, 5*time.Millisecond)
	return c
}

func (c *client) send(f protocol.Frame) {
	c.t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// next returns the next frame of kind, skipping others.
func (c *client) next(kind protocol.Kind) protocol.Frame {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.Kind() == kind {
				return f
			}
		case <-deadline:
			c.t.Fatalf("no %s frame within deadline", kind)
			return nil
		}
	}
}

// none fails when a frame of kind arrives within d.
func (c *client) none(kind protocol.Kind, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-c.frames:
			if f.Kind() == kind {
				c.t.Fatalf("unexpected %s frame: %+v", kind, f)
			}
		case <-deadline:
			return
		}
	}
}

func (c *client) waitClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		c.t.Fatalf("connection still open")
	}
}

func TestGateway_DirectMessageToOnlineRecipient(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	alice := h.login("alice")
	bob := h.login("bob")

	alice.send(protocol.SendDirect{RecipientID: h.users["bob"].UserID, Ciphertext: "A==", WrappedKey: "B==", IV: "C=="})

	msg := bob.next(protocol.KindMessage).(protocol.Message)
	require.Equal(t, "A==", msg.Ciphertext)
	require.Equal(t, "B==", msg.WrappedKey)
	require.Equal(t, "C==", msg.IV)
	require.Equal(t, "alice", msg.SenderName)
	require.Equal(t, "DISPATCHED", msg.Status)

	st := alice.next(protocol.KindStatusUpdate).(protocol.StatusUpdate)
	require.Equal(t, msg.ID, st.MessageID)
	require.Equal(t, "DISPATCHED", st.Status)

	bob.send(protocol.Ack{MessageID: msg.ID})
	st = alice.next(protocol.KindStatusUpdate).(protocol.StatusUpdate)
	require.Equal(t, "ACKNOWLEDGED", st.Status)
	require.NotNil(t, st.DeliveredAt)
}

func TestGateway_OfflineRecipientReplayOnReconnect(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	alice := h.login("alice")
	bobID := h.users["bob"].UserID

	for _, p := range []string{"P1", "P2", "P3"} {
		alice.send(protocol.SendDirect{RecipientID: bobID, Ciphertext: p, WrappedKey: "k", IV: "i"})
		echo := alice.next(protocol.KindMessage).(protocol.Message)
		require.Equal(t, "PENDING", echo.Status)
	}
	pending, err := h.store.Messages.FetchUndeliveredFor(context.Background(), bobID)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	bob := h.login("bob")
	for _, p := range []string{"P1", "P2", "P3"} {
		m := bob.next(protocol.KindMessage).(protocol.Message)
		require.Equal(t, p, m.Ciphertext)
		require.Equal(t, "DISPATCHED", m.Status)
	}
	for i := 0; i < 3; i++ {
		st := alice.next(protocol.KindStatusUpdate).(protocol.StatusUpdate)
		require.Equal(t, pending[i].ID, st.MessageID)
		require.Equal(t, "DISPATCHED", st.Status)
	}
}

func TestGateway_MultiDeviceRecipient(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	alice := h.login("alice")
	s1 := h.login("bob")
	s2 := h.login("bob")

	alice.send(protocol.SendDirect{RecipientID: h.users["bob"].UserID, Ciphertext: "x", WrappedKey: "k", IV: "i"})
	m1 := s1.next(protocol.KindMessage).(protocol.Message)
	m2 := s2.next(protocol.KindMessage).(protocol.Message)
	require.Equal(t, m1.ID, m2.ID)

	s1.send(protocol.Ack{MessageID: m1.ID})
	require.Equal(t, "DISPATCHED", alice.next(protocol.KindStatusUpdate).(protocol.StatusUpdate).Status)
	require.Equal(t, "ACKNOWLEDGED", alice.next(protocol.KindStatusUpdate).(protocol.StatusUpdate).Status)

	s2.send(protocol.Ack{MessageID: m2.ID})
	s2.none(protocol.KindError, 150*time.Millisecond)
	alice.none(protocol.KindStatusUpdate, 150*time.Millisecond)
}

func TestGateway_GroupSendByNonMember(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	g, err := h.groups.Create(ctx, h.users["alice"].UserID, "team")
	require.NoError(t, err)
	_, err = h.groups.AddMember(ctx, h.users["alice"].UserID, g.ID, "carol")
	require.NoError(t, err)

	alice := h.login("alice")
	carol := h.login("carol")
	bob := h.login("bob")

	bob.send(protocol.SendGroup{GroupID: g.ID.String(), Ciphertext: "c", IV: "i",
		PerMemberWrappedKeys: map[string]string{"alice": "k", "carol": "k"}})
	e := bob.next(protocol.KindError).(protocol.Error)
	require.Equal(t, "forbidden", e.Code)

	page, err := h.store.Messages.GroupPage(ctx, g.ID, 0, 10)
	require.NoError(t, err)
	require.Empty(t, page)
	alice.none(protocol.KindMessage, 100*time.Millisecond)
	carol.none(protocol.KindMessage, 100*time.Millisecond)
}

func TestGateway_PresenceSingleVsMultiSession(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	aliceID := h.users["alice"].UserID
	dave := h.login("dave")
	onlineOf := func(want int64, status string) {
		t.Helper()
		for {
			p := dave.next(protocol.KindPresence).(protocol.Presence)
			if p.UserID == want {
				require.Equal(t, status, p.Status)
				return
			}
		}
	}

	s1 := h.login("alice")
	onlineOf(aliceID, protocol.PresenceOnline)
	s2 := h.login("alice")
	dave.none(protocol.KindPresence, 150*time.Millisecond)

	require.NoError(t, s1.conn.Close())
	require.Eventually(t, func() bool { return h.gw.ActiveSessions() == 2 }, 2*time.Second, 5*time.Millisecond)
	dave.none(protocol.KindPresence, 150*time.Millisecond)

	require.NoError(t, s2.conn.Close())
	p := dave.next(protocol.KindPresence).(protocol.Presence)
	require.Equal(t, aliceID, p.UserID)
	require.Equal(t, "alice", p.UserName)
	require.Equal(t, protocol.PresenceOffline, p.Status)

	u, err := h.store.Users.GetByID(context.Background(), aliceID)
	require.NoError(t, err)
	require.NotNil(t, u.LastSeen)
}

func TestGateway_ExpiredTokenClosesBeforeSubscribe(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	past := time.Now().Add(-time.Hour)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Name: "bob",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(h.users["bob"].UserID, 10),
			ExpiresAt: jwt.NewNumericDate(past),
		},
	}).SignedString(signingKey)
	require.NoError(t, err)

	c := h.dial()
	c.send(protocol.Auth{Bearer: tok})
	e := c.next(protocol.KindError).(protocol.Error)
	require.Equal(t, "unauthorized", e.Code)
	c.waitClosed()
	require.Zero(t, h.gw.ActiveSessions())
}

func TestGateway_NonAuthFirstFrameCloses(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	c := h.dial()
	c.send(protocol.Ack{MessageID: 1})
	e := c.next(protocol.KindError).(protocol.Error)
	require.Equal(t, "unauthorized", e.Code)
	c.waitClosed()
}

func TestGateway_AuthTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.AuthTimeout = 50 * time.Millisecond
	h := newHarness(t, opts)
	c := h.dial()
	c.waitClosed()
}

func TestGateway_InvalidFrameKeepsSession(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	alice := h.login("alice")

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"NOPE"}`)))
	require.Equal(t, "validation", alice.next(protocol.KindError).(protocol.Error).Code)

	alice.send(protocol.SendDirect{RecipientID: h.users["bob"].UserID})
	require.Equal(t, "validation", alice.next(protocol.KindError).(protocol.Error).Code)

	alice.send(protocol.SendDirect{RecipientID: 9999, Ciphertext: "c", WrappedKey: "k", IV: "i"})
	require.Equal(t, "not-found", alice.next(protocol.KindError).(protocol.Error).Code)

	alice.send(protocol.Ack{MessageID: 424242})
	alice.none(protocol.KindError, 100*time.Millisecond)

	alice.send(protocol.SendDirect{RecipientID: h.users["bob"].UserID, Ciphertext: "c", WrappedKey: "k", IV: "i"})
	require.Equal(t, "PENDING", alice.next(protocol.KindMessage).(protocol.Message).Status)
}

func TestGateway_RateLimited(t *testing.T) {
	opts := DefaultOptions()
	opts.FrameRate = 0.001
	opts.FrameBurst = 1
	h := newHarness(t, opts)
	alice := h.login("alice")

	alice.send(protocol.TypingDirect{RecipientID: h.users["bob"].UserID, Typing: true})
	alice.send(protocol.TypingDirect{RecipientID: h.users["bob"].UserID, Typing: false})
	require.Equal(t, "rate-limited", alice.next(protocol.KindError).(protocol.Error).Code)
}

func TestSession_EnqueueBackpressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &session{
		id:           "s",
		out:          make(chan []byte, 1),
		blockTimeout: 20 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}

	require.NoError(t, s.Enqueue(protocol.KindTyping, []byte("1")))
	require.ErrorIs(t, s.Enqueue(protocol.KindTyping, []byte("2")), errs.ErrBackpressure)
	require.NoError(t, ctx.Err(), "best-effort drop keeps the session")

	require.ErrorIs(t, s.Enqueue(protocol.KindMessage, []byte("3")), errs.ErrBackpressure)
	require.Error(t, ctx.Err(), "critical timeout closes the session")
	require.ErrorIs(t, s.closeReason(), errs.ErrBackpressure)
}
