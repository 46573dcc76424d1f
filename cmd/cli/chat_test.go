package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/chifferchat/internal/auth"
	"github.com/and161185/chifferchat/internal/convert"
	cc "github.com/and161185/chifferchat/internal/crypto/clientcrypto"
	"github.com/and161185/chifferchat/internal/delivery"
	"github.com/and161185/chifferchat/internal/gateway"
	"github.com/and161185/chifferchat/internal/limiter"
	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/presence"
	"github.com/and161185/chifferchat/internal/protocol"
	"github.com/and161185/chifferchat/internal/relay"
	"github.com/and161185/chifferchat/internal/repository/memory"
	"github.com/and161185/chifferchat/internal/router"
	"github.com/and161185/chifferchat/internal/server/httpapi"
	"github.com/and161185/chifferchat/internal/service"
)

func Test_sealDirect_OpenBody(t *testing.T) {
	t.Parallel()

	pub, priv, _ := cc.GenerateKeyPair()
	f, err := sealDirect(2, pub[:], []byte("hi bob"))
	if err != nil {
		t.Fatalf("sealDirect: %v", err)
	}
	if err := protocol.Validate(f); err != nil {
		t.Fatalf("sealed frame must validate: %v", err)
	}
	if strings.Contains(f.Ciphertext, "hi bob") {
		t.Fatalf("ciphertext leaks plaintext")
	}
	pt, err := openBody(f.Ciphertext, f.IV, f.WrappedKey, pub, priv)
	if err != nil || string(pt) != "hi bob" {
		t.Fatalf("openBody: %q %v", pt, err)
	}

	pub2, priv2, _ := cc.GenerateKeyPair()
	if _, err := openBody(f.Ciphertext, f.IV, f.WrappedKey, pub2, priv2); err == nil {
		t.Fatalf("foreign key must not open")
	}
	if _, err := sealDirect(2, []byte("short"), []byte("x")); err == nil {
		t.Fatalf("bad recipient key must fail")
	}
	if _, err := openBody("***", f.IV, f.WrappedKey, pub, priv); err == nil {
		t.Fatalf("bad base64 must fail")
	}
}

func Test_sealGroup_PerMember(t *testing.T) {
	t.Parallel()

	pubA, privA, _ := cc.GenerateKeyPair()
	pubB, privB, _ := cc.GenerateKeyPair()
	f, err := sealGroup("0b6f3c3e-8f1e-4c59-9a43-12b9a4a0c001", map[int64][]byte{1: pubA[:], 2: pubB[:]}, []byte("team"))
	if err != nil {
		t.Fatalf("sealGroup: %v", err)
	}
	if err := protocol.Validate(f); err != nil {
		t.Fatalf("sealed frame must validate: %v", err)
	}
	if len(f.PerMemberWrappedKeys) != 2 {
		t.Fatalf("want 2 wrapped keys, got %d", len(f.PerMemberWrappedKeys))
	}
	for me, keys := range map[int64][2]*[cc.KeyLen]byte{1: {pubA, privA}, 2: {pubB, privB}} {
		pt, err := openBody(f.Ciphertext, f.IV, wrappedFor(me, "", f.PerMemberWrappedKeys), keys[0], keys[1])
		if err != nil || string(pt) != "team" {
			t.Fatalf("member %d: %q %v", me, pt, err)
		}
	}
	if _, err := openBody(f.Ciphertext, f.IV, wrappedFor(3, "", f.PerMemberWrappedKeys), pubA, privA); err == nil {
		t.Fatalf("non-member has no wrapped key")
	}
	if _, err := sealGroup("g", nil, []byte("x")); err == nil {
		t.Fatalf("empty key set must fail")
	}
}

func Test_lines(t *testing.T) {
	t.Parallel()

	pub, priv, _ := cc.GenerateKeyPair()
	f, _ := sealDirect(2, pub[:], []byte("hello"))
	m := protocol.Message{ID: 9, SenderID: 1, SenderName: "alice", RecipientID: 2, Ciphertext: f.Ciphertext,
		WrappedKey: f.WrappedKey, IV: f.IV, CreatedAt: time.Now(), Status: "DISPATCHED"}

	if got := messageLine(m, 2, pub, priv); !strings.HasSuffix(got, "#9 alice: hello") {
		t.Fatalf("recipient line: %s", got)
	}
	if got := messageLine(m, 1, pub, priv); !strings.Contains(got, "you -> 2 (DISPATCHED)") {
		t.Fatalf("sender line: %s", got)
	}
	if got := eventLine(protocol.StatusUpdate{MessageID: 9, Status: "ACKNOWLEDGED"}); got != "* #9 is ACKNOWLEDGED" {
		t.Fatalf("status line: %s", got)
	}
	if got := eventLine(protocol.Typing{FromUser: "bob", Typing: false}); got != "" {
		t.Fatalf("typing stop prints nothing: %q", got)
	}
	if got := eventLine(protocol.Error{Code: "forbidden", Message: "no"}); got != "! forbidden: no" {
		t.Fatalf("error line: %s", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type e2e struct {
	t     *testing.T
	c     *client
	gw    *gateway.Gateway
	store *memory.Store
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	log := zaptest.NewLogger(t)
	tokens, err := auth.NewTokens([]byte(strings.Repeat("k", auth.MinKeyLen)), time.Minute, 0)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	st := memory.New()
	users := service.NewUserService(st.Users, 5*time.Minute)
	groups := service.NewGroupService(st.Groups, st.Users)
	rt := router.New(relay.NewLoopback(), router.DefaultTopics(), log, nil)
	coord := delivery.New(st.Messages, groups, st.Users, presence.New(), rt, log, nil, delivery.Options{})
	t.Cleanup(coord.Close)
	gw := gateway.New(tokens, coord, users, log, nil, gateway.DefaultOptions())

	api := httpapi.New(httpapi.Deps{
		Auth:      service.NewAuthService(st.Users, st.Refresh, tokens, time.Hour, limiter.NewMemory(limiter.Rules{Window: time.Minute, MaxFails: 5, BlockFor: time.Minute})),
		Users:     users,
		Groups:    groups,
		History:   service.NewHistoryService(st.Messages, groups),
		Tokens:    tokens,
		WebSocket: gw,
		Log:       log,
	})
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	c, err := newClient(srv.URL, "", false, 5*time.Second)
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	return &e2e{t: t, c: c, gw: gw, store: st}
}

type account struct {
	s         sessionFile
	pub, priv *[cc.KeyLen]byte
}

func (e *e2e) account(name string) account {
	e.t.Helper()
	ctx := context.Background()
	pw := "password-" + name
	keys, err := newKeys(pw)
	if err != nil {
		e.t.Fatalf("newKeys: %v", err)
	}
	if err := e.c.do(ctx, "POST", "/auth/register", "", map[string]any{"name": name, "password": pw, "publicKey": keys.Public}, nil); err != nil {
		e.t.Fatalf("register %s: %v", name, err)
	}
	var lr loginResponse
	if err := e.c.do(ctx, "POST", "/auth/login", "", map[string]string{"name": name, "password": pw}, &lr); err != nil {
		e.t.Fatalf("login %s: %v", name, err)
	}
	pub, priv, err := keys.unlock(pw)
	if err != nil {
		e.t.Fatalf("unlock: %v", err)
	}
	return account{s: lr.session(), pub: pub, priv: priv}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func Test_EndToEnd_SendListenAck(t *testing.T) {
	e := newE2E(t)
	alice := e.account("alice")
	bob := e.account("bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- listen(ctx, e.c, bob.s, bob.s.AccessToken, bob.pub, bob.priv, out) }()
	waitFor(t, func() bool { return e.gw.ActiveSessions() == 1 }, "bob online")

	id, err := sendDirect(ctx, e.c, alice.s, alice.s.AccessToken, bob.s.UserID, []byte("hello bob"))
	if err != nil {
		t.Fatalf("sendDirect: %v", err)
	}
	waitFor(t, func() bool { return strings.Contains(out.String(), "alice: hello bob") }, "bob prints message")
	waitFor(t, func() bool {
		m, err := e.store.Messages.Get(context.Background(), id)
		return err == nil && m.Status == model.StatusAcknowledged
	}, "auto ack")

	stored, _ := e.store.Messages.Get(context.Background(), id)
	if strings.Contains(stored.Ciphertext, "hello") {
		t.Fatalf("server stored plaintext")
	}

	var g convert.GroupDTO
	if err := e.c.do(ctx, "POST", "/groups", alice.s.AccessToken, map[string]string{"name": "team"}, &g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := e.c.do(ctx, "POST", "/groups/"+g.ID+"/members", alice.s.AccessToken, map[string]string{"userName": "bob"}, nil); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if _, err := sendGroup(ctx, e.c, alice.s, alice.s.AccessToken, g.ID, []byte("hi team")); err != nil {
		t.Fatalf("sendGroup: %v", err)
	}
	waitFor(t, func() bool { return strings.Contains(out.String(), "alice @"+g.ID+": hi team") }, "bob prints group message")

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("listen did not stop")
	}
}

func Test_EndToEnd_UnknownRecipient(t *testing.T) {
	e := newE2E(t)
	alice := e.account("alice")

	_, err := sendDirect(context.Background(), e.c, alice.s, alice.s.AccessToken, 999, []byte("x"))
	if err == nil {
		t.Fatalf("send to unknown user must fail")
	}
}
