package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/and161185/chifferchat/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestLoopback_PublishOrderAndUnsubscribe(t *testing.T) {
	t.Parallel()
	l := NewLoopback()
	ctx := context.Background()

	var got []string
	sub, err := l.Subscribe("presence", func(e Envelope) { got = append(got, string(e.Frame)) })
	require.NoError(t, err)

	for _, f := range []string{`1`, `2`, `3`} {
		require.NoError(t, l.Publish(ctx, "presence", Envelope{Kind: protocol.KindPresence, Frame: json.RawMessage(f)}))
	}
	require.Equal(t, []string{"1", "2", "3"}, got)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, l.Publish(ctx, "presence", Envelope{Kind: protocol.KindPresence, Frame: json.RawMessage(`4`)}))
	require.Len(t, got, 3)
}

func TestLoopback_TargetsAreIsolated(t *testing.T) {
	t.Parallel()
	l := NewLoopback()
	var a, b int
	_, _ = l.Subscribe("a", func(Envelope) { a++ })
	_, _ = l.Subscribe("b", func(Envelope) { b++ })
	_, _ = l.Subscribe("b", func(Envelope) { b++ })

	require.NoError(t, l.Publish(context.Background(), "b", Envelope{Kind: protocol.KindTyping, Frame: json.RawMessage(`{}`)}))
	require.Equal(t, 0, a)
	require.Equal(t, 2, b)
}

func TestLoopback_CancelledContext(t *testing.T) {
	t.Parallel()
	l := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Publish(ctx, "x", Envelope{}), context.Canceled)
}

func TestNATS_SubjectAndEnvelope(t *testing.T) {
	t.Parallel()
	n := NewNATS(nil, "chiffer.", nil)
	require.Equal(t, "chiffer.messages.42", n.Subject("messages.42"))
	require.Equal(t, "chiffer.bad_name_", n.Subject("bad name>"))

	data, err := json.Marshal(Envelope{Kind: protocol.KindMessage, Frame: json.RawMessage(`{"id":1}`), Except: "s1"})
	require.NoError(t, err)
	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, protocol.KindMessage, env.Kind)
	require.Equal(t, "s1", env.Except)
	require.JSONEq(t, `{"id":1}`, string(env.Frame))

	_, err = decodeEnvelope([]byte(`{"kind":""}`))
	require.Error(t, err)
	_, err = decodeEnvelope([]byte(`not json`))
	require.Error(t, err)
}
