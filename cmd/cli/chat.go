package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/and161185/chifferchat/internal/convert"
	"github.com/and161185/chifferchat/internal/errs"
	cc "github.com/and161185/chifferchat/internal/crypto/clientcrypto"
	"github.com/and161185/chifferchat/internal/protocol"
)

var b64 = base64.StdEncoding

// ---- sealing ----

// sealDirect encrypts plaintext for a single recipient.
func sealDirect(recipientID int64, recipientKey, plaintext []byte) (protocol.SendDirect, error) {
	pub, err := cc.PublicKeyFromBytes(recipientKey)
	if err != nil {
		return protocol.SendDirect{}, fmt.Errorf("recipient key: %w", err)
	}
	ct, iv, key, err := cc.SealBody(plaintext)
	if err != nil {
		return protocol.SendDirect{}, err
	}
	wrapped, err := cc.WrapKey(pub, key)
	if err != nil {
		return protocol.SendDirect{}, err
	}
	return protocol.SendDirect{
		RecipientID: recipientID,
		Ciphertext:  b64.EncodeToString(ct),
		WrappedKey:  b64.EncodeToString(wrapped),
		IV:          b64.EncodeToString(iv),
	}, nil
}

// sealGroup encrypts plaintext once and wraps the message key for every member key.
func sealGroup(groupID string, memberKeys map[int64][]byte, plaintext []byte) (protocol.SendGroup, error) {
	if len(memberKeys) == 0 {
		return protocol.SendGroup{}, errors.New("no member has a public key")
	}
	ct, iv, key, err := cc.SealBody(plaintext)
	if err != nil {
		return protocol.SendGroup{}, err
	}
	wrapped := make(map[string]string, len(memberKeys))
	for uid, raw := range memberKeys {
		pub, err := cc.PublicKeyFromBytes(raw)
		if err != nil {
			return protocol.SendGroup{}, fmt.Errorf("key of user %d: %w", uid, err)
		}
		w, err := cc.WrapKey(pub, key)
		if err != nil {
			return protocol.SendGroup{}, err
		}
		wrapped[strconv.FormatInt(uid, 10)] = b64.EncodeToString(w)
	}
	return protocol.SendGroup{
		GroupID:              groupID,
		Ciphertext:           b64.EncodeToString(ct),
		PerMemberWrappedKeys: wrapped,
		IV:                   b64.EncodeToString(iv),
	}, nil
}

// openBody reverses sealDirect/sealGroup for the key wrapped to pub.
func openBody(ciphertext, iv, wrappedKey string, pub, priv *[cc.KeyLen]byte) ([]byte, error) {
	if wrappedKey == "" {
		return nil, errors.New("no key wrapped for this device")
	}
	ct, err := b64.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}
	nonce, err := b64.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}
	wrapped, err := b64.DecodeString(wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("wrapped key: %w", err)
	}
	key, err := cc.UnwrapKey(pub, priv, wrapped)
	if err != nil {
		return nil, err
	}
	return cc.OpenBody(key, nonce, ct)
}

func wrappedFor(me int64, direct string, group map[string]string) string {
	if group != nil {
		return group[strconv.FormatInt(me, 10)]
	}
	return direct
}

func plainOrNote(pt []byte, err error) string {
	if err != nil {
		return "<sealed: " + err.Error() + ">"
	}
	return string(pt)
}

func messageLine(m protocol.Message, me int64, pub, priv *[cc.KeyLen]byte) string {
	at := m.CreatedAt.Local().Format("15:04:05")
	if m.SenderID == me && m.GroupID == "" {
		return fmt.Sprintf("[%s] #%d you -> %d (%s)", at, m.ID, m.RecipientID, m.Status)
	}
	text := plainOrNote(openBody(m.Ciphertext, m.IV, wrappedFor(me, m.WrappedKey, m.PerMemberWrappedKeys), pub, priv))
	where := ""
	if m.GroupID != "" {
		where = " @" + m.GroupID
	}
	return fmt.Sprintf("[%s] #%d %s%s: %s", at, m.ID, m.SenderName, where, text)
}

func historyLine(m convert.MessageDTO, me int64, pub, priv *[cc.KeyLen]byte) string {
	at := m.CreatedAt.Local().Format(time.DateTime)
	if m.SenderID == me && m.GroupID == "" {
		return fmt.Sprintf("[%s] #%d you -> %d (%s)", at, m.ID, m.RecipientID, m.Status)
	}
	text := plainOrNote(openBody(m.Ciphertext, m.IV, wrappedFor(me, m.WrappedKey, m.PerMemberWrappedKeys), pub, priv))
	return fmt.Sprintf("[%s] #%d %d: %s", at, m.ID, m.SenderID, text)
}

func eventLine(f protocol.Frame) string {
	switch v := f.(type) {
	case protocol.StatusUpdate:
		return fmt.Sprintf("* #%d is %s", v.MessageID, v.Status)
	case protocol.Presence:
		return fmt.Sprintf("* %s is %s", v.UserName, v.Status)
	case protocol.Typing:
		if v.Typing {
			return fmt.Sprintf("* %s is typing (%s %s)", v.FromUser, v.Scope, v.ScopeID)
		}
		return ""
	case protocol.Error:
		return fmt.Sprintf("! %s: %s", v.Code, v.Message)
	}
	return ""
}

// ---- sessions ----

func writeFrame(conn *websocket.Conn, f protocol.Frame) error {
	b, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func readFrame(conn *websocket.Conn) (protocol.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// openSession dials the WebSocket endpoint and authenticates. The connection closes when ctx ends.
func openSession(ctx context.Context, c *client, token string) (*websocket.Conn, error) {
	conn, err := c.dialWS(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := writeFrame(conn, protocol.Auth{Bearer: token}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	return conn, nil
}

// awaitEcho reads until the sender echo of the frame just sent arrives.
func awaitEcho(conn *websocket.Conn, me int64, ciphertext string) (int64, error) {
	for {
		f, err := readFrame(conn)
		if errors.Is(err, errs.ErrValidation) {
			continue
		}
		if err != nil {
			return 0, err
		}
		switch v := f.(type) {
		case protocol.Message:
			if v.SenderID == me && v.Ciphertext == ciphertext {
				return v.ID, nil
			}
		case protocol.Error:
			return 0, fmt.Errorf("%s: %s", v.Code, v.Message)
		}
	}
}

func sendDirect(ctx context.Context, c *client, s sessionFile, token string, to int64, text []byte) (int64, error) {
	key, err := c.publicKey(ctx, token, to)
	if err != nil {
		return 0, err
	}
	frame, err := sealDirect(to, key, text)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, err := openSession(ctx, c, token)
	if err != nil {
		return 0, err
	}
	if err := writeFrame(conn, frame); err != nil {
		return 0, err
	}
	return awaitEcho(conn, s.UserID, frame.Ciphertext)
}

func sendGroup(ctx context.Context, c *client, s sessionFile, token, groupID string, text []byte) (int64, error) {
	var members []convert.MemberDTO
	if err := c.do(ctx, "GET", "/groups/"+groupID+"/members", token, nil, &members); err != nil {
		return 0, err
	}
	keys := make(map[int64][]byte, len(members))
	for _, m := range members {
		k, err := c.publicKey(ctx, token, m.UserID)
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == 404 {
			continue
		}
		if err != nil {
			return 0, err
		}
		keys[m.UserID] = k
	}
	frame, err := sealGroup(groupID, keys, text)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, err := openSession(ctx, c, token)
	if err != nil {
		return 0, err
	}
	if err := writeFrame(conn, frame); err != nil {
		return 0, err
	}
	return awaitEcho(conn, s.UserID, frame.Ciphertext)
}

// listen prints incoming events and acknowledges direct messages addressed to this user.
func listen(ctx context.Context, c *client, s sessionFile, token string, pub, priv *[cc.KeyLen]byte, w io.Writer) error {
	conn, err := openSession(ctx, c, token)
	if err != nil {
		return err
	}
	for {
		f, err := readFrame(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errs.ErrValidation) {
			fmt.Fprintln(w, "! dropped frame:", err)
			continue
		}
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("session closed: %d %s", ce.Code, ce.Text)
			}
			return err
		}
		if m, ok := f.(protocol.Message); ok {
			fmt.Fprintln(w, messageLine(m, s.UserID, pub, priv))
			if m.GroupID == "" && m.RecipientID == s.UserID {
				if err := writeFrame(conn, protocol.Ack{MessageID: m.ID}); err != nil {
					return err
				}
			}
			continue
		}
		if line := eventLine(f); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}
