// Package convert maps domain entities onto wire frames and HTTP payloads.
package convert

import (
	"time"

	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/protocol"
	"github.com/gofrs/uuid/v5"
)

// --- frames ---

// ToMessageFrame builds the MESSAGE frame for m. status overrides the stored status
// when the frame is produced ahead of the store transition.
func ToMessageFrame(m model.Message, senderName string, status model.Status) protocol.Message {
	f := protocol.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: senderName,
		Ciphertext: m.Ciphertext,
		IV:         m.IV,
		CreatedAt:  m.CreatedAt,
		Status:     string(status),
	}
	if m.IsDirect() {
		f.RecipientID = m.RecipientID
		f.WrappedKey = m.WrappedKey
	} else {
		f.GroupID = m.GroupID.String()
		f.PerMemberWrappedKeys = m.WrappedKeys
	}
	return f
}

// ToStatusFrame builds the STATUS_UPDATE for the current state of m.
func ToStatusFrame(m model.Message) protocol.StatusUpdate {
	f := protocol.StatusUpdate{MessageID: m.ID, Status: string(m.Status)}
	if m.Status == model.StatusAcknowledged && m.DeliveredAt != nil {
		at := *m.DeliveredAt
		f.DeliveredAt = &at
	}
	return f
}

// ToPresenceFrame builds a PRESENCE frame.
func ToPresenceFrame(p model.Principal, status string, at time.Time) protocol.Presence {
	return protocol.Presence{UserID: p.UserID, UserName: p.Name, Status: status, At: at}
}

// FromSendDirect builds the direct message to append.
func FromSendDirect(sender int64, f protocol.SendDirect) model.Message {
	return model.Message{
		SenderID:    sender,
		RecipientID: f.RecipientID,
		Ciphertext:  f.Ciphertext,
		WrappedKey:  f.WrappedKey,
		IV:          f.IV,
		Kind:        model.KindDirect,
	}
}

// FromSendGroup builds the group message to append. The frame must be validated first.
func FromSendGroup(sender int64, f protocol.SendGroup) (model.Message, error) {
	gid, err := uuid.FromString(f.GroupID)
	if err != nil {
		return model.Message{}, err
	}
	keys := make(map[string]string, len(f.PerMemberWrappedKeys))
	for k, v := range f.PerMemberWrappedKeys {
		keys[k] = v
	}
	return model.Message{
		SenderID:    sender,
		GroupID:     gid,
		Ciphertext:  f.Ciphertext,
		WrappedKeys: keys,
		IV:          f.IV,
		Kind:        model.KindGroup,
	}, nil
}
