// Package protocol defines the control frames exchanged over a session and their JSON codec.
//
// Every frame is a flat JSON object with a "kind" tag. Ciphertext, wrapped keys and IVs are
// base64 strings the server forwards without decoding.
package protocol

import "time"

// Kind tags a frame.
type Kind string

// Client to server.
const (
	KindAuth         Kind = "AUTH"
	KindSendDirect   Kind = "SEND_DIRECT"
	KindSendGroup    Kind = "SEND_GROUP"
	KindAck          Kind = "ACK"
	KindTypingDirect Kind = "TYPING_DIRECT"
	KindTypingGroup  Kind = "TYPING_GROUP"
)

// Server to client.
const (
	KindMessage      Kind = "MESSAGE"
	KindStatusUpdate Kind = "STATUS_UPDATE"
	KindPresence     Kind = "PRESENCE"
	KindTyping       Kind = "TYPING"
	KindError        Kind = "ERROR"
)

// Presence states.
const (
	PresenceOnline  = "ONLINE"
	PresenceOffline = "OFFLINE"
	PresenceAway    = "AWAY"
)

// Typing scopes.
const (
	ScopeDirect = "direct"
	ScopeGroup  = "group"
)

// Frame is implemented by every frame type.
type Frame interface {
	Kind() Kind
}

// Auth must be the first frame of a session.
type Auth struct {
	Bearer string `json:"bearer" validate:"required,max=8192"`
}

type SendDirect struct {
	RecipientID int64  `json:"recipientId" validate:"required,gt=0"`
	Ciphertext  string `json:"ciphertext" validate:"required"`
	WrappedKey  string `json:"wrappedKey" validate:"required"`
	IV          string `json:"iv" validate:"required"`
}

type SendGroup struct {
	GroupID              string            `json:"groupId" validate:"required,uuid"`
	Ciphertext           string            `json:"ciphertext" validate:"required"`
	PerMemberWrappedKeys map[string]string `json:"perMemberWrappedKeys" validate:"required,min=1,dive,keys,required,endkeys,required"`
	IV                   string            `json:"iv" validate:"required"`
}

type Ack struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
}

type TypingDirect struct {
	RecipientID int64 `json:"recipientId" validate:"required,gt=0"`
	Typing      bool  `json:"typing"`
}

type TypingGroup struct {
	GroupID string `json:"groupId" validate:"required,uuid"`
	Typing  bool   `json:"typing"`
}

// Message carries a stored envelope to a recipient or back to its sender.
type Message struct {
	ID                   int64             `json:"id"`
	SenderID             int64             `json:"senderId"`
	SenderName           string            `json:"senderName"`
	RecipientID          int64             `json:"recipientId,omitempty"`
	GroupID              string            `json:"groupId,omitempty"`
	Ciphertext           string            `json:"ciphertext"`
	WrappedKey           string            `json:"wrappedKey,omitempty"`
	PerMemberWrappedKeys map[string]string `json:"perMemberWrappedKeys,omitempty"`
	IV                   string            `json:"iv"`
	CreatedAt            time.Time         `json:"createdAt"`
	Status               string            `json:"status"`
}

// StatusUpdate tells a sender about a delivery state change.
type StatusUpdate struct {
	MessageID   int64      `json:"messageId"`
	Status      string     `json:"status"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

type Presence struct {
	UserID   int64     `json:"userId"`
	UserName string    `json:"userName"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

type Typing struct {
	FromUserID int64  `json:"fromUserId"`
	FromUser   string `json:"fromUser"`
	Typing     bool   `json:"typing"`
	Scope      string `json:"scope"`
	ScopeID    string `json:"scopeId"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Auth) Kind() Kind         { return KindAuth }
func (SendDirect) Kind() Kind   { return KindSendDirect }
func (SendGroup) Kind() Kind    { return KindSendGroup }
func (Ack) Kind() Kind          { return KindAck }
func (TypingDirect) Kind() Kind { return KindTypingDirect }
func (TypingGroup) Kind() Kind  { return KindTypingGroup }
func (Message) Kind() Kind      { return KindMessage }
func (StatusUpdate) Kind() Kind { return KindStatusUpdate }
func (Presence) Kind() Kind     { return KindPresence }
func (Typing) Kind() Kind       { return KindTyping }
func (Error) Kind() Kind        { return KindError }

// Critical reports whether losing a frame of kind k loses data. Critical frames
// block on a full outbound queue; the rest are dropped.
func Critical(k Kind) bool {
	switch k {
	case KindMessage, KindStatusUpdate, KindError:
		return true
	default:
		return false
	}
}
