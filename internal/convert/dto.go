package convert

import (
	"time"

	"github.com/and161185/chifferchat/internal/model"
)

// UserDTO is the public view of an account.
type UserDTO struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	PublicKey []byte     `json:"publicKey,omitempty"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

type GroupDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorID int64     `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
}

type MemberDTO struct {
	UserID   int64     `json:"userId"`
	UserName string    `json:"userName"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// MessageDTO is a history item.
type MessageDTO struct {
	ID                   int64             `json:"id"`
	SenderID             int64             `json:"senderId"`
	RecipientID          int64             `json:"recipientId,omitempty"`
	GroupID              string            `json:"groupId,omitempty"`
	Ciphertext           string            `json:"ciphertext"`
	WrappedKey           string            `json:"wrappedKey,omitempty"`
	PerMemberWrappedKeys map[string]string `json:"perMemberWrappedKeys,omitempty"`
	IV                   string            `json:"iv"`
	Kind                 string            `json:"kind"`
	Status               string            `json:"status"`
	CreatedAt            time.Time         `json:"createdAt"`
	DeliveredAt          *time.Time        `json:"deliveredAt,omitempty"`
}

type PageDTO struct {
	Items []MessageDTO `json:"items"`
	Page  int          `json:"page"`
	Size  int          `json:"size"`
}

type TokensDTO struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TokenType    string    `json:"tokenType"`
}

func ToUserDTO(u model.User, withKey bool) UserDTO {
	d := UserDTO{ID: u.ID, Name: u.Name, LastSeen: u.LastSeen}
	if withKey {
		d.PublicKey = u.PublicKey
	}
	return d
}

func ToUserDTOs(list []model.User) []UserDTO {
	out := make([]UserDTO, 0, len(list))
	for _, u := range list {
		out = append(out, ToUserDTO(u, false))
	}
	return out
}

func ToGroupDTO(g model.Group) GroupDTO {
	return GroupDTO{ID: g.ID.String(), Name: g.Name, CreatorID: g.CreatorID, CreatedAt: g.CreatedAt}
}

func ToGroupDTOs(list []model.Group) []GroupDTO {
	out := make([]GroupDTO, 0, len(list))
	for _, g := range list {
		out = append(out, ToGroupDTO(g))
	}
	return out
}

func ToMemberDTOs(list []model.Membership) []MemberDTO {
	out := make([]MemberDTO, 0, len(list))
	for _, m := range list {
		out = append(out, MemberDTO{UserID: m.UserID, UserName: m.UserName, Role: string(m.Role), JoinedAt: m.JoinedAt})
	}
	return out
}

func ToMessageDTO(m model.Message) MessageDTO {
	d := MessageDTO{
		ID:          m.ID,
		SenderID:    m.SenderID,
		Ciphertext:  m.Ciphertext,
		IV:          m.IV,
		Kind:        string(m.Kind),
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		DeliveredAt: m.DeliveredAt,
	}
	if m.IsDirect() {
		d.RecipientID = m.RecipientID
		d.WrappedKey = m.WrappedKey
	} else {
		d.GroupID = m.GroupID.String()
		d.PerMemberWrappedKeys = m.WrappedKeys
	}
	return d
}

func ToPageDTO(p model.Page) PageDTO {
	items := make([]MessageDTO, 0, len(p.Items))
	for _, m := range p.Items {
		items = append(items, ToMessageDTO(m))
	}
	return PageDTO{Items: items, Page: p.Page, Size: p.Size}
}

func ToTokensDTO(t model.Tokens) TokensDTO {
	return TokensDTO{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, ExpiresAt: t.ExpiresAt, TokenType: "Bearer"}
}
