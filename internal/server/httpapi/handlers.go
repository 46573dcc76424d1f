package httpapi

import (
	"net/http"

	"github.com/and161185/chifferchat/internal/convert"
	"github.com/and161185/chifferchat/internal/errs"
	"github.com/and161185/chifferchat/internal/model"
)

type credentialsRequest struct {
	Name     string `json:"name" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=8,max=256"`
}

type registerRequest struct {
	credentialsRequest
	PublicKey []byte `json:"publicKey" validate:"max=1024"`
}

type loginResponse struct {
	convert.TokensDTO
	User convert.UserDTO `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type publicKeyRequest struct {
	PublicKey []byte `json:"publicKey" validate:"required,max=1024"`
}

type publicKeyResponse struct {
	UserID    int64  `json:"userId"`
	PublicKey []byte `json:"publicKey"`
}

type groupNameRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

type addMemberRequest struct {
	UserName string `json:"userName" validate:"required,max=64"`
}

func principal(r *http.Request) model.Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	u, err := a.d.Auth.Register(r.Context(), req.Name, req.Password, req.PublicKey)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, convert.ToUserDTO(u, true))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	tokens, u, err := a.d.Auth.LoginWithIP(r.Context(), req.Name, req.Password, clientIP(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, loginResponse{TokensDTO: convert.ToTokensDTO(tokens), User: convert.ToUserDTO(u, false)})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	tokens, err := a.d.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, convert.ToTokensDTO(tokens))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Auth.Logout(r.Context(), principal(r).UserID); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := a.d.Users.Get(r.Context(), principal(r).UserID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, convert.ToUserDTO(u, true))
}

func (a *API) handleSetPublicKey(w http.ResponseWriter, r *http.Request) {
	var req publicKeyRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.d.Users.SetPublicKey(r.Context(), principal(r).UserID, req.PublicKey); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOnline(w http.ResponseWriter, r *http.Request) {
	list, err := a.d.Users.Online(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, convert.ToUserDTOs(list))
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	u, err := a.d.Users.Get(r.Context(), id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, convert.ToUserDTO(u, false))
}

func (a *API) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	key, err := a.d.Users.PublicKey(r.Context(), id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if len(key) == 0 {
		a.respondError(w, r, errs.ErrNotFound)
		return
	}
	a.respondJSON(w, http.StatusOK, publicKeyResponse{UserID: id, PublicKey: key})
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	other, err := pathInt(r, "otherUserId")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	page, size, err := pageParams(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	p, err := a.d.History.Conversation(r.Context(), principal(r).UserID, other, page, size)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, convert.ToPageDTO(p))
}

func (a *API) handleGroupHistory(w http.ResponseWriter, r *http.Request) {
	gid, err := pathUUID(r, "groupId")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	page, size, err := pageParams(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	p, err := a.d.History.Group(r.Context(), principal(r).UserID, gid, page, size)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, convert.ToPageDTO(p))
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.d.History.Delete(r.Context(), principal(r).UserID, id); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupNameRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	g, err := a.d.Groups.Create(r.Context(), principal(r).UserID, req.Name)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, convert.ToGroupDTO(g))
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	list, err := a.d.Groups.ListMine(r.Context(), principal(r).UserID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, convert.ToGroupDTOs(list))
}

func (a *API) handleRenameGroup(w http.ResponseWriter, r *http.Request) {
	gid, err := pathUUID(r, "groupId")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var req groupNameRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.d.Groups.Rename(r.Context(), principal(r).UserID, gid, req.Name); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	gid, err := pathUUID(r, "groupId")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.d.Groups.Delete(r.Context(), principal(r).UserID, gid); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request) {
	gid, err := pathUUID(r, "groupId")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	list, err := a.d.Groups.MembersFor(r.Context(), principal(r).UserID, gid)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, convert.ToMemberDTOs(list))
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	gid, err := pathUUID(r, "groupId")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var req addMemberRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	m, err := a.d.Groups.AddMember(r.Context(), principal(r).UserID, gid, req.UserName)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, convert.ToMemberDTOs([]model.Membership{m})[0])
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	gid, err := pathUUID(r, "groupId")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	uid, err := pathInt(r, "userId")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.d.Groups.RemoveMember(r.Context(), principal(r).UserID, gid, uid); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
