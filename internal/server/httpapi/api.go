// Package httpapi serves the REST surface: accounts, users, groups, history, metrics and the
// WebSocket mount for sessions.
package httpapi

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/and161185/chifferchat/internal/model"
	"github.com/and161185/chifferchat/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// TokenValidator resolves bearer credentials.
type TokenValidator interface {
	Validate(bearer string) (model.Principal, error)
}

// Deps are the collaborators the API calls into. WebSocket and Metrics are optional.
type Deps struct {
	Auth      service.AuthService
	Users     *service.UserService
	Groups    *service.GroupService
	History   *service.HistoryService
	Tokens    TokenValidator
	WebSocket http.Handler
	Metrics   http.Handler
	Log       *zap.Logger
}

// API holds handlers and their dependencies.
type API struct {
	d        Deps
	log      *zap.Logger
	validate *validator.Validate
}

// New builds the API.
func New(d Deps) *API {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &API{d: d, log: log, validate: v}
}

// Routes assembles the chi router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(a.recoverer)
	r.Use(middleware.StripSlashes)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.respondStatus(w, r, http.StatusNotFound, "no such route", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.respondStatus(w, r, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	if a.d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.d.Metrics)
	}
	if a.d.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", a.d.WebSocket)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.With(a.requireAuth).Post("/logout", a.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Route("/users", func(r chi.Router) {
			r.Get("/me", a.handleMe)
			r.Put("/me/publickey", a.handleSetPublicKey)
			r.Get("/online", a.handleOnline)
			r.Get("/{id}", a.handleGetUser)
			r.Get("/{id}/publickey", a.handleGetPublicKey)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/conversations/{otherUserId}", a.handleConversation)
			r.Get("/groups/{groupId}", a.handleGroupHistory)
			r.Delete("/{id}", a.handleDeleteMessage)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Post("/", a.handleCreateGroup)
			r.Get("/", a.handleListGroups)
			r.Patch("/{groupId}", a.handleRenameGroup)
			r.Delete("/{groupId}", a.handleDeleteGroup)
			r.Get("/{groupId}/members", a.handleMembers)
			r.Post("/{groupId}/members", a.handleAddMember)
			r.Delete("/{groupId}/members/{userId}", a.handleRemoveMember)
		})
	})

	return r
}
