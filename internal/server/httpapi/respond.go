package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Timestamp        time.Time         `json:"timestamp"`
	Status           int               `json:"status"`
	Error            string            `json:"error"`
	Message          string            `json:"message"`
	Path             string            `json:"path"`
	ValidationErrors map[string]string `json:"validationErrors,omitempty"`
}

func (a *API) respondJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		a.log.Error("encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (a *API) respondStatus(w http.ResponseWriter, r *http.Request, code int, msg string, fields map[string]string) {
	a.respondJSON(w, code, ErrorBody{
		Timestamp:        time.Now().UTC(),
		Status:           code,
		Error:            http.StatusText(code),
		Message:          msg,
		Path:             r.URL.Path,
		ValidationErrors: fields,
	})
}

// respondError maps err through the error taxonomy.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.HTTPStatus(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError && !errors.Is(err, errs.ErrStorageUnavailable) {
		a.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	var fields map[string]string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		msg = "validation failed"
	}
	a.respondStatus(w, r, code, msg, fields)
}

// validationError keeps the validator detail while classifying as errs.ErrValidation.
type validationError struct {
	validator.ValidationErrors
}

func (e validationError) Unwrap() []error { return []error{errs.ErrValidation, e.ValidationErrors} }

// decode reads a JSON body into dst and validates its tags.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validationf("invalid JSON body: %v", err)
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return validationError{verrs}
		}
		return errs.Validationf("%v", err)
	}
	return nil
}

func pathInt(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validationf("%s must be a positive integer", name)
	}
	return id, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.FromString(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errs.Validationf("%s must be a uuid", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validationf("%s must be an integer", name)
	}
	return v, nil
}

func pageParams(r *http.Request) (page, size int, err error) {
	if page, err = queryInt(r, "page", 0); err != nil {
		return 0, 0, err
	}
	if size, err = queryInt(r, "size", 0); err != nil {
		return 0, 0, err
	}
	return page, size, nil
}

