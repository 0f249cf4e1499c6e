package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "Not found", http.StatusNotFound)
	ErrPasteExpired       = NewErr("PASTE_EXPIRED", "Expired", http.StatusNotFound)
	ErrViewLimitExceeded  = NewErr("VIEW_LIMIT_EXCEEDED", "View limit exceeded", http.StatusNotFound)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request body", http.StatusBadRequest)
	ErrPasteTooLarge      = NewValidationErr("content", "content exceeds maximum size")
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrContention         = NewErr("CONTENTION", "too much contention on paste", http.StatusInternalServerError)
)

// Store-level signals. They are handled inside the paste service and only
// reach a client as an internal error once the retry budget is spent.
var (
	ErrConflict         = errors.New("paste changed since it was loaded")
	ErrIDCollision      = errors.New("paste id already in use")
	ErrStoreUnavailable = errors.New("paste store unavailable")
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Field  string `json:"field,omitempty"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// NewValidationErr reports a malformed create request; msg names the field.
func NewValidationErr(field, msg string) *Err {
	return &Err{Code: "VALIDATION_FAILED", Msg: msg, Field: field, Status: http.StatusBadRequest}
}

func asErr(err error) (*Err, bool) {
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Message is the client-facing text for err. Anything that is not a
// domain error is reported as a generic internal error.
func Message(err error) string {
	e, ok := asErr(err)
	if !ok || e.Status >= http.StatusInternalServerError {
		return ErrInternalServer.Msg
	}
	return e.Msg
}

func IsValidation(err error) bool {
	e, ok := asErr(err)
	return ok && e.Status == http.StatusBadRequest
}

// IsNotFound reports whether err is one of the not-found outcomes.
func IsNotFound(err error) bool {
	e, ok := asErr(err)
	return ok && e.Status == http.StatusNotFound
}
