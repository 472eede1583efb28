// Package apierror maps failures onto HTTP responses.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotFound
	KindForbidden
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a caller-facing message and, for upstream and internal
// failures, the cause that is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, apierror.ErrForbidden).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrBadRequest = &Error{Kind: KindBadRequest}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrForbidden  = &Error{Kind: KindForbidden}
	ErrUpstream   = &Error{Kind: KindUpstream}
	ErrInternal   = &Error{Kind: KindInternal}
)

func BadRequest(message string) *Error {
	return &Error{Kind: KindBadRequest, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Forbidden is returned when the session identity does not own the resource.
func Forbidden() *Error {
	return &Error{Kind: KindForbidden, Message: "Unauthorized"}
}

func Upstream(err error) *Error {
	return &Error{Kind: KindUpstream, Message: "Error processing chat message", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "Internal Server Error", Err: err}
}

// From converts any error into an *Error, treating unknown errors as internal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}

type response struct {
	Detail string `json:"detail"`
}

// Write sends err to the client as {"detail": ...}. Upstream and internal
// causes are logged but never included in the response.
func Write(w http.ResponseWriter, logger *zap.Logger, err error) {
	apiErr := From(err)

	switch apiErr.Kind {
	case KindUpstream, KindInternal:
		logger.Error(apiErr.Message, zap.String("kind", apiErr.Kind.String()), zap.Error(apiErr.Err))
	default:
		logger.Debug("request rejected", zap.String("kind", apiErr.Kind.String()), zap.String("detail", apiErr.Message))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Kind.Status())
	_ = json.NewEncoder(w).Encode(response{Detail: apiErr.Message})
}
