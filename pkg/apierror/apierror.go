// Package apierror is the error vocabulary shared by the bridge and the hub
// HTTP surfaces.
package apierror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Code is the machine-readable error class returned to API callers.
type Code string

const (
	NotFound         Code = "NOT_FOUND"
	Busy             Code = "BUSY"
	InvalidState     Code = "INVALID_STATE"
	InvalidInput     Code = "INVALID_INPUT"
	Unauthorized     Code = "UNAUTHORIZED"
	OriginNotAllowed Code = "ORIGIN_NOT_ALLOWED"
	RateLimited      Code = "RATE_LIMITED"
	UpstreamError    Code = "UPSTREAM_ERROR"
	InternalError    Code = "INTERNAL_ERROR"
)

// Error carries a Code plus a human-readable message and an optional cause.
type Error struct {
	Code         Code
	Message      string
	RetryAfterMs int64
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the Code carried by err, or INTERNAL_ERROR.
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return InternalError
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a Code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case NotFound:
		return http.StatusNotFound
	case Busy, InvalidState:
		return http.StatusConflict
	case InvalidInput:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case OriginNotAllowed:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON shape of an error response.
type Body struct {
	Error Detail `json:"error"`
}

type Detail struct {
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Write renders err as a JSON error response. Errors without a Code are
// reported as INTERNAL_ERROR with a generic message.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = &Error{Code: InternalError, Message: "internal error", Err: err}
	}
	if apiErr.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((apiErr.RetryAfterMs+999)/1000, 10))
	}
	WriteJSON(w, HTTPStatus(apiErr.Code), Body{Error: Detail{
		Code:         apiErr.Code,
		Message:      apiErr.Message,
		RetryAfterMs: apiErr.RetryAfterMs,
	}})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// MaxBodyBytes bounds request bodies read by DecodeBody.
const MaxBodyBytes = 1 << 20

// DecodeBody reads a JSON request body into out. Empty, oversized or
// malformed bodies are INVALID_INPUT.
func DecodeBody(r *http.Request, out interface{}) error {
	present, err := DecodeOptionalBody(r, out)
	if err != nil {
		return err
	}
	if !present {
		return New(InvalidInput, "request body is required")
	}
	return nil
}

// DecodeOptionalBody is DecodeBody for endpoints where the body may be
// omitted. It reports false, leaving out untouched, when the body is empty
// or whitespace, whatever Content-Length or Transfer-Encoding said.
func DecodeOptionalBody(r *http.Request, out interface{}) (bool, error) {
	if r.Body == nil {
		return false, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return false, Wrap(InvalidInput, err, "failed to read request body")
	}
	if len(data) > MaxBodyBytes {
		return false, New(InvalidInput, "request body is too large")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, Wrap(InvalidInput, err, "request body must be valid JSON")
	}
	return true, nil
}
