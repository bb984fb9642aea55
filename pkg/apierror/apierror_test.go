package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{NotFound, http.StatusNotFound},
		{Busy, http.StatusConflict},
		{InvalidState, http.StatusConflict},
		{InvalidInput, http.StatusBadRequest},
		{Unauthorized, http.StatusUnauthorized},
		{OriginNotAllowed, http.StatusForbidden},
		{RateLimited, http.StatusTooManyRequests},
		{UpstreamError, http.StatusBadGateway},
		{InternalError, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestCodeOfWrapped(t *testing.T) {
	base := New(Busy, "thread %s has an active turn", "th-1")
	wrapped := fmt.Errorf("start turn: %w", base)
	if got := CodeOf(wrapped); got != Busy {
		t.Fatalf("CodeOf() = %s, want %s", got, Busy)
	}
	if !Is(wrapped, Busy) {
		t.Fatal("Is(wrapped, BUSY) = false")
	}
	if got := CodeOf(errors.New("plain")); got != InternalError {
		t.Fatalf("CodeOf(plain) = %s, want %s", got, InternalError)
	}
	if Is(nil, InternalError) {
		t.Fatal("Is(nil) = true")
	}
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, &Error{Code: RateLimited, Message: "slow down", RetryAfterMs: 1500})

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != RateLimited || body.Error.RetryAfterMs != 1500 {
		t.Fatalf("body = %+v", body)
	}
}

func TestWriteHidesUntypedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("dial tcp 10.0.0.1:9000: connection refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Message != "internal error" {
		t.Fatalf("message = %q, want generic text", body.Error.Message)
	}
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"object", `{"text":"hi"}`, false},
		{"empty", "", true},
		{"malformed", `{"text":`, true},
		{"too large", `{"text":"` + strings.Repeat("x", MaxBodyBytes) + `"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var out struct {
				Text string `json:"text"`
			}
			err := DecodeBody(req, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeBody() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && CodeOf(err) != InvalidInput {
				t.Errorf("CodeOf() = %s, want %s", CodeOf(err), InvalidInput)
			}
			if err == nil && out.Text != "hi" {
				t.Errorf("Text = %q, want hi", out.Text)
			}
		})
	}
}

func TestDecodeOptionalBody(t *testing.T) {
	tests := []struct {
		name        string
		body        io.Reader
		wantPresent bool
		wantErr     bool
	}{
		{name: "nil body"},
		{name: "unknown length empty", body: io.MultiReader()},
		{name: "whitespace", body: strings.NewReader("\n\t ")},
		{name: "object", body: strings.NewReader(`{"text":"hi"}`), wantPresent: true},
		{name: "malformed", body: strings.NewReader(`{"text":`), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", tt.body)
			var out struct {
				Text string `json:"text"`
			}
			present, err := DecodeOptionalBody(req, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeOptionalBody() error = %v, wantErr %v", err, tt.wantErr)
			}
			if present != tt.wantPresent {
				t.Errorf("present = %v, want %v", present, tt.wantPresent)
			}
			if present && out.Text != "hi" {
				t.Errorf("Text = %q, want hi", out.Text)
			}
		})
	}
}
