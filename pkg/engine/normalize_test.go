package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/rpc"
)

func TestParseUpstreamEventFieldVariants(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		params     string
		wantThread string
		wantTurn   string
		wantItem   string
		wantStatus string
	}{
		{
			name:       "camel case",
			method:     "item/agentMessage/delta",
			params:     `{"threadId":"th","turnId":"tu","itemId":"it","delta":"x"}`,
			wantThread: "th", wantTurn: "tu", wantItem: "it",
		},
		{
			name:       "snake case",
			method:     "item/agentMessage/delta",
			params:     `{"thread_id":"th","turn_id":"tu","item_id":"it"}`,
			wantThread: "th", wantTurn: "tu", wantItem: "it",
		},
		{
			name:       "nested turn",
			method:     "turn/completed",
			params:     `{"threadId":"th","turn":{"id":"tu","status":"completed"}}`,
			wantThread: "th", wantTurn: "tu", wantStatus: "completed",
		},
		{
			name:       "turn carries thread",
			method:     "turn/started",
			params:     `{"turn":{"id":"tu","threadId":"th","status":{"type":"inProgress"}}}`,
			wantThread: "th", wantTurn: "tu", wantStatus: "inProgress",
		},
		{
			name:       "conversation id and call id",
			method:     "execCommandApproval",
			params:     `{"conversationId":"th","callId":"c1","command":["ls","-la"]}`,
			wantThread: "th", wantItem: "c1",
		},
		{
			name:       "thread object",
			method:     "thread/started",
			params:     `{"thread":{"id":"th","name":"n"}}`,
			wantThread: "th",
		},
		{
			name:       "state field",
			method:     "turn/completed",
			params:     `{"turnId":"tu","state":"cancelled"}`,
			wantTurn:   "tu",
			wantStatus: "cancelled",
		},
		{
			name:   "null params",
			method: "turn/completed",
			params: `null`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := parseUpstreamEvent(tt.method, json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("parseUpstreamEvent() error = %v", err)
			}
			if ev.ThreadID != tt.wantThread || ev.TurnID != tt.wantTurn || ev.ItemID != tt.wantItem {
				t.Errorf("ids = %q/%q/%q, want %q/%q/%q", ev.ThreadID, ev.TurnID, ev.ItemID, tt.wantThread, tt.wantTurn, tt.wantItem)
			}
			if ev.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", ev.Status, tt.wantStatus)
			}
		})
	}
}

func TestParseUpstreamEventContent(t *testing.T) {
	ev, err := parseUpstreamEvent("item/completed", json.RawMessage(`{"turnId":"tu","item":{"type":"agentMessage","text":"done"}}`))
	if err != nil {
		t.Fatalf("parseUpstreamEvent() error = %v", err)
	}
	if ev.ItemType != "agentMessage" || ev.ItemText != "done" {
		t.Errorf("item = %q/%q, want agentMessage/done", ev.ItemType, ev.ItemText)
	}

	ev, _ = parseUpstreamEvent("execCommandApproval", json.RawMessage(`{"command":["go","vet"],"reason":"lint"}`))
	if ev.Command != "go vet" || ev.Reason != "lint" {
		t.Errorf("command/reason = %q/%q", ev.Command, ev.Reason)
	}

	ev, _ = parseUpstreamEvent("turn/plan/updated", json.RawMessage(`{"plan":[]}`))
	if !ev.HasPlan || len(ev.Plan) != 0 {
		t.Errorf("empty plan = %v/%v, want present and empty", ev.HasPlan, ev.Plan)
	}

	if _, err := parseUpstreamEvent("turn/started", json.RawMessage(`[1,2]`)); err == nil {
		t.Error("parseUpstreamEvent(array) error = nil, want error")
	}
}

func TestMapUpstreamStatus(t *testing.T) {
	tests := []struct {
		in     string
		want   Status
		wantOK bool
	}{
		{"inProgress", StatusRunning, true},
		{"in_progress", StatusRunning, true},
		{"ACTIVE", StatusRunning, true},
		{"completed", StatusCompleted, true},
		{"succeeded", StatusCompleted, true},
		{"canceled", StatusInterrupted, true},
		{"aborted", StatusInterrupted, true},
		{"errored", StatusFailed, true},
		{"waitingApproval", StatusWaitingApproval, true},
		{"waiting_approval", StatusWaitingApproval, true},
		{"notLoaded", StatusIdle, true},
		{" idle ", StatusIdle, true},
		{"teleporting", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := MapUpstreamStatus(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("MapUpstreamStatus(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestClassifyUpstreamError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apierror.Code
	}{
		{name: "transport closed", err: rpc.ErrTransportClosed, want: apierror.UpstreamError},
		{name: "wrapped transport closed", err: fmt.Errorf("write: %w", rpc.ErrTransportClosed), want: apierror.UpstreamError},
		{name: "deadline", err: context.DeadlineExceeded, want: apierror.UpstreamError},
		{name: "invalid params code", err: &rpc.Error{Code: rpc.ErrCodeInvalidParams, Message: "bad"}, want: apierror.InvalidInput},
		{name: "no rollout", err: &rpc.Error{Code: -32000, Message: "No rollout found for thread"}, want: apierror.NotFound},
		{name: "thread not found", err: &rpc.Error{Code: -32000, Message: "thread not found: x"}, want: apierror.NotFound},
		{name: "busy", err: &rpc.Error{Code: -32000, Message: "thread already has an active turn"}, want: apierror.Busy},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: apierror.UpstreamError},
		{name: "already typed", err: apierror.New(apierror.InvalidState, "x"), want: apierror.InvalidState},
		{name: "unknown", err: errors.New("kaboom"), want: apierror.InternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyUpstreamError("op", tt.err)
			if code := apierror.CodeOf(got); code != tt.want {
				t.Errorf("classifyUpstreamError() code = %s, want %s", code, tt.want)
			}
			if !errors.Is(got, tt.err) && tt.name != "already typed" {
				t.Errorf("classifyUpstreamError() lost the cause: %v", got)
			}
		})
	}
	if classifyUpstreamError("op", nil) != nil {
		t.Error("classifyUpstreamError(nil) != nil")
	}
}

func TestIsMethodNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&rpc.Error{Code: rpc.ErrCodeMethodNotFound, Message: "x"}, true},
		{&rpc.Error{Code: -32000, Message: "unknown variant `thread/start`"}, true},
		{fmt.Errorf("call: %w", &rpc.Error{Code: rpc.ErrCodeMethodNotFound}), true},
		{&rpc.Error{Code: -32000, Message: "busy"}, false},
		{errors.New("method not found"), false},
	}
	for _, tt := range tests {
		if got := isMethodNotFound(tt.err); got != tt.want {
			t.Errorf("isMethodNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
