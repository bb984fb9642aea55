// Package engine reconciles app-server traffic into a thread/turn/approval
// state machine and enforces the approval policy. Two backends share the
// same state and guards: Store drives a real app-server over JSON-RPC and
// Simulator fabricates turns on a clock.
package engine

import (
	"context"
	"encoding/json"

	"github.com/holon-run/turnhub/pkg/rpc"
)

// Backend is what the bridge server needs from an engine.
type Backend interface {
	Meta(ctx context.Context) Meta
	ListThreads(ctx context.Context) ([]Thread, error)
	GetThread(ctx context.Context, threadID string) (ThreadDetail, error)
	StartTurn(ctx context.Context, threadID string, in StartTurnInput) (TurnState, error)
	InterruptTurn(ctx context.Context, turnID string) (Turn, error)
	SteerTurn(ctx context.Context, turnID string, in SteerInput) (Turn, error)
	DecideApproval(ctx context.Context, approvalID string, decision Decision) (Approval, error)
	Subscribe(turnID string) (*Subscription, error)
}

// Upstream is the slice of *rpc.Client the Store uses.
type Upstream interface {
	Request(ctx context.Context, method string, params, out interface{}) error
	SendResponse(id rpc.RequestID, result interface{}) error
	SendErrorResponse(id rpc.RequestID, code int, message string, data interface{}) error
}

var (
	_ Backend     = (*Store)(nil)
	_ Backend     = (*Simulator)(nil)
	_ Upstream    = (*rpc.Client)(nil)
	_ rpc.Handler = (*Store)(nil)
)

// rawOrEmpty keeps forwarded upstream params valid JSON objects.
func rawOrEmpty(raw json.RawMessage) interface{} {
	if len(raw) == 0 || string(raw) == "null" {
		return struct{}{}
	}
	return raw
}
