package engine

import (
	"fmt"
	"strings"

	"github.com/holon-run/turnhub/pkg/apierror"
)

// Guards are pure functions over a snapshot of the facts they need. Both
// backends evaluate them under the engine lock before any upstream call.

// GuardResult is the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Code    apierror.Code
	Reason  string
}

// Error converts a refusal into an API error.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return apierror.New(r.Code, "%s", r.Reason)
}

func allow() GuardResult { return GuardResult{Allowed: true} }

func deny(code apierror.Code, format string, args ...interface{}) GuardResult {
	return GuardResult{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StartTurnContext carries the facts CanStartTurn checks.
type StartTurnContext struct {
	ThreadID     string
	Text         string
	AccessMode   AccessMode
	ActiveTurnID string
	Starting     bool
}

// CanStartTurn rules:
// - text must be non-blank
// - access mode, when given, must be known
// - the thread must not have an active (or starting) turn
func CanStartTurn(ctx StartTurnContext) GuardResult {
	if strings.TrimSpace(ctx.Text) == "" {
		return deny(apierror.InvalidInput, "text is required")
	}
	if ctx.AccessMode != "" && !ctx.AccessMode.Valid() {
		return deny(apierror.InvalidInput, "accessMode must be %q or %q", AccessPlanOnly, AccessFullAccess)
	}
	if ctx.ActiveTurnID != "" {
		return deny(apierror.Busy, "thread %s already has an active turn %s", ctx.ThreadID, ctx.ActiveTurnID)
	}
	if ctx.Starting {
		return deny(apierror.Busy, "thread %s is already starting a turn", ctx.ThreadID)
	}
	return allow()
}

// TurnContext carries the facts the interrupt and steer guards check.
type TurnContext struct {
	TurnID string
	Exists bool
	Status Status
}

// CanInterrupt requires a known, non-terminal turn.
func CanInterrupt(ctx TurnContext) GuardResult {
	if !ctx.Exists {
		return deny(apierror.NotFound, "turn %s not found", ctx.TurnID)
	}
	if ctx.Status.Terminal() {
		return deny(apierror.InvalidState, "turn %s is already %s", ctx.TurnID, ctx.Status)
	}
	return allow()
}

// CanSteer requires non-blank text and a known, non-terminal turn.
func CanSteer(ctx TurnContext, text string) GuardResult {
	if strings.TrimSpace(text) == "" {
		return deny(apierror.InvalidInput, "text is required")
	}
	return CanInterrupt(ctx)
}

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionDeny:
		return d, nil
	default:
		return "", apierror.New(apierror.InvalidInput, "decision must be %q or %q", DecisionApprove, DecisionDeny)
	}
}

// IsDraftThread reports whether id is the placeholder a client uses before
// the first message creates a real thread.
func IsDraftThread(id string) bool {
	return id == "draft" || strings.HasPrefix(id, "draft-") || strings.HasPrefix(id, "draft:")
}
