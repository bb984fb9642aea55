package engine

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state shared by threads and turns.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusInterrupted     Status = "interrupted"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusInterrupted || s == StatusFailed
}

type AccessMode string

const (
	AccessPlanOnly   AccessMode = "plan-only"
	AccessFullAccess AccessMode = "full-access"
)

func (m AccessMode) Valid() bool { return m == AccessPlanOnly || m == AccessFullAccess }

type ApprovalKind string

const (
	KindCommandExecution ApprovalKind = "commandExecution"
	KindFileChange       ApprovalKind = "fileChange"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

type DecisionSource string

const (
	SourceUser        DecisionSource = "user"
	SourceSessionAuto DecisionSource = "session-auto"
)

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Thread is one conversation.
type Thread struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Status       Status    `json:"status"`
	ActiveTurnID *string   `json:"activeTurnId"`
}

// PlanStep is one entry of a turn's plan.
type PlanStep struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

// Steer is a mid-turn instruction.
type Steer struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Approval is a gated permission request raised during a turn.
type Approval struct {
	ID             string          `json:"id"`
	TurnID         string          `json:"turnId"`
	ThreadID       string          `json:"threadId"`
	ItemID         string          `json:"itemId,omitempty"`
	Kind           ApprovalKind    `json:"kind"`
	Status         ApprovalStatus  `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Command        string          `json:"command,omitempty"`
	RequestedAt    time.Time       `json:"requestedAt"`
	DecidedAt      *time.Time      `json:"decidedAt"`
	DecisionSource DecisionSource  `json:"decisionSource,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
}

// Turn is one request/response cycle inside a thread.
type Turn struct {
	ID            string      `json:"id"`
	ThreadID      string      `json:"threadId"`
	Status        Status      `json:"status"`
	AccessMode    AccessMode  `json:"accessMode"`
	ModelID       string      `json:"modelId,omitempty"`
	UserText      string      `json:"userText"`
	AssistantText string      `json:"assistantText"`
	StartedAt     time.Time   `json:"startedAt"`
	CompletedAt   *time.Time  `json:"completedAt"`
	Plan          []PlanStep  `json:"plan"`
	Diff          string      `json:"diff"`
	Approvals     []*Approval `json:"approvals"`
	Steers        []Steer     `json:"steers"`
	Error         string      `json:"error,omitempty"`
}

// ThreadDetail is a thread with its turns, oldest first.
type ThreadDetail struct {
	Thread
	Turns []Turn `json:"turns"`
}

// TurnState is the snapshot sent to a new stream subscriber.
type TurnState struct {
	Thread Thread `json:"thread"`
	Turn   Turn   `json:"turn"`
}

// StartTurnInput is the body of a send-message request.
type StartTurnInput struct {
	Text       string     `json:"text"`
	ModelID    string     `json:"modelId,omitempty"`
	AccessMode AccessMode `json:"accessMode,omitempty"`
}

type SteerInput struct {
	Text string `json:"text"`
}

type Workspace struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// Meta describes a bridge and its backend.
type Meta struct {
	BridgeID          string                 `json:"bridgeId,omitempty"`
	Backend           string                 `json:"backend"`
	Version           string                 `json:"version,omitempty"`
	AutoApprove       bool                   `json:"autoApprove"`
	DefaultAccessMode AccessMode             `json:"defaultAccessMode"`
	DefaultModel      string                 `json:"defaultModel,omitempty"`
	Workspace         Workspace              `json:"workspace"`
	StartedAt         time.Time              `json:"startedAt"`
	Upstream          map[string]interface{} `json:"upstream,omitempty"`
}

func (th *Thread) clone() Thread {
	out := *th
	if th.ActiveTurnID != nil {
		id := *th.ActiveTurnID
		out.ActiveTurnID = &id
	}
	return out
}

func (a *Approval) clone() *Approval {
	out := *a
	if a.DecidedAt != nil {
		at := *a.DecidedAt
		out.DecidedAt = &at
	}
	return &out
}

func (t *Turn) clone() Turn {
	out := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	out.Plan = append([]PlanStep{}, t.Plan...)
	out.Steers = append([]Steer{}, t.Steers...)
	out.Approvals = make([]*Approval, 0, len(t.Approvals))
	for _, a := range t.Approvals {
		out.Approvals = append(out.Approvals, a.clone())
	}
	return out
}
