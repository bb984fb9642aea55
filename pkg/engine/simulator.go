package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/clock"
	"github.com/holon-run/turnhub/pkg/rpc"
)

const defaultStepDelay = 400 * time.Millisecond

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	Settings

	// StepDelay separates scripted events. Zero means 400ms.
	StepDelay time.Duration
}

type simStepKind int

const (
	simPlan simStepKind = iota
	simDelta
	simApproval
	simDiff
)

type simStep struct {
	kind simStepKind
	text string
}

// simRun is the script position of one simulated turn.
type simRun struct {
	steps   []simStep
	next    int
	waiting bool
	timer   *clock.Timer
}

// Simulator is a Backend that needs no app-server. Every turn plays a fixed
// script: plan, streamed reply, one command approval, diff, completion. The
// approval follows the same policy as the real backend.
type Simulator struct {
	cfg       SimulatorConfig
	st        *state
	startedAt time.Time

	// guarded by st.mu
	runs   map[string]*simRun
	closed bool
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	cfg.setDefaults("simulator")
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = defaultStepDelay
	}
	st := newState(cfg.Clock, cfg.Logger)
	return &Simulator{
		cfg:       cfg,
		st:        st,
		startedAt: st.now(),
		runs:      make(map[string]*simRun),
	}
}

func (s *Simulator) Meta(_ context.Context) Meta {
	return s.cfg.meta(BackendSimulated, s.startedAt)
}

func (s *Simulator) ListThreads(_ context.Context) ([]Thread, error) {
	return s.st.listThreads(), nil
}

func (s *Simulator) GetThread(_ context.Context, threadID string) (ThreadDetail, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	detail, ok := s.st.threadDetailLocked(threadID)
	if !ok {
		return ThreadDetail{}, apierror.New(apierror.NotFound, "thread %s not found", threadID)
	}
	return detail, nil
}

func (s *Simulator) StartTurn(_ context.Context, threadID string, in StartTurnInput) (TurnState, error) {
	in = s.cfg.applyDefaults(in)

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.closed {
		return TurnState{}, apierror.New(apierror.UpstreamError, "simulator is closed")
	}
	if err := s.st.reserveStartLocked(threadID, in); err != nil {
		return TurnState{}, err
	}
	delete(s.st.starting, threadID)

	if IsDraftThread(threadID) {
		threadID = uuid.NewString()
	}
	t := s.st.createTurnLocked(threadID, uuid.NewString(), in)
	run := &simRun{steps: simScript(in.Text)}
	s.runs[t.ID] = run
	s.scheduleLocked(t.ID, run)
	s.cfg.Logger.Infow("simulated turn started", "thread_id", threadID, "turn_id", t.ID)
	return TurnState{Thread: s.st.threads[threadID].clone(), Turn: t.clone()}, nil
}

func simScript(text string) []simStep {
	reply := fmt.Sprintf("Working on %q. I will inspect the workspace, run the tests and summarize the change.", titleFrom(text))
	steps := []simStep{{kind: simPlan}}
	for _, word := range strings.SplitAfter(reply, " ") {
		steps = append(steps, simStep{kind: simDelta, text: word})
	}
	return append(steps, simStep{kind: simApproval, text: "go test ./..."}, simStep{kind: simDiff})
}

func (s *Simulator) scheduleLocked(turnID string, run *simRun) {
	run.timer = s.st.clock.AfterFunc(s.cfg.StepDelay, func() { s.advance(turnID, run) })
}

// advance plays the next scripted step of a turn.
func (s *Simulator) advance(turnID string, run *simRun) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	t, ok := s.st.turns[turnID]
	if !ok || s.runs[turnID] != run || t.Status.Terminal() {
		return
	}
	if run.next >= len(run.steps) {
		delete(s.runs, turnID)
		s.st.finishLocked(t, StatusCompleted, "")
		return
	}
	step := run.steps[run.next]
	run.next++

	switch step.kind {
	case simPlan:
		t.Plan = []PlanStep{
			{ID: "step-1", Text: "Inspect the workspace", Status: "completed"},
			{ID: "step-2", Text: "Run the test suite", Status: "inProgress"},
			{ID: "step-3", Text: "Summarize the change", Status: "pending"},
		}
		s.st.touchLocked(t)
		s.st.emitLocked(t, MethodPlanUpdated, map[string]interface{}{"plan": t.Plan})
	case simDelta:
		t.AssistantText += step.text
		s.st.emitLocked(t, MethodAgentDelta, map[string]interface{}{"itemId": "msg-" + turnID, "delta": step.text})
	case simApproval:
		ev := upstreamEvent{
			ThreadID: t.ThreadID,
			TurnID:   t.ID,
			ItemID:   "cmd-" + turnID,
			Command:  step.text,
			Reason:   "run the test suite",
		}
		auto := s.cfg.AutoApprove && t.AccessMode == AccessFullAccess
		s.st.addApprovalLocked(t, KindCommandExecution, ev, rpc.RequestID{}, auto)
		if !auto {
			run.waiting = true
			return
		}
	case simDiff:
		t.Diff = "--- a/README.md\n+++ b/README.md\n@@ -1 +1,2 @@\n # workspace\n+Simulated change.\n"
		s.st.touchLocked(t)
		s.st.emitLocked(t, MethodDiffUpdated, map[string]interface{}{"diff": t.Diff})
	}
	s.scheduleLocked(turnID, run)
}

func (s *Simulator) InterruptTurn(_ context.Context, turnID string) (Turn, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if err := CanInterrupt(s.st.turnGuardLocked(turnID)).Error(); err != nil {
		return Turn{}, err
	}
	s.stopRunLocked(turnID)
	t := s.st.turns[turnID]
	s.st.finishLocked(t, StatusInterrupted, "")
	return t.clone(), nil
}

func (s *Simulator) SteerTurn(_ context.Context, turnID string, in SteerInput) (Turn, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if err := CanSteer(s.st.turnGuardLocked(turnID), in.Text).Error(); err != nil {
		return Turn{}, err
	}
	t := s.st.turns[turnID]
	s.st.steerLocked(t, in.Text)
	return t.clone(), nil
}

func (s *Simulator) DecideApproval(_ context.Context, approvalID string, decision Decision) (Approval, error) {
	decision, err := ParseDecision(string(decision))
	if err != nil {
		return Approval{}, err
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	ref, err := s.st.takePendingLocked(approvalID)
	if err != nil {
		return Approval{}, err
	}
	a := s.st.recordDecisionLocked(approvalID, decision, SourceUser)

	if run, ok := s.runs[ref.turnID]; ok && run.waiting && s.st.pendingForTurnLocked(ref.turnID) == 0 {
		run.waiting = false
		if decision == DecisionDeny {
			// drop the diff; the command never ran
			run.steps = append(run.steps[:run.next:run.next], simStep{kind: simDelta, text: " Skipped the command."})
		}
		s.scheduleLocked(ref.turnID, run)
	}
	return a, nil
}

func (s *Simulator) Subscribe(turnID string) (*Subscription, error) {
	return s.st.subscribe(turnID)
}

func (s *Simulator) stopRunLocked(turnID string) {
	if run, ok := s.runs[turnID]; ok {
		if run.timer != nil {
			run.timer.Stop()
		}
		delete(s.runs, turnID)
	}
}

// Close stops every scripted turn. Turns stay in their current state.
func (s *Simulator) Close() error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.closed = true
	for id := range s.runs {
		s.stopRunLocked(id)
	}
	return nil
}
