package engine

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/clock"
	"github.com/holon-run/turnhub/pkg/rpc"
	"go.uber.org/zap"
)

const titleMaxRunes = 80

// Event methods emitted by the engine itself (the rest mirror upstream
// notification names).
const (
	MethodHello           = "hub/hello"
	MethodState           = "hub/state"
	MethodTurnStarted     = "turn/started"
	MethodTurnCompleted   = "turn/completed"
	MethodPlanUpdated     = "turn/plan/updated"
	MethodDiffUpdated     = "turn/diff/updated"
	MethodTurnSteered     = "turn/steered"
	MethodItemStarted     = "item/started"
	MethodItemCompleted   = "item/completed"
	MethodAgentDelta      = "item/agentMessage/delta"
	MethodCommandApproval = "item/commandExecution/requestApproval"
	MethodFileApproval    = "item/fileChange/requestApproval"
	MethodApprovalDecided = "approval/decided"
)

// pendingRef routes a decision back to the upstream call awaiting it.
type pendingRef struct {
	rpcID    rpc.RequestID
	turnID   string
	threadID string
}

// state is the thread/turn/approval model shared by both backends. Every
// field is guarded by mu; methods with the Locked suffix expect it held.
type state struct {
	clock  clock.Clock
	log    *zap.SugaredLogger
	broker *broker

	mu          sync.Mutex
	threads     map[string]*Thread
	turns       map[string]*Turn
	threadTurns map[string][]string
	approvals   map[string]*Approval
	pending     map[string]pendingRef
	// starting holds the access mode of each thread's in-flight send.
	starting map[string]AccessMode
	// abandoned are upstream approval calls whose turn ended undecided.
	// The owner answers them after releasing mu.
	abandoned []rpc.RequestID
}

func newState(clk clock.Clock, log *zap.SugaredLogger) *state {
	return &state{
		clock:       clk,
		log:         log,
		broker:      newBroker(log),
		threads:     make(map[string]*Thread),
		turns:       make(map[string]*Turn),
		threadTurns: make(map[string][]string),
		approvals:   make(map[string]*Approval),
		pending:     make(map[string]pendingRef),
		starting:    make(map[string]AccessMode),
	}
}

func (s *state) now() time.Time { return s.clock.Now().UTC() }

func titleFrom(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:titleMaxRunes-1]) + "…"
}

// reserveStartLocked evaluates CanStartTurn and, when allowed, marks the
// thread as starting so a concurrent send cannot race past the BUSY check
// while the upstream call is in flight.
func (s *state) reserveStartLocked(threadID string, in StartTurnInput) error {
	guard := CanStartTurn(StartTurnContext{
		ThreadID:     threadID,
		Text:         in.Text,
		AccessMode:   in.AccessMode,
		ActiveTurnID: s.activeTurnIDLocked(threadID),
		Starting:     s.startingLocked(threadID),
	})
	if err := guard.Error(); err != nil {
		return err
	}
	s.starting[threadID] = in.AccessMode
	return nil
}

func (s *state) startingLocked(threadID string) bool {
	_, ok := s.starting[threadID]
	return ok
}

func (s *state) releaseStart(threadIDs ...string) {
	s.mu.Lock()
	for _, id := range threadIDs {
		delete(s.starting, id)
	}
	s.mu.Unlock()
}

// accessModeLocked is the mode for a turn the upstream announces on
// threadID: the in-flight send's mode if there is one, else fallback.
func (s *state) accessModeLocked(threadID string, fallback AccessMode) AccessMode {
	if mode, ok := s.starting[threadID]; ok {
		return mode
	}
	return fallback
}

func (s *state) activeTurnIDLocked(threadID string) string {
	th, ok := s.threads[threadID]
	if !ok || th.ActiveTurnID == nil {
		return ""
	}
	return *th.ActiveTurnID
}

func (s *state) ensureThreadLocked(id, title string) *Thread {
	th, ok := s.threads[id]
	if ok {
		if th.Title == "" && title != "" {
			th.Title = titleFrom(title)
		}
		return th
	}
	now := s.now()
	th = &Thread{
		ID:        id,
		Title:     titleFrom(title),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusIdle,
	}
	s.threads[id] = th
	return th
}

// createTurnLocked records a turn started by a local send. When the
// upstream already announced the same turn, the existing record is filled in
// instead of emitting a second turn/started.
func (s *state) createTurnLocked(threadID, turnID string, in StartTurnInput) *Turn {
	th := s.ensureThreadLocked(threadID, in.Text)
	if t, ok := s.turns[turnID]; ok {
		if t.UserText == "" {
			t.UserText = in.Text
		}
		t.AccessMode = in.AccessMode
		if t.ModelID == "" {
			t.ModelID = in.ModelID
		}
		return t
	}
	t := &Turn{
		ID:         turnID,
		ThreadID:   th.ID,
		Status:     StatusRunning,
		AccessMode: in.AccessMode,
		ModelID:    in.ModelID,
		UserText:   in.Text,
		StartedAt:  s.now(),
		Plan:       []PlanStep{},
		Approvals:  []*Approval{},
		Steers:     []Steer{},
	}
	s.addTurnLocked(th, t)
	s.emitLocked(t, MethodTurnStarted, map[string]interface{}{"turn": t.clone()})
	return t
}

// ensureTurnLocked returns the turn, creating it for turns that the upstream
// announces on its own.
func (s *state) ensureTurnLocked(threadID, turnID string, mode AccessMode) (*Turn, bool) {
	if t, ok := s.turns[turnID]; ok {
		return t, false
	}
	th := s.ensureThreadLocked(threadID, "")
	t := &Turn{
		ID:         turnID,
		ThreadID:   th.ID,
		Status:     StatusRunning,
		AccessMode: mode,
		StartedAt:  s.now(),
		Plan:       []PlanStep{},
		Approvals:  []*Approval{},
		Steers:     []Steer{},
	}
	s.addTurnLocked(th, t)
	return t, true
}

func (s *state) addTurnLocked(th *Thread, t *Turn) {
	s.turns[t.ID] = t
	s.threadTurns[th.ID] = append(s.threadTurns[th.ID], t.ID)
	id := t.ID
	th.ActiveTurnID = &id
	th.Status = t.Status
	th.UpdatedAt = t.StartedAt
}

// setStatusLocked moves a non-terminal turn to st and mirrors it onto its
// thread. It returns false, changing nothing, for terminal turns.
func (s *state) setStatusLocked(t *Turn, st Status) bool {
	if t.Status.Terminal() {
		return false
	}
	now := s.now()
	t.Status = st
	th := s.threads[t.ThreadID]
	if st.Terminal() {
		t.CompletedAt = &now
	}
	if th != nil {
		th.Status = st
		th.UpdatedAt = now
		if st.Terminal() {
			if th.ActiveTurnID != nil && *th.ActiveTurnID == t.ID {
				th.ActiveTurnID = nil
			}
		} else {
			id := t.ID
			th.ActiveTurnID = &id
		}
	}
	return true
}

// finishLocked makes t terminal and emits turn/completed. Pending approvals
// of the turn can no longer be decided; their upstream calls are queued on
// abandoned.
func (s *state) finishLocked(t *Turn, st Status, errMsg string) bool {
	if !s.setStatusLocked(t, st) {
		return false
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	for id, ref := range s.pending {
		if ref.turnID != t.ID {
			continue
		}
		delete(s.pending, id)
		if !ref.rpcID.IsZero() {
			s.abandoned = append(s.abandoned, ref.rpcID)
		}
	}
	s.emitLocked(t, MethodTurnCompleted, map[string]interface{}{"turn": t.clone()})
	s.broker.release(t.ID)
	return true
}

// connectionLostLocked forgets every pending reference, since their rpc ids
// belonged to the dropped connection, and fails every unfinished turn.
func (s *state) connectionLostLocked(reason string) []string {
	s.pending = make(map[string]pendingRef)
	var failed []string
	for _, t := range s.turns {
		if s.finishLocked(t, StatusFailed, reason) {
			failed = append(failed, t.ID)
		}
	}
	sort.Strings(failed)
	return failed
}

func (s *state) takeAbandonedLocked() []rpc.RequestID {
	ids := s.abandoned
	s.abandoned = nil
	return ids
}

func (s *state) touchLocked(t *Turn) {
	if th := s.threads[t.ThreadID]; th != nil {
		th.UpdatedAt = s.now()
	}
}

func (s *state) emitLocked(t *Turn, method string, params interface{}) {
	s.broker.publish(s.now(), t.ThreadID, t.ID, method, params)
}

// resolveTurnLocked finds the turn an upstream event concerns: its explicit
// turn id, else the thread's active turn, else the thread's most recently
// started turn.
func (s *state) resolveTurnLocked(ev upstreamEvent) *Turn {
	if ev.TurnID != "" {
		if t, ok := s.turns[ev.TurnID]; ok {
			return t
		}
		return nil
	}
	if ev.ThreadID == "" {
		return nil
	}
	if id := s.activeTurnIDLocked(ev.ThreadID); id != "" {
		return s.turns[id]
	}
	ids := s.threadTurns[ev.ThreadID]
	if len(ids) == 0 {
		return nil
	}
	return s.turns[ids[len(ids)-1]]
}

// addApprovalLocked records an approval request. With auto set the approval
// is recorded as already approved by the session policy and nothing is left
// pending; otherwise the turn waits for a human.
func (s *state) addApprovalLocked(t *Turn, kind ApprovalKind, ev upstreamEvent, rpcID rpc.RequestID, auto bool) *Approval {
	now := s.now()
	a := &Approval{
		ID:          uuid.NewString(),
		ItemID:      ev.ItemID,
		Kind:        kind,
		Status:      ApprovalPending,
		Reason:      ev.Reason,
		Command:     ev.Command,
		RequestedAt: now,
		Details:     ev.Params,
	}
	if t != nil {
		a.TurnID = t.ID
		a.ThreadID = t.ThreadID
		t.Approvals = append(t.Approvals, a)
	} else {
		a.TurnID = ev.TurnID
		a.ThreadID = ev.ThreadID
	}
	s.approvals[a.ID] = a

	if auto {
		a.Status = ApprovalApproved
		a.DecidedAt = &now
		a.DecisionSource = SourceSessionAuto
	} else {
		s.pending[a.ID] = pendingRef{rpcID: rpcID, turnID: a.TurnID, threadID: a.ThreadID}
		if t != nil {
			s.setStatusLocked(t, StatusWaitingApproval)
		}
	}

	if t != nil {
		method := MethodCommandApproval
		if kind == KindFileChange {
			method = MethodFileApproval
		}
		s.emitLocked(t, method, map[string]interface{}{"approval": a.clone(), "turnStatus": t.Status})
	}
	return a
}

// takePendingLocked removes and returns the pending reference. The lookup
// and delete happen under one lock hold, so of two concurrent deciders only
// the first finds it.
func (s *state) takePendingLocked(approvalID string) (pendingRef, error) {
	ref, ok := s.pending[approvalID]
	if !ok {
		return pendingRef{}, apierror.New(apierror.NotFound, "approval %s not found or already decided", approvalID)
	}
	delete(s.pending, approvalID)
	return ref, nil
}

// restorePendingLocked puts a reference back after its reply could not be
// delivered, unless the turn ended meanwhile.
func (s *state) restorePendingLocked(approvalID string, ref pendingRef) {
	if t, ok := s.turns[ref.turnID]; ok && t.Status.Terminal() {
		return
	}
	s.pending[approvalID] = ref
}

func (s *state) recordDecisionLocked(approvalID string, decision Decision, source DecisionSource) Approval {
	a := s.approvals[approvalID]
	now := s.now()
	if decision == DecisionApprove {
		a.Status = ApprovalApproved
	} else {
		a.Status = ApprovalDenied
	}
	a.DecidedAt = &now
	a.DecisionSource = source

	if t, ok := s.turns[a.TurnID]; ok {
		if t.Status == StatusWaitingApproval && s.pendingForTurnLocked(t.ID) == 0 {
			s.setStatusLocked(t, StatusRunning)
		}
		s.emitLocked(t, MethodApprovalDecided, map[string]interface{}{"approval": a.clone(), "turnStatus": t.Status})
	}
	return *a.clone()
}

func (s *state) pendingForTurnLocked(turnID string) int {
	n := 0
	for _, ref := range s.pending {
		if ref.turnID == turnID {
			n++
		}
	}
	return n
}

func (s *state) turnGuardLocked(turnID string) TurnContext {
	t, ok := s.turns[turnID]
	ctx := TurnContext{TurnID: turnID, Exists: ok}
	if ok {
		ctx.Status = t.Status
	}
	return ctx
}

func (s *state) steerLocked(t *Turn, text string) {
	steer := Steer{Text: text, At: s.now()}
	t.Steers = append(t.Steers, steer)
	s.touchLocked(t)
	s.emitLocked(t, MethodTurnSteered, map[string]interface{}{"steer": steer})
}

func (s *state) listThreads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, th.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *state) threadDetailLocked(id string) (ThreadDetail, bool) {
	th, ok := s.threads[id]
	if !ok {
		return ThreadDetail{}, false
	}
	detail := ThreadDetail{Thread: th.clone(), Turns: []Turn{}}
	for _, turnID := range s.threadTurns[id] {
		if t, ok := s.turns[turnID]; ok {
			detail.Turns = append(detail.Turns, t.clone())
		}
	}
	return detail, true
}

func (s *state) turnSnapshot(turnID string) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return Turn{}, false
	}
	return t.clone(), true
}

func (s *state) subscribe(turnID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return nil, apierror.New(apierror.NotFound, "turn %s not found", turnID)
	}
	var th Thread
	if thread, ok := s.threads[t.ThreadID]; ok {
		th = thread.clone()
	}
	sub, seq := s.broker.subscribe(turnID)
	var once sync.Once
	return &Subscription{
		State:  TurnState{Thread: th, Turn: t.clone()},
		Seq:    seq,
		Events: sub.ch,
		close: func() {
			once.Do(func() { s.broker.unsubscribe(turnID, sub) })
		},
	}, nil
}
