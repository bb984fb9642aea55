package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/clock"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"github.com/holon-run/turnhub/pkg/rpc"
	"go.uber.org/zap"
)

const (
	BackendAppServer = "appserver"
	BackendSimulated = "simulated"

	defaultRequestTimeout = 30 * time.Second
)

// approvalMethods maps server-initiated approval calls to their kind. The
// legacy names are still sent by older app-servers.
var approvalMethods = map[string]ApprovalKind{
	MethodCommandApproval: KindCommandExecution,
	MethodFileApproval:    KindFileChange,
	"execCommandApproval": KindCommandExecution,
	"applyPatchApproval":  KindFileChange,
}

// Settings are the per-bridge engine options shared by both backends.
type Settings struct {
	BridgeID          string
	Version           string
	AutoApprove       bool
	DefaultAccessMode AccessMode
	DefaultModel      string
	Workspace         Workspace

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

func (s *Settings) setDefaults(component string) {
	if s.DefaultAccessMode == "" {
		s.DefaultAccessMode = AccessPlanOnly
	}
	if s.Clock == nil {
		s.Clock = clock.Real()
	}
	if s.Logger == nil {
		s.Logger = holonlog.Named(component)
	}
}

// applyDefaults fills the model and access mode a send omitted.
func (s *Settings) applyDefaults(in StartTurnInput) StartTurnInput {
	if in.AccessMode == "" {
		in.AccessMode = s.DefaultAccessMode
	}
	if in.ModelID == "" {
		in.ModelID = s.DefaultModel
	}
	return in
}

func (s *Settings) meta(backend string, startedAt time.Time) Meta {
	return Meta{
		BridgeID:          s.BridgeID,
		Backend:           backend,
		Version:           s.Version,
		AutoApprove:       s.AutoApprove,
		DefaultAccessMode: s.DefaultAccessMode,
		DefaultModel:      s.DefaultModel,
		Workspace:         s.Workspace,
		StartedAt:         startedAt,
	}
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Settings

	// RequestTimeout bounds each upstream call. Zero means 30s.
	RequestTimeout time.Duration
	// UpstreamStatus, when set, is reported under Meta.Upstream.
	UpstreamStatus func() map[string]interface{}
}

// Store is the Backend over a live app-server. It is also the rpc.Handler
// for that connection.
type Store struct {
	cfg       StoreConfig
	up        Upstream
	log       *zap.SugaredLogger
	st        *state
	startedAt time.Time
}

// NewStore builds a Store. Register it with the rpc client using
// SetHandler before the client starts.
func NewStore(up Upstream, cfg StoreConfig) *Store {
	cfg.setDefaults("engine")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	st := newState(cfg.Clock, cfg.Logger)
	return &Store{
		cfg:       cfg,
		up:        up,
		log:       cfg.Logger,
		st:        st,
		startedAt: st.now(),
	}
}

func (s *Store) request(ctx context.Context, method string, params, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.up.Request(ctx, method, params, out)
}

func (s *Store) Meta(_ context.Context) Meta {
	m := s.cfg.meta(BackendAppServer, s.startedAt)
	if s.cfg.UpstreamStatus != nil {
		m.Upstream = s.cfg.UpstreamStatus()
	}
	return m
}

// StartTurn sends a message, creating the thread first when threadID is the
// draft placeholder.
func (s *Store) StartTurn(ctx context.Context, threadID string, in StartTurnInput) (TurnState, error) {
	in = s.cfg.applyDefaults(in)

	s.st.mu.Lock()
	err := s.st.reserveStartLocked(threadID, in)
	s.st.mu.Unlock()
	if err != nil {
		return TurnState{}, err
	}
	target := threadID
	defer func() { s.st.releaseStart(threadID, target) }()

	if IsDraftThread(threadID) {
		target, err = s.startThread(ctx, in)
		if err != nil {
			return TurnState{}, err
		}
		// announcements for the new thread arrive under its real id
		s.st.mu.Lock()
		s.st.starting[target] = in.AccessMode
		s.st.mu.Unlock()
	} else if err := s.request(ctx, "thread/resume", map[string]interface{}{"threadId": threadID}, nil); err != nil {
		if !isMethodNotFound(err) {
			return TurnState{}, classifyUpstreamError("resume thread", err)
		}
		s.log.Debugw("app-server has no thread/resume, continuing", "thread_id", threadID)
	}

	var result map[string]interface{}
	if err := s.request(ctx, "turn/start", s.turnStartParams(target, in), &result); err != nil {
		return TurnState{}, classifyUpstreamError("start turn", err)
	}
	turnID := firstString(result, []string{"turn", "id"}, []string{"turnId"}, []string{"id"})
	if turnID == "" {
		return TurnState{}, apierror.New(apierror.UpstreamError, "start turn: app-server returned no turn id")
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	t := s.st.createTurnLocked(target, turnID, in)
	s.log.Infow("turn started", "thread_id", target, "turn_id", turnID, "access_mode", in.AccessMode)
	return TurnState{Thread: s.st.threads[target].clone(), Turn: t.clone()}, nil
}

// startThread creates an upstream thread for a draft send. App-servers
// without thread/start, or that report busy, get a locally minted id that
// turn/start will adopt.
func (s *Store) startThread(ctx context.Context, in StartTurnInput) (string, error) {
	params := map[string]interface{}{}
	if in.ModelID != "" {
		params["model"] = in.ModelID
	}
	if s.cfg.Workspace.Path != "" {
		params["cwd"] = s.cfg.Workspace.Path
	}
	var result map[string]interface{}
	err := s.request(ctx, "thread/start", params, &result)
	if err == nil {
		if id := firstString(result, []string{"thread", "id"}, []string{"threadId"}, []string{"id"}); id != "" {
			return id, nil
		}
		return "", apierror.New(apierror.UpstreamError, "start thread: app-server returned no thread id")
	}
	classified := classifyUpstreamError("start thread", err)
	if !isMethodNotFound(err) && !apierror.Is(classified, apierror.Busy) {
		return "", classified
	}
	id := uuid.NewString()
	s.log.Infow("thread/start unavailable, minting thread id", "thread_id", id, "error", err)
	return id, nil
}

func (s *Store) turnStartParams(threadID string, in StartTurnInput) map[string]interface{} {
	params := map[string]interface{}{
		"threadId":       threadID,
		"input":          []map[string]interface{}{{"type": "text", "text": in.Text}},
		"approvalPolicy": "on-request",
		"sandboxPolicy":  sandboxPolicy(in.AccessMode),
	}
	if in.ModelID != "" {
		params["model"] = in.ModelID
	}
	if s.cfg.Workspace.Path != "" {
		params["cwd"] = s.cfg.Workspace.Path
	}
	return params
}

func sandboxPolicy(mode AccessMode) map[string]interface{} {
	if mode == AccessFullAccess {
		return map[string]interface{}{"type": "workspaceWrite"}
	}
	return map[string]interface{}{"type": "readOnly"}
}

// InterruptTurn asks the app-server to stop a turn and marks it interrupted
// without waiting for the upstream to confirm.
func (s *Store) InterruptTurn(ctx context.Context, turnID string) (Turn, error) {
	s.st.mu.Lock()
	if err := CanInterrupt(s.st.turnGuardLocked(turnID)).Error(); err != nil {
		s.st.mu.Unlock()
		return Turn{}, err
	}
	threadID := s.st.turns[turnID].ThreadID
	s.st.mu.Unlock()

	params := map[string]interface{}{"threadId": threadID, "turnId": turnID}
	if err := s.request(ctx, "turn/interrupt", params, nil); err != nil {
		s.log.Warnw("turn/interrupt failed, interrupting locally", "turn_id", turnID, "error", err)
	}

	defer s.declineAbandoned()
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	t := s.st.turns[turnID]
	s.st.finishLocked(t, StatusInterrupted, "")
	return t.clone(), nil
}

func (s *Store) SteerTurn(ctx context.Context, turnID string, in SteerInput) (Turn, error) {
	s.st.mu.Lock()
	if err := CanSteer(s.st.turnGuardLocked(turnID), in.Text).Error(); err != nil {
		s.st.mu.Unlock()
		return Turn{}, err
	}
	threadID := s.st.turns[turnID].ThreadID
	s.st.mu.Unlock()

	params := map[string]interface{}{
		"threadId":       threadID,
		"expectedTurnId": turnID,
		"input":          []map[string]interface{}{{"type": "text", "text": in.Text}},
	}
	if err := s.request(ctx, "turn/steer", params, nil); err != nil {
		return Turn{}, classifyUpstreamError("steer turn", err)
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	t := s.st.turns[turnID]
	s.st.steerLocked(t, in.Text)
	return t.clone(), nil
}

// DecideApproval answers a pending approval. The pending reference is taken
// before the reply goes out, so a concurrent second decision sees NOT_FOUND.
func (s *Store) DecideApproval(_ context.Context, approvalID string, decision Decision) (Approval, error) {
	decision, err := ParseDecision(string(decision))
	if err != nil {
		return Approval{}, err
	}

	s.st.mu.Lock()
	ref, err := s.st.takePendingLocked(approvalID)
	s.st.mu.Unlock()
	if err != nil {
		return Approval{}, err
	}

	reply := "decline"
	if decision == DecisionApprove {
		reply = "accept"
	}
	if err := s.up.SendResponse(ref.rpcID, map[string]string{"decision": reply}); err != nil {
		s.st.mu.Lock()
		s.st.restorePendingLocked(approvalID, ref)
		s.st.mu.Unlock()
		return Approval{}, apierror.Wrap(apierror.UpstreamError, err, "failed to deliver approval decision")
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	a := s.st.recordDecisionLocked(approvalID, decision, SourceUser)
	s.log.Infow("approval decided", "approval_id", approvalID, "turn_id", ref.turnID, "decision", decision)
	return a, nil
}

func (s *Store) Subscribe(turnID string) (*Subscription, error) {
	return s.st.subscribe(turnID)
}

// ListThreads merges the upstream thread list into local state. The refresh
// is best effort; local threads are always returned.
func (s *Store) ListThreads(ctx context.Context) ([]Thread, error) {
	if err := s.Refresh(ctx); err != nil {
		s.log.Debugw("thread/list refresh failed", "error", err)
	}
	return s.st.listThreads(), nil
}

// Refresh pulls thread/list into local state. It also runs after every
// transport reconnect.
func (s *Store) Refresh(ctx context.Context) error {
	var result map[string]interface{}
	if err := s.request(ctx, "thread/list", map[string]interface{}{}, &result); err != nil {
		return err
	}
	var entries []interface{}
	for _, key := range []string{"data", "threads", "items"} {
		if list, ok := result[key].([]interface{}); ok {
			entries = list
			break
		}
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		s.importThreadLocked(m)
	}
	return nil
}

// ConnectionLost runs when the app-server connection drops. Approval calls
// from that connection can no longer be answered and the app-server stops
// streaming its turns to us, so unfinished turns fail.
func (s *Store) ConnectionLost(cause error) {
	reason := "app-server connection lost"
	if cause != nil {
		reason += ": " + cause.Error()
	}
	s.st.mu.Lock()
	failed := s.st.connectionLostLocked(reason)
	s.st.mu.Unlock()
	if len(failed) > 0 {
		s.log.Warnw("failed unfinished turns after connection loss", "turn_ids", failed)
	}
}

// importThreadLocked records an upstream thread summary. Local records are
// authoritative for status once they exist.
func (s *Store) importThreadLocked(m map[string]interface{}) *Thread {
	id := firstString(m, []string{"id"}, []string{"threadId"}, []string{"thread_id"})
	if id == "" {
		return nil
	}
	_, known := s.st.threads[id]
	th := s.st.ensureThreadLocked(id, firstString(m, []string{"name"}, []string{"title"}, []string{"preview"}))
	if known {
		return th
	}
	if at, ok := parseTimestamp(m["createdAt"]); ok {
		th.CreatedAt = at
	}
	if at, ok := parseTimestamp(m["updatedAt"]); ok {
		th.UpdatedAt = at
	}
	if raw := statusString(m, "status"); raw != "" {
		if st, ok := MapUpstreamStatus(raw); ok {
			th.Status = st
		} else {
			s.log.Warnw("unrecognized upstream thread status", "thread_id", id, "status", raw)
		}
	}
	return th
}

// GetThread returns the local record, falling back to thread/read for
// threads this bridge has not seen yet.
func (s *Store) GetThread(ctx context.Context, threadID string) (ThreadDetail, error) {
	s.st.mu.Lock()
	detail, ok := s.st.threadDetailLocked(threadID)
	s.st.mu.Unlock()
	if ok {
		return detail, nil
	}

	var result map[string]interface{}
	params := map[string]interface{}{"threadId": threadID, "includeTurns": true}
	if err := s.request(ctx, "thread/read", params, &result); err != nil {
		return ThreadDetail{}, classifyUpstreamError("read thread", err)
	}
	if result == nil {
		return ThreadDetail{}, apierror.New(apierror.NotFound, "thread %s not found", threadID)
	}
	thread, ok := nestedMap(result, "thread")
	if !ok {
		thread = result
	}
	if firstString(thread, []string{"id"}) == "" {
		thread["id"] = threadID
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	th := s.importThreadLocked(thread)
	if turns, ok := thread["turns"].([]interface{}); ok {
		for _, raw := range turns {
			if m, ok := raw.(map[string]interface{}); ok {
				s.importTurnLocked(th, m)
			}
		}
	}
	detail, _ = s.st.threadDetailLocked(th.ID)
	return detail, nil
}

// importTurnLocked records a historical turn. Unrecognized statuses leave
// it idle rather than guessing it is still active.
func (s *Store) importTurnLocked(th *Thread, m map[string]interface{}) {
	id, _ := getString(m, "id")
	if id == "" {
		return
	}
	if _, ok := s.st.turns[id]; ok {
		return
	}
	status := StatusIdle
	if raw := statusString(m, "status"); raw != "" {
		if st, ok := MapUpstreamStatus(raw); ok {
			status = st
		} else {
			s.log.Warnw("unrecognized upstream turn status", "turn_id", id, "status", raw)
		}
	}
	t := &Turn{
		ID:         id,
		ThreadID:   th.ID,
		Status:     status,
		AccessMode: s.cfg.DefaultAccessMode,
		StartedAt:  th.CreatedAt,
		Plan:       []PlanStep{},
		Approvals:  []*Approval{},
		Steers:     []Steer{},
	}
	if items, ok := m["items"].([]interface{}); ok {
		for _, raw := range items {
			item, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			text := firstString(item, []string{"text"}, []string{"message"})
			switch typ, _ := getString(item, "type"); typ {
			case "userMessage":
				if t.UserText == "" {
					t.UserText = text
				}
			case "agentMessage":
				t.AssistantText = text
			}
		}
	}
	if status.Terminal() {
		at := th.UpdatedAt
		t.CompletedAt = &at
	}
	s.st.turns[id] = t
	s.st.threadTurns[th.ID] = append(s.st.threadTurns[th.ID], id)
	if status == StatusRunning || status == StatusWaitingApproval {
		active := id
		th.ActiveTurnID = &active
		th.Status = status
	}
}

func parseTimestamp(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case float64:
		if v > 1e12 {
			return time.UnixMilli(int64(v)).UTC(), true
		}
		return time.Unix(int64(v), 0).UTC(), true
	case string:
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return at.UTC(), true
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parseTimestamp(float64(n))
		}
	}
	return time.Time{}, false
}

// HandleNotification folds one app-server notification into state.
func (s *Store) HandleNotification(method string, params json.RawMessage) {
	ev, err := parseUpstreamEvent(method, params)
	if err != nil {
		s.log.Warnw("dropping malformed notification", "method", method, "error", err)
		return
	}

	defer s.declineAbandoned()
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	switch method {
	case "thread/started":
		if ev.ThreadID != "" {
			s.st.ensureThreadLocked(ev.ThreadID, ev.Title)
		}
		return
	case MethodTurnStarted:
		if ev.ThreadID == "" || ev.TurnID == "" {
			s.log.Warnw("turn/started without ids", "params", string(params))
			return
		}
		mode := s.st.accessModeLocked(ev.ThreadID, s.cfg.DefaultAccessMode)
		t, created := s.st.ensureTurnLocked(ev.ThreadID, ev.TurnID, mode)
		if created {
			s.st.emitLocked(t, MethodTurnStarted, map[string]interface{}{"turn": t.clone()})
		}
		return
	}

	t := s.st.resolveTurnLocked(ev)
	if t == nil {
		s.log.Debugw("notification for unknown turn", "method", method, "thread_id", ev.ThreadID, "turn_id", ev.TurnID)
		return
	}
	if t.Status.Terminal() {
		return
	}

	switch method {
	case MethodTurnCompleted:
		status := StatusCompleted
		if ev.Status != "" {
			mapped, ok := MapUpstreamStatus(ev.Status)
			switch {
			case !ok:
				s.log.Warnw("unrecognized turn completion status", "turn_id", t.ID, "status", ev.Status)
			case mapped.Terminal():
				status = mapped
			}
		}
		errMsg := ""
		if status == StatusFailed {
			errMsg = ev.ErrorMessage
		}
		s.st.finishLocked(t, status, errMsg)
		s.log.Infow("turn completed", "turn_id", t.ID, "status", status)
	case MethodPlanUpdated:
		if !ev.HasPlan {
			return
		}
		t.Plan = ev.Plan
		s.st.touchLocked(t)
		s.st.emitLocked(t, method, map[string]interface{}{"plan": t.Plan})
	case MethodDiffUpdated:
		t.Diff = ev.Diff
		s.st.touchLocked(t)
		s.st.emitLocked(t, method, map[string]interface{}{"diff": t.Diff})
	case MethodAgentDelta:
		t.AssistantText += ev.Delta
		s.st.emitLocked(t, method, map[string]interface{}{"itemId": ev.ItemID, "delta": ev.Delta})
	case MethodItemStarted:
		s.st.emitLocked(t, method, rawOrEmpty(ev.Params))
	case MethodItemCompleted:
		if ev.ItemType == "agentMessage" && ev.ItemText != "" {
			t.AssistantText = ev.ItemText
		}
		s.st.touchLocked(t)
		s.st.emitLocked(t, method, rawOrEmpty(ev.Params))
	case "error":
		if ev.WillRetry {
			s.log.Warnw("app-server error, retrying", "turn_id", t.ID, "message", ev.ErrorMessage)
			return
		}
		s.st.finishLocked(t, StatusFailed, ev.ErrorMessage)
		s.log.Warnw("turn failed", "turn_id", t.ID, "message", ev.ErrorMessage)
	default:
		s.log.Debugw("ignoring notification", "method", method)
	}
}

// HandleRequest answers server-initiated calls. Approval requests are
// recorded and either auto-approved or left pending; anything else is
// rejected as an unknown method.
func (s *Store) HandleRequest(id rpc.RequestID, method string, params json.RawMessage) {
	kind, ok := approvalMethods[method]
	if !ok {
		s.log.Warnw("rejecting unknown server request", "method", method, "id", id.String())
		s.sendError(id, rpc.ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", method))
		return
	}
	ev, err := parseUpstreamEvent(method, params)
	if err != nil {
		s.sendError(id, rpc.ErrCodeInvalidParams, err.Error())
		return
	}

	s.st.mu.Lock()
	t := s.st.resolveTurnLocked(ev)
	if t != nil && t.Status.Terminal() {
		s.st.mu.Unlock()
		s.log.Warnw("declining approval for finished turn", "turn_id", t.ID, "method", method)
		s.reply(id, "decline")
		return
	}
	mode := s.st.accessModeLocked(ev.ThreadID, s.cfg.DefaultAccessMode)
	if t != nil {
		mode = t.AccessMode
	}
	auto := s.cfg.AutoApprove && mode == AccessFullAccess
	a := s.st.addApprovalLocked(t, kind, ev, id, auto)
	s.st.mu.Unlock()

	s.log.Infow("approval requested", "approval_id", a.ID, "turn_id", a.TurnID, "kind", kind, "auto", auto)
	if auto {
		s.reply(id, "acceptForSession")
	}
}

// declineAbandoned answers approval calls whose turn finished before anyone
// decided them, so the app-server does not keep them open.
func (s *Store) declineAbandoned() {
	s.st.mu.Lock()
	ids := s.st.takeAbandonedLocked()
	s.st.mu.Unlock()
	for _, id := range ids {
		s.reply(id, "decline")
	}
}

func (s *Store) reply(id rpc.RequestID, decision string) {
	if err := s.up.SendResponse(id, map[string]string{"decision": decision}); err != nil {
		s.log.Warnw("failed to answer approval request", "id", id.String(), "error", err)
	}
}

func (s *Store) sendError(id rpc.RequestID, code int, message string) {
	if err := s.up.SendErrorResponse(id, code, message, nil); err != nil {
		s.log.Warnw("failed to send error response", "id", id.String(), "error", err)
	}
}
