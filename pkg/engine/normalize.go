package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// upstreamEvent is an app-server notification or server call reduced to the
// fields the engine uses. Payloads vary between app-server versions
// (threadId vs thread_id, ids nested under turn or item), so every lookup
// goes through the tolerant helpers below and nothing else reads raw params.
type upstreamEvent struct {
	Method   string
	ThreadID string
	TurnID   string
	ItemID   string

	Status       string
	Delta        string
	Diff         string
	Plan         []PlanStep
	HasPlan      bool
	ItemType     string
	ItemText     string
	ErrorMessage string
	WillRetry    bool
	Title        string

	Reason  string
	Command string

	Params json.RawMessage
}

func parseUpstreamEvent(method string, params json.RawMessage) (upstreamEvent, error) {
	ev := upstreamEvent{Method: method, Params: params}
	if len(params) == 0 || string(params) == "null" {
		return ev, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(params, &m); err != nil {
		return ev, fmt.Errorf("decode %s params: %w", method, err)
	}

	ev.ThreadID = firstString(m,
		[]string{"threadId"}, []string{"thread_id"},
		[]string{"conversationId"}, []string{"conversation_id"},
		[]string{"thread", "id"}, []string{"turn", "threadId"}, []string{"turn", "thread_id"},
	)
	ev.TurnID = firstString(m,
		[]string{"turnId"}, []string{"turn_id"},
		[]string{"turn", "id"}, []string{"item", "turnId"},
	)
	if ev.TurnID == "" && strings.HasPrefix(method, "turn/") {
		ev.TurnID, _ = getString(m, "id")
	}
	ev.ItemID = firstString(m, []string{"itemId"}, []string{"item_id"}, []string{"item", "id"}, []string{"callId"}, []string{"call_id"})

	ev.Status = statusString(m, "turn", "status")
	if ev.Status == "" {
		ev.Status = statusString(m, "status")
	}
	if ev.Status == "" {
		ev.Status = statusString(m, "state")
	}

	ev.Delta = firstString(m, []string{"delta"}, []string{"textDelta"}, []string{"text_delta"})
	ev.Diff = firstString(m, []string{"diff"}, []string{"unifiedDiff"}, []string{"unified_diff"})

	if raw, ok := m["plan"].([]interface{}); ok {
		ev.HasPlan = true
		ev.Plan = parsePlan(raw)
	}

	if item, ok := nestedMap(m, "item"); ok {
		ev.ItemType, _ = getString(item, "type")
		ev.ItemText = firstString(item, []string{"text"}, []string{"message"})
	}

	ev.ErrorMessage = firstString(m,
		[]string{"turn", "error", "message"}, []string{"error", "message"},
		[]string{"error"}, []string{"message"},
	)
	ev.WillRetry, _ = m["willRetry"].(bool)
	ev.Title = firstString(m, []string{"thread", "name"}, []string{"thread", "preview"}, []string{"title"})

	ev.Reason, _ = getString(m, "reason")
	ev.Command = commandString(m["command"])
	return ev, nil
}

func parsePlan(raw []interface{}) []PlanStep {
	steps := make([]PlanStep, 0, len(raw))
	for i, entry := range raw {
		switch v := entry.(type) {
		case string:
			steps = append(steps, PlanStep{ID: fmt.Sprintf("step-%d", i+1), Text: v, Status: "pending"})
		case map[string]interface{}:
			step := PlanStep{
				ID:     firstString(v, []string{"id"}),
				Text:   firstString(v, []string{"step"}, []string{"text"}, []string{"title"}, []string{"description"}),
				Status: firstString(v, []string{"status"}),
			}
			if step.ID == "" {
				step.ID = fmt.Sprintf("step-%d", i+1)
			}
			if step.Status == "" {
				step.Status = "pending"
			}
			steps = append(steps, step)
		}
	}
	return steps
}

// statusString reads a status that may be a plain string or an object
// carrying a "type" field.
func statusString(m map[string]interface{}, path ...string) string {
	if s, ok := nestedString(m, path...); ok {
		return s
	}
	if obj, ok := nestedMap(m, path...); ok {
		s, _ := getString(obj, "type")
		return s
	}
	return ""
}

func commandString(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func firstString(m map[string]interface{}, paths ...[]string) string {
	for _, path := range paths {
		if s, ok := nestedString(m, path...); ok && s != "" {
			return s
		}
	}
	return ""
}

func getString(m map[string]interface{}, key string) (string, bool) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func nestedString(m map[string]interface{}, path ...string) (string, bool) {
	cur := m
	for i := 0; i < len(path)-1; i++ {
		next, ok := cur[path[i]].(map[string]interface{})
		if !ok {
			return "", false
		}
		cur = next
	}
	return getString(cur, path[len(path)-1])
}

func nestedMap(m map[string]interface{}, path ...string) (map[string]interface{}, bool) {
	cur := m
	for i := 0; i < len(path)-1; i++ {
		next, ok := cur[path[i]].(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = next
	}
	next, ok := cur[path[len(path)-1]].(map[string]interface{})
	return next, ok
}
