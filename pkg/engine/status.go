package engine

import "strings"

var upstreamStatuses = map[string]Status{
	"inprogress": StatusRunning,
	"running":    StatusRunning,
	"active":     StatusRunning,
	"started":    StatusRunning,

	"completed": StatusCompleted,
	"complete":  StatusCompleted,
	"done":      StatusCompleted,
	"succeeded": StatusCompleted,
	"success":   StatusCompleted,

	"interrupted": StatusInterrupted,
	"cancelled":   StatusInterrupted,
	"canceled":    StatusInterrupted,
	"aborted":     StatusInterrupted,

	"failed":  StatusFailed,
	"error":   StatusFailed,
	"errored": StatusFailed,

	"waitingapproval":    StatusWaitingApproval,
	"awaitingapproval":   StatusWaitingApproval,
	"waitingforapproval": StatusWaitingApproval,

	"idle":      StatusIdle,
	"notloaded": StatusIdle,
	"pending":   StatusIdle,
	"queued":    StatusIdle,
}

// MapUpstreamStatus maps an app-server status string onto Status. Case,
// underscores, dashes and spaces are ignored. ok is false for unknown
// strings; callers keep their previous status and log the value.
func MapUpstreamStatus(s string) (status Status, ok bool) {
	key := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
	status, ok = upstreamStatuses[key]
	return status, ok
}
