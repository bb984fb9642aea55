package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/rpc"
)

var (
	notFoundPhrases = []string{
		"not found", "no such thread", "unknown thread", "no rollout", "does not exist",
		"not loaded", "no thread", "unknown turn",
	}
	busyPhrases = []string{
		"busy", "already has an active turn", "active turn", "already in progress",
		"already running", "turn in progress",
	}
	invalidInputPhrases = []string{
		"invalid params", "invalid request", "empty input", "input is empty", "missing field",
	}
	unreachablePhrases = []string{
		"transport closed", "connection refused", "connection reset", "broken pipe",
		"use of closed network connection", "exited", "eof", "websocket: close",
	}
)

// classifyUpstreamError re-types an error from the transport into the API
// vocabulary. RPC errors carry free-form messages, so known phrases decide
// the class. op names the engine operation for the message.
func classifyUpstreamError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, rpc.ErrTransportClosed) {
		return apierror.Wrap(apierror.UpstreamError, err, op+": app-server connection is closed")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.Wrap(apierror.UpstreamError, err, op+": app-server did not respond in time")
	}

	msg := strings.ToLower(err.Error())
	detail := err.Error()
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		detail = rpcErr.Message
		if rpcErr.Code == rpc.ErrCodeInvalidParams {
			return apierror.Wrap(apierror.InvalidInput, err, op+": "+detail)
		}
	}

	switch {
	case containsAny(msg, notFoundPhrases):
		return apierror.Wrap(apierror.NotFound, err, op+": "+detail)
	case containsAny(msg, busyPhrases):
		return apierror.Wrap(apierror.Busy, err, op+": "+detail)
	case containsAny(msg, invalidInputPhrases):
		return apierror.Wrap(apierror.InvalidInput, err, op+": "+detail)
	case containsAny(msg, unreachablePhrases):
		return apierror.Wrap(apierror.UpstreamError, err, op+": app-server is unavailable")
	default:
		return apierror.Wrap(apierror.InternalError, err, op+" failed")
	}
}

func isMethodNotFound(err error) bool {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == rpc.ErrCodeMethodNotFound {
			return true
		}
		msg := strings.ToLower(rpcErr.Message)
		return strings.Contains(msg, "method not found") || strings.Contains(msg, "unknown method") || strings.Contains(msg, "unknown variant")
	}
	return false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
