package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/metrics"
	"github.com/google/uuid"
)

// Deny reasons surfaced to the engine.
const (
	ReasonAborted  = "Session aborted"
	ReasonTimedOut = "Permission request timed out"
)

// Request describes one tool call awaiting authorization.
type Request struct {
	SessionID    string
	ToolUseID    string
	ToolName     string
	Input        json.RawMessage
	Mode         domain.PermissionMode
	AllowedTools *string
	Pending      *Table
}

// Notifier tells observers that req is waiting for a human decision.
// It is called after the request is registered, so a response that
// arrives immediately still finds it.
type Notifier func(ctx context.Context, req Request)

// Broker arbitrates tool calls for running sessions.
type Broker struct {
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBroker creates a broker. A zero timeout waits until the run is cancelled.
func NewBroker(timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{timeout: timeout, metrics: m, logger: logger}
}

// Authorize decides req, suspending on a human decision when required.
// Cancelling ctx resolves a suspended request as denied.
func (b *Broker) Authorize(ctx context.Context, req Request, notify Notifier) (domain.PermissionResult, error) {
	decision := Decide(req.ToolName, req.Mode, ParseAllowList(req.AllowedTools))
	switch decision {
	case Allow:
		b.metrics.PermissionDecision("auto_allow")
		return domain.Allow(req.Input), nil
	case Deny:
		b.metrics.PermissionDecision("auto_deny")
		b.logger.Info("Tool denied by allow-list", "session_id", req.SessionID, "tool", req.ToolName)
		return domain.Deny(fmt.Sprintf("Tool %q is not in the allowed tools list for this session", req.ToolName)), nil
	}

	if req.Pending == nil {
		return domain.PermissionResult{}, fmt.Errorf("authorize %s: no pending table for session %s", req.ToolName, req.SessionID)
	}
	if req.ToolUseID == "" {
		req.ToolUseID = uuid.NewString()
	}

	p, err := req.Pending.Add(req.ToolUseID, req.ToolName, req.Input)
	if err != nil {
		return domain.PermissionResult{}, fmt.Errorf("register permission request %s: %w", req.ToolUseID, err)
	}

	b.logger.Info("Awaiting permission", "session_id", req.SessionID, "tool", req.ToolName, "tool_use_id", req.ToolUseID)
	if notify != nil {
		notify(ctx, req)
	}

	var expired <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var result domain.PermissionResult
	select {
	case result = <-p.done:
	case <-ctx.Done():
		req.Pending.ResolveIfPresent(req.ToolUseID, domain.Deny(ReasonAborted))
		result = <-p.done
	case <-expired:
		if req.Pending.ResolveIfPresent(req.ToolUseID, domain.Deny(ReasonTimedOut)) {
			b.logger.Warn("Permission request timed out", "session_id", req.SessionID, "tool_use_id", req.ToolUseID)
		}
		result = <-p.done
	}

	if result.Allowed() && len(result.UpdatedInput) == 0 {
		result.UpdatedInput = req.Input
	}
	b.metrics.PermissionDecision(result.Behavior)
	return result, nil
}
