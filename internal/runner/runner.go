// Package runner drives one agent run per session in the background.
package runner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/engine"
	"github.com/ashureev/cody/internal/events"
	"github.com/ashureev/cody/internal/metrics"
	"github.com/ashureev/cody/internal/permission"
)

// Outcome labels recorded when a run ends.
const (
	outcomeCompleted = "completed"
	outcomeError     = "error"
	outcomeAborted   = "aborted"
)

// Params describes one run.
type Params struct {
	// Session is a snapshot taken when the run was accepted.
	Session     domain.Session
	Prompt      string
	ResumeToken string
	Pending     *permission.Table

	// OnEvent receives every event the run produces, in order.
	OnEvent func(events.Event)
	// OnSessionUpdate persists fields the run learns, such as the resume token.
	OnSessionUpdate func(domain.SessionUpdate) error
	// IsRunning reports whether the session is still marked running.
	IsRunning func() bool
}

// Runner starts runs against an engine with the broker as the tool hook.
type Runner struct {
	engine  engine.Engine
	broker  *permission.Broker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a runner.
func New(eng engine.Engine, broker *permission.Broker, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{engine: eng, broker: broker, metrics: m, logger: logger}
}

// Run starts consuming the engine stream in a detached goroutine and
// returns its handle immediately. The goroutine outlives the caller; it
// ends when the stream ends or when the handle is aborted, so owners must
// abort handles they drop.
func (r *Runner) Run(p Params) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		cancel:  cancel,
		pending: p.Pending,
		done:    make(chan struct{}),
	}

	r.metrics.RunStarted()
	go func() {
		defer close(h.done)
		defer cancel()
		r.metrics.RunFinished(r.consume(ctx, h, p))
	}()
	return h
}

func (r *Runner) consume(ctx context.Context, h *Handle, p Params) string {
	sessionID := p.Session.ID
	logger := r.logger.With("session_id", sessionID)

	req := engine.Request{
		SessionID:      sessionID,
		Prompt:         p.Prompt,
		Cwd:            p.Session.Cwd,
		ResumeToken:    p.ResumeToken,
		PermissionFlag: engine.FlagFor(p.Session.PermissionMode),
		CanUseTool:     r.authorizer(h, p),
	}

	tokenCaptured := false
	// result is the outcome reported by the result record, if one arrived.
	result := ""
	for msg, err := range r.engine.Open(ctx, req) {
		if err != nil {
			if h.Aborted() || ctx.Err() != nil {
				logger.Debug("Run aborted")
				return outcomeAborted
			}
			if result != "" {
				logger.Warn("Engine error after result", "error", err)
				return result
			}
			logger.Error("Run failed", "error", err)
			h.guard(func() {
				p.OnEvent(r.status(p, domain.StatusError, err.Error()))
			})
			return outcomeError
		}

		if !tokenCaptured && msg.IsInit() {
			if token := msg.String("session_id"); token != "" {
				tokenCaptured = true
				if token != p.ResumeToken {
					h.guard(func() {
						if err := p.OnSessionUpdate(domain.SessionUpdate{ResumeToken: &token}); err != nil {
							logger.Error("Failed to persist resume token", "error", err)
						}
					})
				}
			}
		}

		if !h.guard(func() {
			p.OnEvent(events.StreamMessage{SessionID: sessionID, Message: msg})
		}) {
			return outcomeAborted
		}

		if msg.IsResult() && result == "" {
			result = outcomeCompleted
			status, detail := domain.StatusCompleted, ""
			if !msg.Succeeded() {
				result = outcomeError
				status = domain.StatusError
				detail = resultError(msg)
			}
			h.guard(func() {
				p.OnEvent(r.status(p, status, detail))
			})
		}
	}

	if h.Aborted() {
		return outcomeAborted
	}
	if result != "" {
		return result
	}

	// Stream ended without a result record.
	if p.IsRunning == nil || p.IsRunning() {
		logger.Info("Stream ended without a result, marking completed")
		h.guard(func() {
			p.OnEvent(r.status(p, domain.StatusCompleted, ""))
		})
	}
	return outcomeCompleted
}

func (r *Runner) authorizer(h *Handle, p Params) engine.ToolAuthorizer {
	return func(ctx context.Context, call engine.ToolCall) (domain.PermissionResult, error) {
		return r.broker.Authorize(ctx, permission.Request{
			SessionID:    p.Session.ID,
			ToolUseID:    call.ID,
			ToolName:     call.Name,
			Input:        call.Input,
			Mode:         p.Session.PermissionMode,
			AllowedTools: p.Session.AllowedTools,
			Pending:      p.Pending,
		}, func(_ context.Context, req permission.Request) {
			h.guard(func() {
				p.OnEvent(events.PermissionRequest{
					SessionID: req.SessionID,
					ToolUseID: req.ToolUseID,
					ToolName:  req.ToolName,
					Input:     req.Input,
				})
			})
		})
	}
}

func (r *Runner) status(p Params, status domain.Status, detail string) events.Event {
	return events.SessionStatus{
		SessionID: p.Session.ID,
		Status:    status,
		Title:     p.Session.Title,
		Cwd:       p.Session.Cwd,
		Error:     detail,
	}
}

func resultError(msg domain.Message) string {
	if text := msg.String("result"); text != "" {
		return text
	}
	if subtype := msg.Subtype(); subtype != "" {
		return subtype
	}
	return "agent run failed"
}

// Handle controls one in-flight run.
type Handle struct {
	cancel  context.CancelFunc
	pending *permission.Table

	once    sync.Once
	mu      sync.RWMutex
	aborted bool
	done    chan struct{}
}

// Abort stops the run. Pending permission requests resolve as denied, the
// engine context is cancelled, and nothing is emitted once Abort returns.
// Calling it again, or after the run finished, does nothing.
func (h *Handle) Abort() {
	h.once.Do(func() {
		h.mu.Lock()
		h.aborted = true
		h.mu.Unlock()

		if h.pending != nil {
			h.pending.AbortAll(permission.ReasonAborted)
		}
		h.cancel()
	})
}

// Aborted reports whether Abort was called.
func (h *Handle) Aborted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.aborted
}

// Done is closed when the run's goroutine exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// guard runs fn unless the handle was aborted. Abort waits for a running
// fn to return.
func (h *Handle) guard(fn func()) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.aborted {
		return false
	}
	fn()
	return true
}
