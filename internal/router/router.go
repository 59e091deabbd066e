// Package router is the single dispatch point for inbound commands and
// outbound events.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/engine"
	"github.com/ashureev/cody/internal/events"
	"github.com/ashureev/cody/internal/metrics"
	"github.com/ashureev/cody/internal/runner"
	"github.com/ashureev/cody/internal/session"
)

const (
	defaultTitle   = "New Session"
	titleWords     = 5
	titleTimeout   = 15 * time.Second
	msgNoSession   = "Session no longer exists."
	msgInvalidCmd  = "Invalid command"
	msgStartFailed = "Failed to start session"
)

// Broadcaster fans an event out to every connected observer.
type Broadcaster interface {
	Broadcast(e events.Event)
}

// CleanupFunc releases per-session resources when a session is deleted.
type CleanupFunc func(ctx context.Context, sessionID string) error

// Options configures a Router.
type Options struct {
	// Titler names sessions started without a title. Nil uses the prompt.
	Titler engine.Titler
	// DefaultMode applies when session.start names no permission mode.
	DefaultMode domain.PermissionMode
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Router dispatches commands and emits events. Emission is serialized per
// session so each session's events leave in completion order.
type Router struct {
	store    *session.Store
	registry *session.Registry
	runner   *runner.Runner
	out      Broadcaster

	titler      engine.Titler
	defaultMode domain.PermissionMode
	metrics     *metrics.Metrics
	logger      *slog.Logger

	locks    sync.Map // session id -> *sync.Mutex
	cleanups []CleanupFunc
	runs     sync.WaitGroup
}

// New creates a router.
func New(store *session.Store, r *runner.Runner, out Broadcaster, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.DefaultMode
	if !mode.Valid() {
		mode = domain.PermissionSecure
	}
	return &Router{
		store:       store,
		registry:    store.Registry(),
		runner:      r,
		out:         out,
		titler:      opts.Titler,
		defaultMode: mode,
		metrics:     opts.Metrics,
		logger:      logger,
	}
}

// OnDelete registers fn to run whenever a session is deleted.
func (r *Router) OnDelete(fn CleanupFunc) {
	r.cleanups = append(r.cleanups, fn)
}

// Dispatch decodes a raw command and handles it. Unknown command types are
// ignored; malformed ones produce a runner.error event.
func (r *Router) Dispatch(ctx context.Context, data []byte) {
	cmd, err := events.DecodeCommand(data)
	switch {
	case errors.Is(err, events.ErrUnknownCommand):
		r.logger.Warn("Ignoring unknown command", "error", err)
		return
	case err != nil:
		r.logger.Warn("Rejecting malformed command", "error", err)
		r.Emit(ctx, events.RunnerError{Message: msgInvalidCmd, Detail: err.Error()})
		return
	}
	r.Handle(ctx, cmd)
}

// Handle runs one command to completion. Agent runs it starts continue in
// the background.
func (r *Router) Handle(ctx context.Context, cmd events.Command) {
	r.logger.Debug("Handling command", "type", cmd.CommandType())

	switch c := cmd.(type) {
	case events.ListSessions:
		r.Emit(ctx, events.SessionList{Sessions: r.store.List()})
	case events.GetHistory:
		r.history(ctx, c.SessionID)
	case events.StartSession:
		r.start(ctx, c)
	case events.ContinueSession:
		r.continueSession(ctx, c)
	case events.StopSession:
		r.stop(ctx, c.SessionID)
	case events.DeleteSession:
		r.delete(ctx, c.SessionID)
	case events.PermissionResponse:
		r.respond(c)
	default:
		r.logger.Warn("Ignoring unhandled command", "type", cmd.CommandType())
	}
}

func (r *Router) history(ctx context.Context, id string) {
	h, err := r.store.History(ctx, id)
	if err != nil {
		r.logger.Error("Failed to load history", "session_id", id, "error", err)
		r.Emit(ctx, events.RunnerError{SessionID: id, Message: "Failed to load session history", Detail: err.Error()})
		return
	}
	if h == nil {
		r.Emit(ctx, events.SessionDeleted{SessionID: id})
		return
	}
	summary := h.Session
	r.Emit(ctx, events.SessionHistory{
		SessionID: id,
		Status:    summary.Status,
		Session:   &summary,
		Messages:  h.Messages,
	})
}

func (r *Router) start(ctx context.Context, c events.StartSession) {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		title = r.generateTitle(ctx, c.Prompt)
	}
	mode := c.PermissionMode
	if mode == "" {
		mode = r.defaultMode
	}

	sess, err := r.store.Create(ctx, domain.SessionSpec{
		Title:          title,
		Prompt:         c.Prompt,
		Cwd:            c.Cwd,
		AllowedTools:   c.AllowedTools,
		PermissionMode: mode,
	})
	if err != nil {
		r.logger.Error("Failed to create session", "error", err)
		r.Emit(ctx, events.RunnerError{Message: msgStartFailed, Detail: err.Error()})
		return
	}
	r.logger.Info("Session created", "session_id", sess.ID, "cwd", sess.Cwd, "permission_mode", sess.PermissionMode)
	r.startRun(ctx, sess.ID, c.Prompt)
}

// continueSession runs a follow-up prompt. A session without a resume token
// takes the same path as a fresh start with an empty token.
func (r *Router) continueSession(ctx context.Context, c events.ContinueSession) {
	if !r.registry.Has(c.SessionID) {
		r.Emit(ctx, events.SessionDeleted{SessionID: c.SessionID})
		r.Emit(ctx, events.RunnerError{SessionID: c.SessionID, Message: msgNoSession})
		return
	}
	r.startRun(ctx, c.SessionID, c.Prompt)
}

func (r *Router) startRun(ctx context.Context, id, prompt string) {
	logger := r.logger.With("session_id", id)

	// One run per session: a new prompt supersedes the current run.
	if prev := r.registry.TakeRun(id); prev != nil {
		logger.Info("Aborting superseded run")
		prev.Abort()
	}

	sess, err := r.store.Update(ctx, id, domain.SessionUpdate{LastPrompt: &prompt})
	if err != nil {
		logger.Error("Failed to record prompt", "error", err)
		r.Emit(ctx, events.RunnerError{SessionID: id, Message: msgStartFailed, Detail: err.Error()})
		return
	}
	if sess == nil {
		r.Emit(ctx, events.SessionDeleted{SessionID: id})
		return
	}

	r.Emit(ctx, events.SessionStatus{
		SessionID: id,
		Status:    domain.StatusRunning,
		Title:     sess.Title,
		Cwd:       sess.Cwd,
	})
	r.Emit(ctx, events.StreamUserPrompt{SessionID: id, Prompt: prompt})

	r.runs.Add(1)
	h := r.runner.Run(runner.Params{
		Session:     *sess,
		Prompt:      prompt,
		ResumeToken: sess.ResumeToken,
		Pending:     r.registry.Pending(id),
		OnEvent: func(e events.Event) {
			r.Emit(context.Background(), e)
		},
		OnSessionUpdate: func(update domain.SessionUpdate) error {
			_, err := r.store.Update(context.Background(), id, update)
			return err
		},
		IsRunning: func() bool {
			s, ok := r.registry.Get(id)
			return ok && s.IsRunning()
		},
	})

	go func() {
		defer r.runs.Done()
		<-h.Done()
		r.registry.ClearRun(id, h)
	}()

	prev, ok := r.registry.SetRun(id, h)
	if !ok {
		// Deleted while starting.
		h.Abort()
		return
	}
	if prev != nil {
		prev.Abort()
	}
	logger.Info("Run started", "resumed", sess.ResumeToken != "")
}

// stop aborts the session's run and marks it idle. The abort happens
// outside the session's emit lock because an in-flight emit of the run
// holds that lock while Abort waits for it.
func (r *Router) stop(ctx context.Context, id string) {
	if !r.registry.Has(id) {
		r.Emit(ctx, events.RunnerError{SessionID: id, Message: msgNoSession})
		return
	}
	if run := r.registry.TakeRun(id); run != nil {
		run.Abort()
		r.logger.Info("Run stopped", "session_id", id)
	}

	sess, ok := r.store.Get(id)
	if !ok {
		return
	}
	r.Emit(ctx, events.SessionStatus{
		SessionID: id,
		Status:    domain.StatusIdle,
		Title:     sess.Title,
		Cwd:       sess.Cwd,
	})
}

func (r *Router) delete(ctx context.Context, id string) {
	if run := r.registry.TakeRun(id); run != nil {
		run.Abort()
	}
	for _, fn := range r.cleanups {
		if err := fn(ctx, id); err != nil {
			r.logger.Warn("Session cleanup failed", "session_id", id, "error", err)
		}
	}

	mu := r.lock(id)
	mu.Lock()
	existed, err := r.store.Delete(ctx, id)
	if err != nil {
		r.logger.Error("Failed to delete session", "session_id", id, "error", err)
	} else {
		r.logger.Info("Session deleted", "session_id", id, "existed", existed)
	}
	r.emitLocked(ctx, events.SessionDeleted{SessionID: id})
	mu.Unlock()
	r.locks.Delete(id)
}

func (r *Router) respond(c events.PermissionResponse) {
	pending := r.registry.Pending(c.SessionID)
	if pending == nil {
		r.logger.Debug("Dropping permission response for unknown session", "session_id", c.SessionID)
		return
	}
	if !pending.ResolveIfPresent(c.ToolUseID, c.Result) {
		r.logger.Debug("Dropping late permission response", "session_id", c.SessionID, "tool_use_id", c.ToolUseID)
	}
}

// Emit applies the event's durable side effects and broadcasts it.
func (r *Router) Emit(ctx context.Context, e events.Event) {
	id := events.SessionOf(e)
	if id == "" {
		r.emitLocked(ctx, e)
		return
	}
	mu := r.lock(id)
	mu.Lock()
	defer mu.Unlock()
	r.emitLocked(ctx, e)
}

func (r *Router) emitLocked(ctx context.Context, e events.Event) {
	switch ev := e.(type) {
	case events.SessionStatus:
		if !r.live(ev.SessionID, e) {
			return
		}
		if _, err := r.store.Update(ctx, ev.SessionID, domain.StatusUpdate(ev.Status)); err != nil {
			r.logger.Error("Failed to persist status", "session_id", ev.SessionID, "status", ev.Status, "error", err)
		}
	case events.StreamMessage:
		if !r.live(ev.SessionID, e) {
			return
		}
		if _, err := r.store.RecordMessage(ctx, ev.SessionID, ev.Message); err != nil {
			r.logger.Error("Failed to record message", "session_id", ev.SessionID, "error", err)
		}
	case events.StreamUserPrompt:
		if !r.live(ev.SessionID, e) {
			return
		}
		if _, err := r.store.RecordMessage(ctx, ev.SessionID, domain.UserPromptMessage(ev.Prompt)); err != nil {
			r.logger.Error("Failed to record prompt", "session_id", ev.SessionID, "error", err)
		}
	case events.PermissionRequest:
		if !r.live(ev.SessionID, e) {
			return
		}
	}

	r.metrics.EventEmitted(e.Type())
	r.out.Broadcast(e)
}

func (r *Router) live(id string, e events.Event) bool {
	if r.registry.Has(id) {
		return true
	}
	r.logger.Debug("Dropping event for deleted session", "session_id", id, "type", e.Type())
	return false
}

func (r *Router) lock(id string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Close aborts every run and waits for their goroutines to exit or for ctx
// to end.
func (r *Router) Close(ctx context.Context) error {
	for _, run := range r.registry.Runs() {
		run.Abort()
	}

	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

func (r *Router) generateTitle(ctx context.Context, prompt string) string {
	if r.titler != nil && strings.TrimSpace(prompt) != "" {
		tctx, cancel := context.WithTimeout(ctx, titleTimeout)
		defer cancel()
		title, err := r.titler.GenerateTitle(tctx, prompt)
		if err == nil && strings.TrimSpace(title) != "" {
			return strings.TrimSpace(title)
		}
		r.logger.Warn("Title generation failed, using prompt", "error", err)
	}
	return FallbackTitle(prompt)
}

// FallbackTitle derives a title from the first words of prompt.
func FallbackTitle(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return defaultTitle
	}
	if len(words) <= titleWords {
		return strings.ToUpper(strings.Join(words, " "))
	}
	return strings.ToUpper(strings.Join(words[:titleWords], " ")) + "..."
}
