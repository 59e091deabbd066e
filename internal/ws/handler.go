package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

// Dispatcher handles one raw inbound command.
type Dispatcher interface {
	Dispatch(ctx context.Context, data []byte)
}

// Handler upgrades requests to WebSocket observers. Every connection
// receives all events and may send commands.
type Handler struct {
	hub           *Hub
	dispatcher    Dispatcher
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, d Dispatcher, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:           hub,
		dispatcher:    d,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := h.hub.add(func() {
		_ = conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with events")
	})
	defer h.hub.remove(c)

	go h.writeLoop(ctx, cancel, conn, c)
	h.readLoop(ctx, conn)

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		h.logger.Debug("Failed to close websocket", "error", err)
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "status", websocket.CloseStatus(err))
			} else {
				h.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.logger.Debug("Ignoring non-text frame")
			continue
		}
		// Commands outlive the connection that sent them.
		h.dispatcher.Dispatch(context.WithoutCancel(ctx), data)
	}
}

func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *client) {
	defer cancel()
	for {
		select {
		case data := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
