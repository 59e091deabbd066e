package sandbox

import (
	"context"
	"time"
)

// StartReaper removes containers idle for longer than ttl until ctx is done.
func (m *Manager) StartReaper(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(reapInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Sandbox reaper started", "interval", reapInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				m.reap(ctx, ttl)
			case <-ctx.Done():
				m.logger.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) reap(ctx context.Context, ttl time.Duration) {
	idle := m.idleSessions(ttl)
	if len(idle) == 0 {
		return
	}

	m.logger.Info("Reaping idle sandboxes", "count", len(idle))
	for _, sessionID := range idle {
		if err := m.Release(ctx, sessionID); err != nil {
			m.logger.Error("Failed to reap sandbox", "session_id", sessionID, "error", err)
		}
	}
}

func (m *Manager) idleSessions(ttl time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-ttl)
	var idle []string
	for sessionID, c := range m.containers {
		if c.lastUsed.Before(cutoff) {
			idle = append(idle, sessionID)
		}
	}
	return idle
}
