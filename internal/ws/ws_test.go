package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/cody/internal/events"
)

// echoDispatcher answers every command with a session list snapshot.
type echoDispatcher struct {
	hub *Hub

	mu       sync.Mutex
	received []string
}

func (d *echoDispatcher) Dispatch(_ context.Context, data []byte) {
	d.mu.Lock()
	d.received = append(d.received, string(data))
	d.mu.Unlock()
	d.hub.Broadcast(events.SessionList{})
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(1, nil, nil)
	closed := make(chan struct{})
	slow := hub.add(func() { close(closed) })
	fast := hub.add(func() { t.Error("fast client dropped") })

	hub.Broadcast(events.SessionDeleted{SessionID: "a"})
	<-fast.send
	hub.Broadcast(events.SessionDeleted{SessionID: "b"})

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("slow client was not closed")
	}
	if n := hub.Count(); n != 1 {
		t.Fatalf("Count() = %d, want 1", n)
	}
	if len(slow.send) != 1 {
		t.Fatalf("slow queue = %d, want 1", len(slow.send))
	}
	if got := string(<-fast.send); !strings.Contains(got, `"sessionId":"b"`) {
		t.Fatalf("fast client got %s", got)
	}
}

func TestHubRemoveIsIdempotent(t *testing.T) {
	hub := NewHub(0, nil, nil)
	c := hub.add(func() {})
	hub.remove(c)
	hub.remove(c)
	if n := hub.Count(); n != 0 {
		t.Fatalf("Count() = %d, want 0", n)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Count() = %d, want %d", hub.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerRoundTrip(t *testing.T) {
	hub := NewHub(0, nil, nil)
	d := &echoDispatcher{hub: hub}
	srv := httptest.NewServer(NewHandler(hub, d, "*", false, nil))
	defer srv.Close()

	sender := dial(t, srv)
	observer := dial(t, srv)
	waitForCount(t, hub, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sender.Write(ctx, websocket.MessageText, []byte(`{"type":"session.list"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	for _, conn := range []*websocket.Conn{sender, observer} {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type != events.TypeSessionList {
			t.Fatalf("event type = %q", env.Type)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.received) != 1 || d.received[0] != `{"type":"session.list"}` {
		t.Fatalf("received = %v", d.received)
	}
}

func TestHandlerUnregistersOnClose(t *testing.T) {
	hub := NewHub(0, nil, nil)
	srv := httptest.NewServer(NewHandler(hub, &echoDispatcher{hub: hub}, "*", false, nil))
	defer srv.Close()

	conn := dial(t, srv)
	waitForCount(t, hub, 1)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitForCount(t, hub, 0)
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(0, nil, nil)
	h := NewHandler(hub, &echoDispatcher{hub: hub}, "https://app.example.com", false, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
