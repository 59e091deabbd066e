package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ashureev/cody/internal/domain"
)

func TestEncodeUsesEnvelope(t *testing.T) {
	data, err := Encode(SessionStatus{SessionID: "s1", Status: domain.StatusRunning, Title: "T"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var got struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeSessionStatus {
		t.Fatalf("type = %q", got.Type)
	}
	if got.Payload["sessionId"] != "s1" || got.Payload["status"] != "running" || got.Payload["title"] != "T" {
		t.Fatalf("payload = %v", got.Payload)
	}
	if _, ok := got.Payload["error"]; ok {
		t.Fatal("empty error should be omitted")
	}
}

func TestEncodePermissionRequestKeepsInputOpaque(t *testing.T) {
	data, err := Encode(PermissionRequest{
		SessionID: "s1",
		ToolUseID: "t1",
		ToolName:  "Read",
		Input:     json.RawMessage(`{"file_path":"/a"}`),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"type":"permission.request","payload":{"sessionId":"s1","toolUseId":"t1","toolName":"Read","input":{"file_path":"/a"}}}`
	if string(data) != want {
		t.Fatalf("Encode() = %s\nwant %s", data, want)
	}
}

func TestSessionOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{StreamMessage{SessionID: "a"}, "a"},
		{StreamUserPrompt{SessionID: "b"}, "b"},
		{SessionStatus{SessionID: "c"}, "c"},
		{SessionHistory{SessionID: "d"}, "d"},
		{SessionDeleted{SessionID: "e"}, "e"},
		{PermissionRequest{SessionID: "f"}, "f"},
		{RunnerError{SessionID: "g"}, "g"},
		{SessionList{}, ""},
	}
	for _, tt := range tests {
		if got := SessionOf(tt.event); got != tt.want {
			t.Errorf("SessionOf(%s) = %q, want %q", tt.event.Type(), got, tt.want)
		}
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Command
		wantErr error
	}{
		{
			name:  "start",
			input: `{"type":"session.start","payload":{"title":"T","prompt":"hi","cwd":"/w","allowedTools":"Read","permissionMode":"free"}}`,
		},
		{
			name:  "continue",
			input: `{"type":"session.continue","payload":{"sessionId":"s1","prompt":"more"}}`,
			want:  ContinueSession{SessionID: "s1", Prompt: "more"},
		},
		{
			name:  "stop",
			input: `{"type":"session.stop","payload":{"sessionId":"s1"}}`,
			want:  StopSession{SessionID: "s1"},
		},
		{
			name:  "delete",
			input: `{"type":"session.delete","payload":{"sessionId":"s1"}}`,
			want:  DeleteSession{SessionID: "s1"},
		},
		{
			name:  "history",
			input: `{"type":"session.history","payload":{"sessionId":"s1"}}`,
			want:  GetHistory{SessionID: "s1"},
		},
		{
			name:  "list without payload",
			input: `{"type":"session.list"}`,
			want:  ListSessions{},
		},
		{name: "unknown type", input: `{"type":"session.rename","payload":{}}`, wantErr: ErrUnknownCommand},
		{name: "not json", input: `nope`, wantErr: ErrInvalidCommand},
		{name: "missing type", input: `{"payload":{}}`, wantErr: ErrInvalidCommand},
		{name: "start without prompt", input: `{"type":"session.start","payload":{"title":"T"}}`, wantErr: ErrInvalidCommand},
		{name: "start bad mode", input: `{"type":"session.start","payload":{"prompt":"p","permissionMode":"yolo"}}`, wantErr: ErrInvalidCommand},
		{name: "stop without id", input: `{"type":"session.stop","payload":{}}`, wantErr: ErrInvalidCommand},
		{name: "continue without payload", input: `{"type":"session.continue"}`, wantErr: ErrInvalidCommand},
		{name: "bad behavior", input: `{"type":"permission.response","payload":{"sessionId":"s","toolUseId":"t","result":{"behavior":"maybe"}}}`, wantErr: ErrInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeCommand() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeCommand() error = %v", err)
			}
			if tt.want != nil && got != tt.want {
				t.Fatalf("DecodeCommand() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeStartSession(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"session.start","payload":{"title":"T","prompt":"hi","allowedTools":"","permissionMode":"free"}}`))
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	start, ok := cmd.(StartSession)
	if !ok {
		t.Fatalf("got %T, want StartSession", cmd)
	}
	if start.AllowedTools == nil || *start.AllowedTools != "" {
		t.Fatalf("empty allowedTools should decode to a pointer to \"\", got %v", start.AllowedTools)
	}
	if start.PermissionMode != domain.PermissionFree {
		t.Fatalf("PermissionMode = %q", start.PermissionMode)
	}

	cmd, _ = DecodeCommand([]byte(`{"type":"session.start","payload":{"prompt":"hi","allowedTools":null}}`))
	if cmd.(StartSession).AllowedTools != nil {
		t.Fatal("null allowedTools should decode to nil")
	}
}

func TestDecodePermissionResponse(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"permission.response","payload":{"sessionId":"s1","toolUseId":"t1","result":{"behavior":"allow","updatedInput":{"x":1}}}}`))
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	resp := cmd.(PermissionResponse)
	if !resp.Result.Allowed() || string(resp.Result.UpdatedInput) != `{"x":1}` {
		t.Fatalf("unexpected response %+v", resp)
	}
}
