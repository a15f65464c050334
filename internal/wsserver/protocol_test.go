package wsserver

import (
	"encoding/json"
	"testing"
)

func TestNewMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(EventTerminalCreated, TerminalLifecyclePayload{
		WorkspaceID:   "ws1",
		SessionID:     "s1",
		SessionName:   "Terminal 1",
		RecoveryToken: "tok",
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.Event != EventTerminalCreated {
		t.Fatalf("event = %q", msg.Event)
	}

	var payload TerminalLifecyclePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.SessionID != "s1" || payload.RecoveryToken != "tok" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.RecoveredState != nil {
		t.Fatal("recoveredState should be omitted for created events")
	}
}

func TestRecoveredStateOnTheWire(t *testing.T) {
	msg, err := NewMessage(EventTerminalRecovered, TerminalLifecyclePayload{
		WorkspaceID: "ws1",
		SessionID:   "s1",
		RecoveredState: &RecoveredState{
			CurrentDir:   "/srv/ws1",
			EnvVars:      map[string]string{"FOO": "bar"},
			TerminalSize: TerminalSize{Cols: 120, Rows: 40},
		},
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	var payload TerminalLifecyclePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.RecoveredState == nil {
		t.Fatal("recoveredState missing")
	}
	if payload.RecoveredState.TerminalSize.Cols != 120 {
		t.Fatalf("terminalSize = %+v", payload.RecoveredState.TerminalSize)
	}
	if payload.RecoveredState.EnvVars["FOO"] != "bar" {
		t.Fatalf("envVars = %+v", payload.RecoveredState.EnvVars)
	}
}
