package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		wantErr  bool
	}{
		{"subscribe", `{"type":"subscribe","channel":"conversation:abc"}`, TypeSubscribe, false},
		{"message", `{"type":"message","channel":"conversation:abc","content":"hi"}`, TypeMessage, false},
		{"read", `{"type":"read","channel":"conversation:abc"}`, TypeRead, false},
		{"ping", `{"type":"ping"}`, TypePing, false},
		{"unknown", `{"type":"launch_missiles"}`, "launch_missiles", true},
		{"server-only", `{"type":"match_found"}`, TypeMatchFound, true},
		{"missing type", `{"channel":"x"}`, "", true},
		{"garbage", `{{{`, "", true},
	}
	for _, tt := range tests {
		gotType, _, err := ParseClientMessage([]byte(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if gotType != tt.wantType {
			t.Errorf("%s: type = %q, want %q", tt.name, gotType, tt.wantType)
		}
	}
}

func TestParseClientMessagePayload(t *testing.T) {
	raw := `{"type":"message","channel":"conversation:c1","content":"hola"}`
	_, msg, err := ParseClientMessage([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	m, ok := msg.(MessageMsg)
	if !ok {
		t.Fatalf("expected MessageMsg, got %T", msg)
	}
	if m.Channel != "conversation:c1" || m.Content != "hola" {
		t.Errorf("unexpected payload: %+v", m)
	}
}

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeQueueUpdate, QueueUpdateMsg{Position: 2, QueueSize: 7})
	if err != nil {
		t.Fatal(err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != TypeQueueUpdate {
		t.Errorf("type = %v, want %q", m["type"], TypeQueueUpdate)
	}
	if m["position"].(float64) != 2 || m["queue_size"].(float64) != 7 {
		t.Errorf("unexpected fields: %v", m)
	}
}
