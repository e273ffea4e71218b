package hub

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name     string
		channel  string
		wantKind string
		wantID   string
		wantErr  bool
	}{
		{"conversation", "conversation:abc-123", KindConversation, "abc-123", false},
		{"open room", "open-room:lobby", KindOpenRoom, "lobby", false},
		{"matching", "matching:user-1", KindMatching, "user-1", false},
		{"notifications", "notifications:user-1", KindNotifications, "user-1", false},
		{"unknown kind", "presence:user-1", "", "", true},
		{"no separator", "conversation", "", "", true},
		{"empty id", "conversation:", "", "", true},
		{"empty kind", ":abc", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, id, err := ParseChannel(tt.channel)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseChannel(%q) err = %v, wantErr %v", tt.channel, err, tt.wantErr)
			}
			if kind != tt.wantKind || id != tt.wantID {
				t.Errorf("ParseChannel(%q) = (%q, %q), want (%q, %q)", tt.channel, kind, id, tt.wantKind, tt.wantID)
			}
		})
	}
}

func TestChannelNameHelpers(t *testing.T) {
	if got := ConversationChannel("c1"); got != "conversation:c1" {
		t.Errorf("ConversationChannel = %q", got)
	}
	if got := OpenRoomChannel("r1"); got != "open-room:r1" {
		t.Errorf("OpenRoomChannel = %q", got)
	}
	if got := MatchingChannel("u1"); got != "matching:u1" {
		t.Errorf("MatchingChannel = %q", got)
	}
	if got := NotificationsChannel("u1"); got != "notifications:u1" {
		t.Errorf("NotificationsChannel = %q", got)
	}
}

// pipeConn creates a Connection over one end of a net.Pipe and returns the
// peer end for reading frames in the test.
func pipeConn(id, userID string) (*Connection, net.Conn) {
	server, client := net.Pipe()
	c := &Connection{
		ID:        id,
		UserID:    userID,
		Conn:      server,
		Fd:        -1,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
	return c, client
}

func TestHubSubscribeBookkeeping(t *testing.T) {
	h := NewHub()
	c1, _ := pipeConn("conn-1", "alice")
	c2, _ := pipeConn("conn-2", "bob")

	h.Subscribe("conversation:c1", c1)
	h.Subscribe("conversation:c1", c1) // duplicate is a no-op
	h.Subscribe("conversation:c1", c2)
	h.Subscribe("notifications:alice", c1)

	if !h.Subscribed("conversation:c1", "conn-1") {
		t.Error("conn-1 should be subscribed to conversation:c1")
	}
	if !h.UserPresent("conversation:c1", "bob") {
		t.Error("bob should be present on conversation:c1")
	}
	if h.UserPresent("conversation:c1", "carol") {
		t.Error("carol should not be present")
	}
	if users := h.SubscriberUsers("conversation:c1"); len(users) != 2 {
		t.Errorf("SubscriberUsers = %v, want 2 users", users)
	}

	if !h.Unsubscribe("conversation:c1", "conn-1") {
		t.Error("Unsubscribe should report the subscription existed")
	}
	if h.Unsubscribe("conversation:c1", "conn-1") {
		t.Error("second Unsubscribe should report false")
	}
	if h.Subscribed("conversation:c1", "conn-1") {
		t.Error("conn-1 should no longer be subscribed")
	}
	if !h.Subscribed("notifications:alice", "conn-1") {
		t.Error("unrelated subscription should survive")
	}
}

func TestHubUnsubscribeAll(t *testing.T) {
	h := NewHub()
	c1, _ := pipeConn("conn-1", "alice")
	c2, _ := pipeConn("conn-2", "bob")

	h.Subscribe("conversation:c1", c1)
	h.Subscribe("matching:alice", c1)
	h.Subscribe("conversation:c1", c2)

	channels := h.UnsubscribeAll("conn-1")
	if len(channels) != 2 {
		t.Fatalf("UnsubscribeAll returned %v, want 2 channels", channels)
	}
	seen := map[string]bool{}
	for _, ch := range channels {
		seen[ch] = true
	}
	if !seen["conversation:c1"] || !seen["matching:alice"] {
		t.Errorf("UnsubscribeAll returned %v", channels)
	}

	if h.Subscribed("conversation:c1", "conn-1") {
		t.Error("conn-1 subscriptions should be gone")
	}
	if !h.Subscribed("conversation:c1", "conn-2") {
		t.Error("conn-2 subscription should survive")
	}

	if got := h.UnsubscribeAll("conn-unknown"); len(got) != 0 {
		t.Errorf("UnsubscribeAll for unknown conn = %v, want empty", got)
	}
}

func TestHubBroadcastDeliversToSubscribers(t *testing.T) {
	h := NewHub()
	c1, peer1 := pipeConn("conn-1", "alice")
	c2, peer2 := pipeConn("conn-2", "bob")
	c3, _ := pipeConn("conn-3", "carol")

	h.Subscribe("conversation:c1", c1)
	h.Subscribe("conversation:c1", c2)
	h.Subscribe("conversation:other", c3)

	payload := []byte(`{"type":"new_message","content":"hi"}`)
	done := make(chan int, 1)
	go func() {
		done <- h.Broadcast("conversation:c1", payload)
	}()

	for _, peer := range []net.Conn{peer1, peer2} {
		peer.SetReadDeadline(time.Now().Add(time.Second))
		data, err := wsutil.ReadServerText(peer)
		if err != nil {
			t.Fatalf("read broadcast frame: %v", err)
		}
		var got map[string]interface{}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("broadcast payload not JSON: %v", err)
		}
		if got["type"] != "new_message" {
			t.Errorf("payload type = %v", got["type"])
		}
	}

	select {
	case n := <-done:
		if n != 2 {
			t.Errorf("Broadcast delivered to %d conns, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Broadcast did not return")
	}
}

func TestConnectionManagerIndexes(t *testing.T) {
	cm := NewConnectionManager()
	c1, _ := pipeConn("conn-1", "alice")
	c2, _ := pipeConn("conn-2", "alice")
	c3, _ := pipeConn("conn-3", "bob")

	cm.Add(c1)
	cm.Add(c2)
	cm.Add(c3)

	if cm.Count() != 3 {
		t.Fatalf("Count = %d, want 3", cm.Count())
	}
	if got := cm.Get("conn-2"); got != c2 {
		t.Error("Get by ID returned wrong connection")
	}
	if !cm.UserOnline("alice") {
		t.Error("alice should be online")
	}
	if got := cm.UserConnections("alice"); len(got) != 2 {
		t.Errorf("alice has %d connections, want 2", len(got))
	}

	if !cm.Remove("conn-1") {
		t.Error("Remove should report success")
	}
	if cm.Remove("conn-1") {
		t.Error("double Remove should report false")
	}
	if !cm.UserOnline("alice") {
		t.Error("alice still has conn-2, should be online")
	}

	cm.Remove("conn-2")
	if cm.UserOnline("alice") {
		t.Error("alice should be offline after losing both connections")
	}
	if !cm.UserOnline("bob") {
		t.Error("bob should be unaffected")
	}
}

func TestConnectionWriteMessageFrames(t *testing.T) {
	c, peer := pipeConn("conn-1", "alice")

	go func() {
		_ = c.WriteMessage([]byte(`{"type":"pong"}`))
	}()

	peer.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := ws.ReadFrame(peer)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Header.OpCode != ws.OpText {
		t.Errorf("opcode = %v, want text", frame.Header.OpCode)
	}
}
