package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeBroadcaster struct {
	present   map[string]bool // channel -> live
	broadcast []string        // channels broadcast to
}

func (f *fakeBroadcaster) UserPresent(channel, userID string) bool {
	return f.present[channel]
}

func (f *fakeBroadcaster) Broadcast(channel string, data []byte) int {
	f.broadcast = append(f.broadcast, channel)
	return 1
}

type fakePrefs struct {
	disabled map[string]bool // userID+event -> opted out
	err      error
}

func (f *fakePrefs) NotificationEnabled(_ context.Context, userID, eventType string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.disabled[userID+eventType], nil
}

type fakeSink struct {
	published map[string][]byte
}

func (f *fakeSink) PublishUserEvent(userID string, data []byte) error {
	if f.published == nil {
		f.published = make(map[string][]byte)
	}
	f.published[userID] = data
	return nil
}

func TestNotifyPushesOfflineUser(t *testing.T) {
	bc := &fakeBroadcaster{present: map[string]bool{}}
	sink := &fakeSink{}
	n := NewNotifier(bc, &fakePrefs{}, sink, true)

	n.Notify(context.Background(), "bob", EventNewMessage, "conv-1", "alice")

	data, ok := sink.published["bob"]
	if !ok {
		t.Fatal("offline user should get an external push")
	}
	if len(bc.broadcast) != 0 {
		t.Error("no live broadcast expected for an offline user")
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got["type"] != "new_notification" || got["event"] != EventNewMessage {
		t.Errorf("payload = %v", got)
	}
	if got["conversation_id"] != "conv-1" || got["from_user_id"] != "alice" {
		t.Errorf("payload = %v", got)
	}
}

func TestNotifyDeliversLiveUserInSocket(t *testing.T) {
	bc := &fakeBroadcaster{present: map[string]bool{"notifications:bob": true}}
	sink := &fakeSink{}
	n := NewNotifier(bc, &fakePrefs{}, sink, true)

	n.Notify(context.Background(), "bob", EventNewMessage, "conv-1", "alice")

	if len(bc.broadcast) != 1 || bc.broadcast[0] != "notifications:bob" {
		t.Errorf("broadcast = %v, want notifications:bob", bc.broadcast)
	}
	if len(sink.published) != 0 {
		t.Error("live user should not get an external push")
	}
}

func TestNotifyHonorsOptOut(t *testing.T) {
	bc := &fakeBroadcaster{present: map[string]bool{}}
	sink := &fakeSink{}
	prefs := &fakePrefs{disabled: map[string]bool{"bob" + EventNewMessage: true}}
	n := NewNotifier(bc, prefs, sink, true)

	n.Notify(context.Background(), "bob", EventNewMessage, "conv-1", "alice")

	if len(sink.published) != 0 || len(bc.broadcast) != 0 {
		t.Error("opted-out user should get nothing")
	}

	// The opt-out is per event type.
	n.Notify(context.Background(), "bob", EventConnectionRequest, "conv-1", "alice")
	if _, ok := sink.published["bob"]; !ok {
		t.Error("other event types should still be delivered")
	}
}

func TestNotifyPrefErrorDefaultsToEnabled(t *testing.T) {
	bc := &fakeBroadcaster{present: map[string]bool{}}
	sink := &fakeSink{}
	n := NewNotifier(bc, &fakePrefs{err: errors.New("db down")}, sink, true)

	n.Notify(context.Background(), "bob", EventNewMessage, "conv-1", "alice")

	if _, ok := sink.published["bob"]; !ok {
		t.Error("preference errors should fall back to the opt-in default")
	}
}

func TestNotifyMasterToggle(t *testing.T) {
	bc := &fakeBroadcaster{present: map[string]bool{"notifications:bob": true}}
	sink := &fakeSink{}
	n := NewNotifier(bc, &fakePrefs{}, sink, false)

	n.Notify(context.Background(), "bob", EventNewMessage, "conv-1", "alice")

	if len(sink.published) != 0 || len(bc.broadcast) != 0 {
		t.Error("disabled notifier should deliver nothing")
	}
}

func TestNotifyNilSink(t *testing.T) {
	bc := &fakeBroadcaster{present: map[string]bool{}}
	n := NewNotifier(bc, &fakePrefs{}, nil, true)

	// Must not panic; the event is simply dropped for offline users.
	n.Notify(context.Background(), "bob", EventNewMessage, "conv-1", "alice")
}
