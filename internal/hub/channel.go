// Package hub is the connection/broadcast layer: it upgrades sockets, maps
// logical channels to the set of live connections subscribed to them, and
// delivers events to every subscriber of a channel. Delivery order within a
// channel is the order broadcasts are issued; there is no redelivery — a
// missed broadcast is recovered by the client re-fetching conversation state.
package hub

import (
	"fmt"
	"strings"
)

// Channel kinds. conversation and open-room are membership-gated; matching
// and notifications are personal channels owned by exactly one user.
const (
	KindConversation  = "conversation"
	KindOpenRoom      = "open-room"
	KindMatching      = "matching"
	KindNotifications = "notifications"
)

// ConversationChannel names the channel of a conversation.
func ConversationChannel(convID string) string {
	return KindConversation + ":" + convID
}

// OpenRoomChannel names the channel of a group room.
func OpenRoomChannel(roomID string) string {
	return KindOpenRoom + ":" + roomID
}

// MatchingChannel names a user's personal matchmaking channel.
func MatchingChannel(userID string) string {
	return KindMatching + ":" + userID
}

// NotificationsChannel names a user's cross-cutting notification channel.
func NotificationsChannel(userID string) string {
	return KindNotifications + ":" + userID
}

// ParseChannel splits a channel name into kind and id. The id is a
// conversation/room id or the owning user id depending on the kind.
func ParseChannel(name string) (kind, id string, err error) {
	i := strings.Index(name, ":")
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("hub: malformed channel %q", name)
	}
	kind, id = name[:i], name[i+1:]
	switch kind {
	case KindConversation, KindOpenRoom, KindMatching, KindNotifications:
		return kind, id, nil
	default:
		return "", "", fmt.Errorf("hub: unknown channel kind %q", kind)
	}
}
