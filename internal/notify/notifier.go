package notify

import (
	"context"
	"log"

	"github.com/lingomate/chat-core/internal/hub"
	"github.com/lingomate/chat-core/internal/metrics"
	"github.com/lingomate/chat-core/internal/protocol"
)

// Event types carried in notification payloads.
const (
	EventNewMessage        = "new_message"
	EventConnectionRequest = "connection_request"
	EventRequestAccepted   = "request_accepted"
)

// Broadcaster is the live-delivery side of the notifier. Implemented by
// *hub.Hub.
type Broadcaster interface {
	UserPresent(channel, userID string) bool
	Broadcast(channel string, data []byte) int
}

// PrefReader reads a user's per-event opt-in state. Implemented by the
// identity directory. Users are opted in by default.
type PrefReader interface {
	NotificationEnabled(ctx context.Context, userID, eventType string) (bool, error)
}

// Sink carries notifications off-process for users without a live socket.
// Implemented by *NATSClient.
type Sink interface {
	PublishUserEvent(userID string, data []byte) error
}

// Notifier fans events out to users. Delivery picks exactly one path per
// event: the user's live notifications channel if they hold a socket on it,
// otherwise the external sink. Users who opted out of the event type get
// nothing.
type Notifier struct {
	broadcaster Broadcaster
	prefs       PrefReader
	sink        Sink // nil means no external push
	enabled     bool // master kill switch
}

// NewNotifier creates a Notifier. Passing enabled=false turns the whole
// notification path off without unwiring it.
func NewNotifier(broadcaster Broadcaster, prefs PrefReader, sink Sink, enabled bool) *Notifier {
	return &Notifier{
		broadcaster: broadcaster,
		prefs:       prefs,
		sink:        sink,
		enabled:     enabled,
	}
}

// Notify delivers one event to one user. Errors never propagate to the
// message path that triggered the event; a lost notification is recovered by
// the client fetching its conversation list.
func (n *Notifier) Notify(ctx context.Context, userID, event, conversationID, fromUserID string) {
	if !n.enabled {
		metrics.NotificationsTotal.WithLabelValues("disabled").Inc()
		return
	}

	enabled, err := n.prefs.NotificationEnabled(ctx, userID, event)
	if err != nil {
		// Preference lookup failure falls back to the opt-in default.
		log.Printf("[notify] preference lookup user=%s event=%s: %v", userID, event, err)
		enabled = true
	}
	if !enabled {
		metrics.NotificationsTotal.WithLabelValues("opted_out").Inc()
		return
	}

	payload, err := protocol.NewServerMessage(protocol.TypeNewNotification, protocol.NotificationMsg{
		Event:          event,
		ConversationID: conversationID,
		FromUserID:     fromUserID,
	})
	if err != nil {
		log.Printf("[notify] build payload user=%s event=%s: %v", userID, event, err)
		return
	}

	channel := hub.NotificationsChannel(userID)
	if n.broadcaster.UserPresent(channel, userID) {
		n.broadcaster.Broadcast(channel, payload)
		metrics.NotificationsTotal.WithLabelValues("skipped_live").Inc()
		return
	}

	if n.sink == nil {
		return
	}
	if err := n.sink.PublishUserEvent(userID, payload); err != nil {
		log.Printf("[notify] publish user=%s event=%s: %v", userID, event, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("pushed").Inc()
}
