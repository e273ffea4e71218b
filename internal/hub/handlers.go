package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lingomate/chat-core/internal/convo"
	"github.com/lingomate/chat-core/internal/evidence"
	"github.com/lingomate/chat-core/internal/metrics"
	"github.com/lingomate/chat-core/internal/protocol"
	"github.com/lingomate/chat-core/internal/ratelimit"
)

// handlerTimeout bounds every store call made from a socket handler.
const handlerTimeout = 5 * time.Second

// ConversationStore is the slice of the conversation store the socket
// handlers use. Implemented by *convo.Store.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*convo.Conversation, error)
	Participant(ctx context.Context, convID, userID string) (*convo.Participant, error)
	Participants(ctx context.Context, convID string) ([]convo.Participant, error)
	AppendMessage(ctx context.Context, convID, senderID, content string) (*convo.Message, []string, error)
	MarkRead(ctx context.Context, convID, userID string) (int64, error)
	Leave(ctx context.Context, convID, userID string) (bool, error)
	TeardownIfEmpty(ctx context.Context, convID string) (bool, error)
}

// EvidencePersister persists a conversation's evidence ring before teardown.
// Implemented by *evidence.Recorder.
type EvidencePersister interface {
	Persist(ctx context.Context, convID string) error
}

// EventNotifier decides whether to push an external notification to a user
// who is not watching the channel live. Implemented by *notify.Notifier.
type EventNotifier interface {
	Notify(ctx context.Context, userID, event, conversationID, fromUserID string)
}

// Handlers implements the socket message flows: channel subscription with
// membership checks, durable message send with broadcast fan-out, read
// receipts, and the leave/teardown path shared by explicit unsubscribe and
// disconnect.
type Handlers struct {
	server    *Server
	convos    ConversationStore
	buf       *evidence.Buffer
	recorder  EvidencePersister
	limiter   *ratelimit.Limiter // nil disables the message rate limit
	notifier  EventNotifier      // nil disables external notifications
	sendLocks sync.Map           // conversation ID -> *sync.Mutex
}

// NewHandlers wires the socket handlers to their dependencies.
func NewHandlers(server *Server, convos ConversationStore, buf *evidence.Buffer, recorder EvidencePersister, limiter *ratelimit.Limiter, notifier EventNotifier) *Handlers {
	return &Handlers{
		server:   server,
		convos:   convos,
		buf:      buf,
		recorder: recorder,
		limiter:  limiter,
		notifier: notifier,
	}
}

// RegisterAll registers every handler with the dispatcher and hooks the
// disconnect path.
func (h *Handlers) RegisterAll(d *MessageDispatcher) {
	d.Register(protocol.TypeSubscribe, h.handleSubscribe)
	d.Register(protocol.TypeUnsubscribe, h.handleUnsubscribe)
	d.Register(protocol.TypeMessage, h.handleMessage)
	d.Register(protocol.TypeRead, h.handleRead)
	h.server.SetOnDisconnect(h.handleDisconnect)
}

// handleSubscribe joins a channel after verifying the caller is authorized:
// a participant row for conversation/open-room channels, the owning user for
// matching/notifications channels. On first attach to a conversation the
// unread backlog is flushed to read and its size reported back.
func (h *Handlers) handleSubscribe(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SubscribeMsg)
	if !ok {
		return
	}

	kind, id, err := ParseChannel(m.Channel)
	if err != nil {
		h.sendError(conn, "bad_channel", "malformed channel name")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch kind {
	case KindMatching, KindNotifications:
		if id != conn.UserID {
			h.sendError(conn, "forbidden", "channel belongs to another user")
			h.server.RemoveConnection(conn)
			return
		}
		h.server.Hub().Subscribe(m.Channel, conn)
		h.send(conn, protocol.TypeSubscribed, protocol.SubscribedMsg{Channel: m.Channel})

	case KindConversation, KindOpenRoom:
		conv, err := h.convos.Get(ctx, id)
		if errors.Is(err, convo.ErrNotFound) {
			// Torn down between the client learning the id and subscribing.
			h.send(conn, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{Channel: m.Channel})
			return
		}
		if err != nil {
			log.Printf("[hub] subscribe get conversation %s: %v", id, err)
			h.sendError(conn, "internal", "conversation lookup failed")
			return
		}

		if _, err := h.convos.Participant(ctx, id, conn.UserID); err != nil {
			if errors.Is(err, convo.ErrNotParticipant) {
				h.sendError(conn, "not_participant", "not a member of this channel")
				h.server.RemoveConnection(conn)
				return
			}
			log.Printf("[hub] subscribe participant check %s/%s: %v", id, conn.UserID, err)
			h.sendError(conn, "internal", "membership check failed")
			return
		}

		h.server.Hub().Subscribe(m.Channel, conn)

		var flushed int64
		if kind == KindConversation {
			if conv.Kind == convo.KindAnonymous {
				h.buf.Ensure(id)
			}
			flushed, err = h.convos.MarkRead(ctx, id, conn.UserID)
			if err != nil {
				log.Printf("[hub] subscribe flush unread %s/%s: %v", id, conn.UserID, err)
			}
		}
		h.send(conn, protocol.TypeSubscribed, protocol.SubscribedMsg{Channel: m.Channel, FlushedUnread: flushed})
	}
}

// handleUnsubscribe drops the channel subscription. For anonymous
// conversations an explicit unsubscribe also counts as leaving the room.
func (h *Handlers) handleUnsubscribe(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.UnsubscribeMsg)
	if !ok {
		return
	}

	if !h.server.Hub().Unsubscribe(m.Channel, conn.ID) {
		h.sendError(conn, "not_subscribed", "no subscription to this channel")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	h.leaveIfAnonymous(ctx, conn, m.Channel)

	h.send(conn, protocol.TypeUnsubscribed, protocol.UnsubscribedMsg{Channel: m.Channel})
}

// handleMessage commits a message to its conversation and fans it out to the
// channel. Broadcast happens only after the durable commit succeeds, so a
// frame a subscriber receives is always a frame that survives a restart.
func (h *Handlers) handleMessage(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.MessageMsg)
	if !ok {
		return
	}

	kind, id, err := ParseChannel(m.Channel)
	if err != nil || (kind != KindConversation && kind != KindOpenRoom) {
		h.sendError(conn, "bad_channel", "messages go to conversation or open-room channels")
		return
	}
	if m.Content == "" {
		h.sendError(conn, "empty_message", "message content is empty")
		return
	}
	if !h.server.Hub().Subscribed(m.Channel, conn.ID) {
		h.sendError(conn, "not_subscribed", "subscribe to the channel before sending")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			retry := int(h.limiter.RetryAfter(ctx, conn.UserID, ratelimit.RuleMessage).Seconds())
			h.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
			return
		}
	}

	if h.publish(ctx, conn, m.Channel, id, m.Content) {
		h.settleRecipients(ctx, m.Channel, id, conn.UserID)
	}
}

// sendLock serializes the commit-to-broadcast span for one conversation.
func (h *Handlers) sendLock(convID string) func() {
	v, _ := h.sendLocks.LoadOrStore(convID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// publish commits the message and fans it out while holding the
// conversation's send lock, so the evidence trail and the subscribers both
// observe frames in commit order even with concurrent senders. Reports
// whether a frame was delivered.
func (h *Handlers) publish(ctx context.Context, conn *Connection, channel, convID, content string) bool {
	unlock := h.sendLock(convID)
	defer unlock()

	row, rejoined, err := h.convos.AppendMessage(ctx, convID, conn.UserID, content)
	if errors.Is(err, convo.ErrNotFound) {
		// The room was torn down while this sender still held a socket.
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.send(conn, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{Channel: channel})
		return false
	}
	if errors.Is(err, convo.ErrNotParticipant) {
		h.sendError(conn, "not_participant", "not a member of this channel")
		h.server.RemoveConnection(conn)
		return false
	}
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		log.Printf("[hub] append message %s: %v", convID, err)
		h.sendError(conn, "internal", "message not saved")
		return false
	}
	metrics.MessagesTotal.WithLabelValues("committed").Inc()

	if len(rejoined) > 0 {
		log.Printf("[hub] message to %s reactivated %d participant(s)", convID, len(rejoined))
	}

	// Only anonymous conversations carry a ring (Ensure runs at subscribe);
	// open rooms and direct conversations record no evidence.
	h.buf.Observe(convID, evidence.Snapshot{
		SenderID:  row.SenderID,
		Content:   row.Content,
		Timestamp: row.CreatedAt,
	})

	out, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.ServerMessageMsg{
		Channel:   channel,
		MessageID: row.ID,
		SenderID:  row.SenderID,
		Content:   row.Content,
		CreatedAt: row.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("[hub] build new_message %s: %v", convID, err)
		return false
	}
	h.server.Hub().Broadcast(channel, out)
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	return true
}

// settleRecipients marks the message read for every recipient watching the
// channel live and pushes an external notification to everyone else.
func (h *Handlers) settleRecipients(ctx context.Context, channel, convID, senderID string) {
	live := h.server.Hub().SubscriberUsers(channel)
	liveSet := make(map[string]struct{}, len(live))
	for _, uid := range live {
		liveSet[uid] = struct{}{}
		if uid == senderID {
			continue
		}
		if _, err := h.convos.MarkRead(ctx, convID, uid); err != nil {
			log.Printf("[hub] live mark read %s/%s: %v", convID, uid, err)
		}
	}

	if h.notifier == nil {
		return
	}
	parts, err := h.convos.Participants(ctx, convID)
	if err != nil {
		log.Printf("[hub] participants for notify %s: %v", convID, err)
		return
	}
	for _, p := range parts {
		if p.UserID == senderID {
			continue
		}
		if _, ok := liveSet[p.UserID]; ok {
			continue
		}
		h.notifier.Notify(ctx, p.UserID, protocol.TypeNewMessage, convID, senderID)
	}
}

// handleRead marks the caller's unread messages in the conversation read.
func (h *Handlers) handleRead(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.ReadMsg)
	if !ok {
		return
	}

	kind, id, err := ParseChannel(m.Channel)
	if err != nil || (kind != KindConversation && kind != KindOpenRoom) {
		h.sendError(conn, "bad_channel", "read applies to conversation channels")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := h.convos.MarkRead(ctx, id, conn.UserID); err != nil {
		log.Printf("[hub] mark read %s/%s: %v", id, conn.UserID, err)
		h.sendError(conn, "internal", "mark read failed")
	}
}

// handleDisconnect runs when a socket is removed for any reason. Every held
// subscription is dropped, and anonymous conversations the socket was
// attached to get the leave/teardown treatment.
func (h *Handlers) handleDisconnect(conn *Connection) {
	channels := h.server.Hub().UnsubscribeAll(conn.ID)
	if len(channels) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	for _, channel := range channels {
		h.leaveIfAnonymous(ctx, conn, channel)
	}
}

// leaveIfAnonymous transitions the user to left in an anonymous conversation
// behind the channel, persists the evidence ring, and tears the room down if
// it just emptied. Direct conversations and other channel kinds are left
// untouched; detaching a socket from them is not a leave.
func (h *Handlers) leaveIfAnonymous(ctx context.Context, conn *Connection, channel string) {
	kind, id, err := ParseChannel(channel)
	if err != nil || kind != KindConversation {
		return
	}

	// The user may still be watching through another socket.
	if h.server.Hub().UserPresent(channel, conn.UserID) {
		return
	}

	conv, err := h.convos.Get(ctx, id)
	if errors.Is(err, convo.ErrNotFound) {
		h.buf.Drop(id)
		return
	}
	if err != nil {
		log.Printf("[hub] leave lookup %s: %v", id, err)
		return
	}
	if conv.Kind != convo.KindAnonymous {
		return
	}

	left, err := h.convos.Leave(ctx, id, conn.UserID)
	if err != nil {
		log.Printf("[hub] leave %s/%s: %v", id, conn.UserID, err)
		return
	}
	if left {
		if out, err := protocol.NewServerMessage(protocol.TypePartnerLeft, protocol.PartnerLeftMsg{Channel: channel}); err == nil {
			h.server.Hub().Broadcast(channel, out)
		}
	}

	// Evidence outlives the room; persist before the teardown check.
	if h.recorder != nil {
		if err := h.recorder.Persist(ctx, id); err != nil {
			log.Printf("[hub] persist evidence %s: %v", id, err)
		}
	}

	torn, err := h.convos.TeardownIfEmpty(ctx, id)
	if err != nil {
		log.Printf("[hub] teardown check %s: %v", id, err)
		return
	}
	if torn {
		h.buf.Drop(id)
		log.Printf("[hub] anonymous conversation %s torn down", id)
	}
}

func (h *Handlers) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[hub] failed to send %s conn=%s: %v", msgType, conn.ID, err)
	}
}

func (h *Handlers) sendError(conn *Connection, code, message string) {
	h.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
