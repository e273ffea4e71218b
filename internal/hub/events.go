package hub

import (
	"log"

	"github.com/lingomate/chat-core/internal/protocol"
)

// MatchEvents pushes matchmaking events to a user's personal matching
// channel. The waiting side of a match learns about it here; the caller that
// closed the match gets the result synchronously from the matching service.
type MatchEvents struct {
	hub *Hub
}

// NewMatchEvents creates the matching event sink over the hub.
func NewMatchEvents(hub *Hub) *MatchEvents {
	return &MatchEvents{hub: hub}
}

// MatchFound tells a waiting user their conversation is ready.
func (e *MatchEvents) MatchFound(userID, conversationID string) {
	data, err := protocol.NewServerMessage(protocol.TypeMatchFound, protocol.MatchFoundMsg{
		ConversationID: conversationID,
	})
	if err != nil {
		log.Printf("[hub] build match_found user=%s: %v", userID, err)
		return
	}
	e.hub.Broadcast(MatchingChannel(userID), data)
}

// QueueUpdate reports a waiting user's current position.
func (e *MatchEvents) QueueUpdate(userID string, position, size int) {
	data, err := protocol.NewServerMessage(protocol.TypeQueueUpdate, protocol.QueueUpdateMsg{
		Position:  position,
		QueueSize: size,
	})
	if err != nil {
		log.Printf("[hub] build queue_update user=%s: %v", userID, err)
		return
	}
	e.hub.Broadcast(MatchingChannel(userID), data)
}
