package matching

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lingomate/chat-core/internal/convo"
	"github.com/lingomate/chat-core/internal/metrics"
)

// ConversationCreator is the slice of the conversation store the matcher
// needs: turning a matched pair into an ephemeral anonymous conversation.
type ConversationCreator interface {
	CreateAnonymous(ctx context.Context, userA, userB string) (*convo.Conversation, error)
}

// PreferenceWriter persists preference changes made through the matcher.
type PreferenceWriter interface {
	Set(ctx context.Context, userID string, p Preference) error
	SetSearching(ctx context.Context, userID string, searching bool) error
}

// Events receives the asynchronous side of the matching contract: the caller
// of Start gets its result synchronously, the already-waiting counterpart
// learns about the match only through its personal channel. Queue-position
// updates go the same way.
type Events interface {
	MatchFound(userID, conversationID string)
	QueueUpdate(userID string, position, size int)
}

// Service is the matchmaker. It is constructed once at process start and
// injected into request handlers; all its state lives in the owned Queue.
type Service struct {
	queue  *Queue
	convos ConversationCreator
	prefs  PreferenceWriter
	events Events
}

// NewService wires the matchmaker.
func NewService(queue *Queue, convos ConversationCreator, prefs PreferenceWriter, events Events) *Service {
	return &Service{queue: queue, convos: convos, prefs: prefs, events: events}
}

// StartResult is the synchronous answer to a StartMatching call.
type StartResult struct {
	Matched        bool
	ConversationID string
	Position       int
	QueueSize      int
}

// Start enters a user into matchmaking. The scan for a waiting counterpart
// and the fallback enqueue are one queue operation: if a mutually compatible
// user is already waiting they are removed, an anonymous conversation is
// created, and the waiting side is told via Events; otherwise the caller is
// queued and gets its position. Calling Start while already queued is an
// idempotent no-op that reports the current position.
func (s *Service) Start(ctx context.Context, profile Profile, prefs Preference) (*StartResult, error) {
	prefs.IsSearching = true
	if err := s.prefs.Set(ctx, profile.UserID, prefs); err != nil {
		log.Printf("[matcher] persist prefs %s: %v", profile.UserID, err)
	}

	partner, pos, size := s.queue.FindOrEnqueue(profile, prefs)
	if partner == nil {
		metrics.QueueWaiting.Set(float64(size))
		return &StartResult{Position: pos, QueueSize: size}, nil
	}

	conv, err := s.convos.CreateAnonymous(ctx, partner.Profile.UserID, profile.UserID)
	if err != nil {
		// Put the counterpart back at the head so the failure costs them
		// nothing in queue order.
		s.queue.restore(partner)
		return nil, fmt.Errorf("matching: create conversation: %w", err)
	}

	metrics.QueueWaiting.Set(float64(s.queue.Size()))
	metrics.MatchWait.Observe(time.Since(partner.EnqueuedAt).Seconds())

	for _, uid := range []string{profile.UserID, partner.Profile.UserID} {
		if err := s.prefs.SetSearching(ctx, uid, false); err != nil {
			log.Printf("[matcher] clear searching %s: %v", uid, err)
		}
	}

	s.events.MatchFound(partner.Profile.UserID, conv.ID)
	s.notifyPositions()

	log.Printf("[matcher] matched %s with %s (conversation=%s)",
		profile.UserID, partner.Profile.UserID, conv.ID)
	return &StartResult{Matched: true, ConversationID: conv.ID}, nil
}

// Stop removes a user from the queue. Reports whether they were waiting.
func (s *Service) Stop(ctx context.Context, userID string) bool {
	removed := s.queue.Remove(userID)
	metrics.QueueWaiting.Set(float64(s.queue.Size()))

	if err := s.prefs.SetSearching(ctx, userID, false); err != nil {
		log.Printf("[matcher] clear searching %s: %v", userID, err)
	}
	if removed {
		s.notifyPositions()
	}
	return removed
}

// Position reports a user's 1-indexed queue position.
func (s *Service) Position(userID string) (int, bool) {
	return s.queue.Position(userID)
}

// notifyPositions pushes a queue_update to everyone still waiting. Queue
// sizes are small (thousands at the top end) and hub writes don't block, so
// this stays on the caller's goroutine.
func (s *Service) notifyPositions() {
	waiting := s.queue.Waiting()
	for i, e := range waiting {
		s.events.QueueUpdate(e.Profile.UserID, i+1, len(waiting))
	}
}

// restore reinserts an entry at the head of the queue, used when conversation
// creation fails after the matching scan already removed the entry.
func (q *Queue) restore(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byUser[e.Profile.UserID]; ok {
		return
	}
	q.entries = append([]*Entry{e}, q.entries...)
	q.byUser[e.Profile.UserID] = e
}
