// Package api is the REST surface of the chat core: matchmaking entry and
// exit, conversation lifecycle calls that do not fit the socket protocol
// (leave, history, connection requests), report submission, and the admin
// moderation endpoints.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lingomate/chat-core/internal/convo"
	"github.com/lingomate/chat-core/internal/evidence"
	"github.com/lingomate/chat-core/internal/identity"
	"github.com/lingomate/chat-core/internal/matching"
	"github.com/lingomate/chat-core/internal/moderation"
	"github.com/lingomate/chat-core/internal/ratelimit"
)

const requestTimeout = 5 * time.Second

// Conversations is the slice of the conversation store the API uses.
// Implemented by *convo.Store.
type Conversations interface {
	Get(ctx context.Context, id string) (*convo.Conversation, error)
	Participant(ctx context.Context, convID, userID string) (*convo.Participant, error)
	Participants(ctx context.Context, convID string) ([]convo.Participant, error)
	MessagesFor(ctx context.Context, convID, userID string, limit int) ([]convo.Message, error)
	UnreadCount(ctx context.Context, convID, userID string) (int, error)
	Leave(ctx context.Context, convID, userID string) (bool, error)
	TeardownIfEmpty(ctx context.Context, convID string) (bool, error)
	CreateRequest(ctx context.Context, convID, requesterID string) (*convo.ConnectionRequest, bool, error)
	GetRequest(ctx context.Context, id string) (*convo.ConnectionRequest, error)
	RespondRequest(ctx context.Context, id, userID string, accept bool) (*convo.ConnectionRequest, error)
}

// Matcher is the matchmaking service surface. Implemented by
// *matching.Service.
type Matcher interface {
	Start(ctx context.Context, profile matching.Profile, prefs matching.Preference) (*matching.StartResult, error)
	Stop(ctx context.Context, userID string) bool
	Position(userID string) (int, bool)
}

// Reports is the report store surface. Implemented by *moderation.Store.
type Reports interface {
	Submit(ctx context.Context, r *moderation.Report) (*moderation.Report, bool, error)
	Get(ctx context.Context, id string) (*moderation.Report, error)
	Review(ctx context.Context, id string) error
}

// Moderator applies moderation decisions. Implemented by
// *moderation.Moderator.
type Moderator interface {
	ResolveReport(ctx context.Context, reportID string) (*moderation.Outcome, error)
	DismissReport(ctx context.Context, reportID string) (*moderation.Report, error)
}

// EvidenceSource supplies the snapshot attached to a report: the live ring
// when the conversation still exists, the persisted copy otherwise.
type EvidenceSource interface {
	Snapshot(convID string) []evidence.Snapshot
}

// PersistedEvidence loads evidence that outlived its conversation.
// Implemented by *evidence.Recorder.
type PersistedEvidence interface {
	Load(ctx context.Context, convID string) ([]evidence.Snapshot, error)
	Persist(ctx context.Context, convID string) error
}

// EventNotifier pushes cross-cutting events to users. Implemented by
// *notify.Notifier.
type EventNotifier interface {
	Notify(ctx context.Context, userID, event, conversationID, fromUserID string)
}

// ActionPublisher carries moderation outcomes off-process. Implemented by
// *notify.NATSClient.
type ActionPublisher interface {
	PublishModerationAction(userID string, data []byte) error
}

// ChannelBroadcaster pushes a frame to the live subscribers of a channel.
// Implemented by *hub.Hub.
type ChannelBroadcaster interface {
	Broadcast(channel string, data []byte) int
}

// Deps bundles everything the API server needs.
type Deps struct {
	Directory identity.Directory
	Convos    Conversations
	Matcher   Matcher
	Reports   Reports
	Moderator Moderator
	Evidence  EvidenceSource
	Recorder  PersistedEvidence
	Limiter   *ratelimit.Limiter // nil disables rate limits
	Notifier  EventNotifier      // nil disables notifications
	Actions   ActionPublisher    // nil disables moderation fan-out
	Live      ChannelBroadcaster // nil disables channel fan-out

	// AdminToken guards the /api/admin endpoints. Empty disables them.
	AdminToken string
}

// Server holds the handler set.
type Server struct {
	deps Deps
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Register mounts every route on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/matching/start", s.auth(s.handleStartMatching))
	mux.HandleFunc("POST /api/matching/stop", s.auth(s.handleStopMatching))
	mux.HandleFunc("GET /api/matching/position", s.auth(s.handlePosition))

	mux.HandleFunc("GET /api/conversations/{id}/messages", s.auth(s.handleMessages))
	mux.HandleFunc("GET /api/conversations/{id}/unread", s.auth(s.handleUnread))
	mux.HandleFunc("POST /api/conversations/{id}/leave", s.auth(s.handleLeave))
	mux.HandleFunc("POST /api/conversations/{id}/requests", s.auth(s.handleCreateRequest))
	mux.HandleFunc("POST /api/requests/{id}/respond", s.auth(s.handleRespondRequest))

	mux.HandleFunc("POST /api/reports", s.auth(s.handleSubmitReport))

	mux.HandleFunc("POST /api/admin/reports/{id}/review", s.admin(s.handleReviewReport))
	mux.HandleFunc("POST /api/admin/reports/{id}/resolve", s.admin(s.handleResolveReport))
	mux.HandleFunc("POST /api/admin/reports/{id}/dismiss", s.admin(s.handleDismissReport))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user *identity.User)

// auth resolves the Bearer token and refuses suspended users before the
// handler runs.
func (s *Server) auth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		user, err := s.deps.Directory.Resolve(ctx, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if user.Suspended(time.Now()) {
			writeError(w, http.StatusForbidden, "account suspended")
			return
		}

		h(w, r.WithContext(ctx), user)
	}
}

// admin guards moderation endpoints with the shared admin token.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminToken == "" || bearerToken(r) != s.deps.AdminToken {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
