package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lingomate/chat-core/internal/convo"
	"github.com/lingomate/chat-core/internal/hub"
	"github.com/lingomate/chat-core/internal/identity"
	"github.com/lingomate/chat-core/internal/matching"
	"github.com/lingomate/chat-core/internal/metrics"
	"github.com/lingomate/chat-core/internal/moderation"
	"github.com/lingomate/chat-core/internal/notify"
	"github.com/lingomate/chat-core/internal/protocol"
	"github.com/lingomate/chat-core/internal/ratelimit"
)

// startMatchingRequest carries the caller's filters. Empty filters admit
// everyone; chat_mode defaults to text.
type startMatchingRequest struct {
	PreferredGender  string `json:"preferred_gender"`
	PreferredCountry string `json:"preferred_country"`
	ChatMode         string `json:"chat_mode"`
}

func (s *Server) handleStartMatching(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req startMatchingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	mode := matching.ChatMode(req.ChatMode)
	if mode == "" {
		mode = matching.ModeText
	}
	if mode != matching.ModeText && mode != matching.ModeVideo {
		writeError(w, http.StatusBadRequest, "chat_mode must be text or video")
		return
	}

	result, err := s.deps.Matcher.Start(r.Context(),
		matching.Profile{UserID: user.ID, Gender: user.Gender, Country: user.Country},
		matching.Preference{
			PreferredGender:  req.PreferredGender,
			PreferredCountry: req.PreferredCountry,
			ChatMode:         mode,
		})
	if err != nil {
		log.Printf("[api] start matching %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "matching failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"matched":         result.Matched,
		"conversation_id": result.ConversationID,
		"position":        result.Position,
		"queue_size":      result.QueueSize,
	})
}

func (s *Server) handleStopMatching(w http.ResponseWriter, r *http.Request, user *identity.User) {
	removed := s.deps.Matcher.Stop(r.Context(), user.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"was_waiting": removed})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request, user *identity.User) {
	pos, waiting := s.deps.Matcher.Position(user.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"waiting":  waiting,
		"position": pos,
	})
}

// handleMessages returns the conversation history visible to the caller:
// nothing from before their last leave, expired content replaced by the
// placeholder.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user *identity.User) {
	convID := r.PathValue("id")
	limit := queryInt(r, "limit", 50)

	msgs, err := s.deps.Convos.MessagesFor(r.Context(), convID, user.ID, limit)
	if errors.Is(err, convo.ErrNotFound) || errors.Is(err, convo.ErrNotParticipant) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		log.Printf("[api] messages %s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "history fetch failed")
		return
	}

	now := time.Now()
	out := make([]map[string]interface{}, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		out = append(out, map[string]interface{}{
			"message_id": m.ID,
			"sender_id":  m.SenderID,
			"content":    m.DisplayContent(),
			"created_at": m.CreatedAt.Unix(),
			"is_read":    m.IsRead,
			"expired":    m.Expired(now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request, user *identity.User) {
	convID := r.PathValue("id")

	n, err := s.deps.Convos.UnreadCount(r.Context(), convID, user.ID)
	if err != nil {
		log.Printf("[api] unread %s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "unread count failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// handleLeave transitions the caller to left and, for anonymous
// conversations, persists evidence and tears the room down if it emptied.
// Leaving twice, or leaving a conversation that no longer exists, succeeds.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, user *identity.User) {
	convID := r.PathValue("id")
	ctx := r.Context()

	left, err := s.deps.Convos.Leave(ctx, convID, user.ID)
	if errors.Is(err, convo.ErrNotFound) || errors.Is(err, convo.ErrNotParticipant) {
		// Already torn down, or a repeat of a call that raced teardown.
		writeJSON(w, http.StatusOK, map[string]bool{"left": false})
		return
	}
	if err != nil {
		log.Printf("[api] leave %s/%s: %v", convID, user.ID, err)
		writeError(w, http.StatusInternalServerError, "leave failed")
		return
	}

	// Live peers hear about the departure the same way the socket leave
	// path announces it.
	if left && s.deps.Live != nil {
		channel := hub.ConversationChannel(convID)
		if out, err := protocol.NewServerMessage(protocol.TypePartnerLeft, protocol.PartnerLeftMsg{Channel: channel}); err == nil {
			s.deps.Live.Broadcast(channel, out)
		}
	}

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.Persist(ctx, convID); err != nil {
			log.Printf("[api] persist evidence %s: %v", convID, err)
		}
	}
	if _, err := s.deps.Convos.TeardownIfEmpty(ctx, convID); err != nil {
		log.Printf("[api] teardown check %s: %v", convID, err)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"left": left})
}

// handleCreateRequest files a connection request against the other
// participant of the conversation. A repeat while the first is pending
// returns the existing request. The block check runs before anything is
// written, so a blocked pair never leaves a pending row behind the 403.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, user *identity.User) {
	convID := r.PathValue("id")
	ctx := r.Context()

	parts, err := s.deps.Convos.Participants(ctx, convID)
	if err != nil {
		log.Printf("[api] request participants %s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "request failed")
		return
	}
	receiverID := ""
	for _, p := range parts {
		if p.UserID != user.ID {
			receiverID = p.UserID
			break
		}
	}
	if receiverID != "" {
		blocked, err := s.deps.Directory.IsBlocked(ctx, user.ID, receiverID)
		if err != nil {
			log.Printf("[api] block check %s/%s: %v", user.ID, receiverID, err)
			writeError(w, http.StatusInternalServerError, "request failed")
			return
		}
		if blocked {
			writeError(w, http.StatusForbidden, "request not possible")
			return
		}
	}

	req, created, err := s.deps.Convos.CreateRequest(ctx, convID, user.ID)
	if errors.Is(err, convo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if errors.Is(err, convo.ErrNotParticipant) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	if err != nil {
		log.Printf("[api] create request %s/%s: %v", convID, user.ID, err)
		writeError(w, http.StatusInternalServerError, "request failed")
		return
	}

	if created && s.deps.Notifier != nil {
		s.deps.Notifier.Notify(ctx, req.ReceiverID, notify.EventConnectionRequest, convID, user.ID)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, requestJSON(req))
}

type respondRequestBody struct {
	Accept bool `json:"accept"`
}

// handleRespondRequest applies the receiver's decision. Accepting creates
// the directed follow edge requester -> receiver and tells the requester.
// The edge is written before the status flips to accepted, so a settled
// request always has its edge; an accept retry re-attempts the idempotent
// edge write.
func (s *Server) handleRespondRequest(w http.ResponseWriter, r *http.Request, user *identity.User) {
	reqID := r.PathValue("id")
	var body respondRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	ctx := r.Context()

	if body.Accept {
		pre, err := s.deps.Convos.GetRequest(ctx, reqID)
		if errors.Is(err, convo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		if err != nil {
			log.Printf("[api] respond lookup %s: %v", reqID, err)
			writeError(w, http.StatusInternalServerError, "respond failed")
			return
		}
		if pre.ReceiverID == user.ID && pre.Status != convo.RequestRejected {
			if err := s.deps.Directory.CreateFollow(ctx, pre.RequesterID, pre.ReceiverID); err != nil {
				log.Printf("[api] create follow %s -> %s: %v", pre.RequesterID, pre.ReceiverID, err)
				writeError(w, http.StatusInternalServerError, "respond failed")
				return
			}
		}
	}

	req, err := s.deps.Convos.RespondRequest(ctx, reqID, user.ID, body.Accept)
	switch {
	case errors.Is(err, convo.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
		return
	case errors.Is(err, convo.ErrNotReceiver):
		writeError(w, http.StatusForbidden, "only the receiver may respond")
		return
	case errors.Is(err, convo.ErrAlreadyDecided):
		// Settled is settled; report the outcome without changing it.
		writeJSON(w, http.StatusOK, requestJSON(req))
		return
	case err != nil:
		log.Printf("[api] respond request %s: %v", reqID, err)
		writeError(w, http.StatusInternalServerError, "respond failed")
		return
	}

	if req.Status == convo.RequestAccepted && s.deps.Notifier != nil {
		s.deps.Notifier.Notify(ctx, req.RequesterID, notify.EventRequestAccepted, req.ConversationID, req.ReceiverID)
	}

	writeJSON(w, http.StatusOK, requestJSON(req))
}

func requestJSON(req *convo.ConnectionRequest) map[string]interface{} {
	return map[string]interface{}{
		"request_id":      req.ID,
		"conversation_id": req.ConversationID,
		"requester_id":    req.RequesterID,
		"receiver_id":     req.ReceiverID,
		"status":          string(req.Status),
	}
}

type submitReportBody struct {
	ReportedUserID string `json:"reported_user_id"`
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	VideoFrame     []byte `json:"video_frame,omitempty"` // base64 in JSON
}

// handleSubmitReport files an abuse report with the conversation's evidence
// snapshot attached. Submissions are rate limited per reporter; a duplicate
// pending report is returned as-is.
func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var body submitReportBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ReportedUserID == "" || body.ReportedUserID == user.ID {
		writeError(w, http.StatusBadRequest, "invalid reported user")
		return
	}
	ctx := r.Context()

	if s.deps.Limiter != nil {
		allowed, _ := s.deps.Limiter.Allow(ctx, user.ID, ratelimit.RuleReport)
		if !allowed {
			retry := int(s.deps.Limiter.RetryAfter(ctx, user.ID, ratelimit.RuleReport).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "report rate limit exceeded")
			return
		}
	}

	report := &moderation.Report{
		ReporterID:     user.ID,
		ReportedUserID: body.ReportedUserID,
		ConversationID: body.ConversationID,
		Type:           body.Type,
		Description:    body.Description,
		VideoFrame:     body.VideoFrame,
	}

	if body.ConversationID != "" && s.deps.Evidence != nil {
		report.Evidence = s.deps.Evidence.Snapshot(body.ConversationID)
		if len(report.Evidence) == 0 && s.deps.Recorder != nil {
			// The room may already be torn down; fall back to the
			// persisted trail.
			if snaps, err := s.deps.Recorder.Load(ctx, body.ConversationID); err == nil {
				report.Evidence = snaps
			}
		}
	}

	saved, created, err := s.deps.Reports.Submit(ctx, report)
	if errors.Is(err, moderation.ErrInvalidType) {
		writeError(w, http.StatusBadRequest, "invalid report type")
		return
	}
	if err != nil {
		log.Printf("[api] submit report by %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "report failed")
		return
	}

	if created {
		metrics.ReportsTotal.WithLabelValues(moderation.StatusPending).Inc()
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"report_id": saved.ID,
		"status":    saved.Status,
		"duplicate": !created,
	})
}

func (s *Server) handleReviewReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Reports.Review(r.Context(), id)
	if errors.Is(err, moderation.ErrNotFound) || errors.Is(err, moderation.ErrWrongStatus) {
		writeError(w, http.StatusConflict, "report not reviewable")
		return
	}
	if err != nil {
		log.Printf("[api] review report %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "review failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": moderation.StatusReviewing})
}

func (s *Server) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	outcome, err := s.deps.Moderator.ResolveReport(r.Context(), id)
	if errors.Is(err, moderation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if errors.Is(err, moderation.ErrWrongStatus) {
		writeError(w, http.StatusConflict, "report already settled")
		return
	}
	if err != nil {
		log.Printf("[api] resolve report %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "resolve failed")
		return
	}

	if s.deps.Actions != nil && outcome.Action != moderation.ActionNone {
		payload, err := json.Marshal(map[string]interface{}{
			"user_id":  outcome.Report.ReportedUserID,
			"action":   outcome.Action.String(),
			"duration": int(outcome.Action.Duration().Seconds()),
		})
		if err == nil {
			if err := s.deps.Actions.PublishModerationAction(outcome.Report.ReportedUserID, payload); err != nil {
				log.Printf("[api] publish moderation action: %v", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report_id":      outcome.Report.ID,
		"active_reports": outcome.ActiveCount,
		"action":         outcome.Action.String(),
		"already_banned": outcome.AlreadyBanned,
	})
}

func (s *Server) handleDismissReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	report, err := s.deps.Moderator.DismissReport(r.Context(), id)
	if errors.Is(err, moderation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		log.Printf("[api] dismiss report %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "dismiss failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"report_id": report.ID,
		"status":    report.Status,
	})
}
