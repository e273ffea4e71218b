package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lingomate/chat-core/internal/convo"
	"github.com/lingomate/chat-core/internal/evidence"
	"github.com/lingomate/chat-core/internal/identity"
	"github.com/lingomate/chat-core/internal/matching"
	"github.com/lingomate/chat-core/internal/moderation"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeDirectory struct {
	users      map[string]*identity.User // token -> user
	follows    [][2]string
	followErr  error
	blocked    map[[2]string]bool
	blockedErr error
}

func (f *fakeDirectory) Resolve(_ context.Context, token string) (*identity.User, error) {
	u, ok := f.users[token]
	if !ok {
		return nil, identity.ErrUnknownToken
	}
	return u, nil
}

func (f *fakeDirectory) Lookup(_ context.Context, userID string) (*identity.User, error) {
	for _, u := range f.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (f *fakeDirectory) IsBlocked(_ context.Context, a, b string) (bool, error) {
	if f.blockedErr != nil {
		return false, f.blockedErr
	}
	return f.blocked[[2]string{a, b}] || f.blocked[[2]string{b, a}], nil
}

func (f *fakeDirectory) CreateFollow(_ context.Context, followerID, followeeID string) error {
	if f.followErr != nil {
		return f.followErr
	}
	f.follows = append(f.follows, [2]string{followerID, followeeID})
	return nil
}

func (f *fakeDirectory) NotificationEnabled(context.Context, string, string) (bool, error) {
	return true, nil
}

type fakeConvos struct {
	leaveErr     error
	leftActive   bool
	participants []convo.Participant
	requests     map[string]*convo.ConnectionRequest
	respondErr   error
	createCalls  int
}

func (f *fakeConvos) Get(context.Context, string) (*convo.Conversation, error) { return nil, nil }
func (f *fakeConvos) Participant(context.Context, string, string) (*convo.Participant, error) {
	return nil, nil
}

func (f *fakeConvos) Participants(context.Context, string) ([]convo.Participant, error) {
	return f.participants, nil
}
func (f *fakeConvos) MessagesFor(context.Context, string, string, int) ([]convo.Message, error) {
	return nil, nil
}
func (f *fakeConvos) UnreadCount(context.Context, string, string) (int, error) { return 0, nil }

func (f *fakeConvos) Leave(context.Context, string, string) (bool, error) {
	if f.leaveErr != nil {
		return false, f.leaveErr
	}
	return f.leftActive, nil
}

func (f *fakeConvos) TeardownIfEmpty(context.Context, string) (bool, error) { return false, nil }

func (f *fakeConvos) CreateRequest(_ context.Context, convID, requesterID string) (*convo.ConnectionRequest, bool, error) {
	f.createCalls++
	req := &convo.ConnectionRequest{
		ID:             "req-1",
		ConversationID: convID,
		RequesterID:    requesterID,
		ReceiverID:     "bob",
		Status:         convo.RequestPending,
	}
	return req, true, nil
}

func (f *fakeConvos) GetRequest(_ context.Context, id string) (*convo.ConnectionRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, convo.ErrNotFound
	}
	return req, nil
}

func (f *fakeConvos) RespondRequest(_ context.Context, id, userID string, accept bool) (*convo.ConnectionRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, convo.ErrNotFound
	}
	if f.respondErr != nil {
		return req, f.respondErr
	}
	if req.ReceiverID != userID {
		return nil, convo.ErrNotReceiver
	}
	if accept {
		req.Status = convo.RequestAccepted
	} else {
		req.Status = convo.RequestRejected
	}
	return req, nil
}

type fakeMatcher struct {
	result *matching.StartResult
}

func (f *fakeMatcher) Start(context.Context, matching.Profile, matching.Preference) (*matching.StartResult, error) {
	return f.result, nil
}
func (f *fakeMatcher) Stop(context.Context, string) bool { return true }
func (f *fakeMatcher) Position(string) (int, bool)       { return 0, false }

type fakeReports struct {
	submitted *moderation.Report
	duplicate bool
}

func (f *fakeReports) Submit(_ context.Context, r *moderation.Report) (*moderation.Report, bool, error) {
	if !moderation.ValidType(r.Type) {
		return nil, false, moderation.ErrInvalidType
	}
	r.ID = "rep-1"
	r.Status = moderation.StatusPending
	f.submitted = r
	return r, !f.duplicate, nil
}

func (f *fakeReports) Get(context.Context, string) (*moderation.Report, error) { return nil, nil }
func (f *fakeReports) Review(context.Context, string) error                    { return nil }

type fakeModerator struct {
	outcome *moderation.Outcome
}

func (f *fakeModerator) ResolveReport(context.Context, string) (*moderation.Outcome, error) {
	return f.outcome, nil
}
func (f *fakeModerator) DismissReport(context.Context, string) (*moderation.Report, error) {
	return &moderation.Report{ID: "rep-1", Status: moderation.StatusDismissed}, nil
}

type fakeNotifier struct {
	events []string // userID+":"+event
}

func (f *fakeNotifier) Notify(_ context.Context, userID, event, _, _ string) {
	f.events = append(f.events, userID+":"+event)
}

type fakeLive struct {
	frames map[string][][]byte // channel -> frames
}

func (f *fakeLive) Broadcast(channel string, data []byte) int {
	if f.frames == nil {
		f.frames = make(map[string][][]byte)
	}
	f.frames[channel] = append(f.frames[channel], data)
	return 1
}

type fakeActions struct {
	published map[string][]byte
}

func (f *fakeActions) PublishModerationAction(userID string, data []byte) error {
	if f.published == nil {
		f.published = make(map[string][]byte)
	}
	f.published[userID] = data
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Directory == nil {
		deps.Directory = &fakeDirectory{users: map[string]*identity.User{
			"tok-alice": {ID: "alice", Gender: "female", Country: "US"},
		}}
	}
	if deps.Convos == nil {
		deps.Convos = &fakeConvos{}
	}
	if deps.Matcher == nil {
		deps.Matcher = &fakeMatcher{result: &matching.StartResult{Position: 1, QueueSize: 1}}
	}
	if deps.Reports == nil {
		deps.Reports = &fakeReports{}
	}
	if deps.Moderator == nil {
		deps.Moderator = &fakeModerator{outcome: &moderation.Outcome{
			Report: &moderation.Report{ID: "rep-1", ReportedUserID: "bob"},
		}}
	}

	mux := http.NewServeMux()
	NewServer(deps).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAuthRejections(t *testing.T) {
	suspended := time.Now().Add(time.Hour)
	dir := &fakeDirectory{users: map[string]*identity.User{
		"tok-alice": {ID: "alice"},
		"tok-susp":  {ID: "mallory", SuspendedUntil: &suspended},
		"tok-ban":   {ID: "trudy", Banned: true},
	}}
	srv := newTestServer(t, Deps{Directory: dir})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"unknown token", "tok-nope", http.StatusUnauthorized},
		{"suspended user", "tok-susp", http.StatusForbidden},
		{"banned user", "tok-ban", http.StatusForbidden},
		{"valid user", "tok-alice", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/matching/stop", tt.token, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStartMatchingReturnsMatch(t *testing.T) {
	srv := newTestServer(t, Deps{
		Matcher: &fakeMatcher{result: &matching.StartResult{Matched: true, ConversationID: "conv-9"}},
	})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/matching/start", "tok-alice",
		map[string]string{"chat_mode": "text"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["matched"] != true || body["conversation_id"] != "conv-9" {
		t.Errorf("body = %v", body)
	}
}

func TestStartMatchingRejectsBadMode(t *testing.T) {
	srv := newTestServer(t, Deps{})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/matching/start", "tok-alice",
		map[string]string{"chat_mode": "hologram"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	tests := []struct {
		name     string
		convos   *fakeConvos
		wantLeft bool
	}{
		{"active participant leaves", &fakeConvos{leftActive: true}, true},
		{"second leave", &fakeConvos{leftActive: false}, false},
		{"conversation already torn down", &fakeConvos{leaveErr: convo.ErrNotFound}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Deps{Convos: tt.convos})
			resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/conversations/c1/leave", "tok-alice", nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if body["left"] != tt.wantLeft {
				t.Errorf("left = %v, want %v", body["left"], tt.wantLeft)
			}
		})
	}
}

func TestLeaveNotifiesLivePeers(t *testing.T) {
	tests := []struct {
		name       string
		convos     *fakeConvos
		wantFrames int
	}{
		{"active participant leaves", &fakeConvos{leftActive: true}, 1},
		{"second leave stays quiet", &fakeConvos{leftActive: false}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := &fakeLive{}
			srv := newTestServer(t, Deps{Convos: tt.convos, Live: live})

			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/conversations/c1/leave", "tok-alice", nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}

			frames := live.frames["conversation:c1"]
			if len(frames) != tt.wantFrames {
				t.Fatalf("broadcast %d frame(s), want %d", len(frames), tt.wantFrames)
			}
			if tt.wantFrames == 1 {
				var msg map[string]interface{}
				if err := json.Unmarshal(frames[0], &msg); err != nil {
					t.Fatalf("frame not JSON: %v", err)
				}
				if msg["type"] != "partner_left" || msg["channel"] != "conversation:c1" {
					t.Errorf("frame = %v, want partner_left on conversation:c1", msg)
				}
			}
		})
	}
}

func TestCreateRequestBlockedPair(t *testing.T) {
	tests := []struct {
		name string
		dir  *fakeDirectory
		want int
	}{
		{
			"blocked pair",
			&fakeDirectory{
				users:   map[string]*identity.User{"tok-alice": {ID: "alice"}},
				blocked: map[[2]string]bool{{"alice", "bob"}: true},
			},
			http.StatusForbidden,
		},
		{
			"block lookup failure",
			&fakeDirectory{
				users:      map[string]*identity.User{"tok-alice": {ID: "alice"}},
				blockedErr: errors.New("directory down"),
			},
			http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			convos := &fakeConvos{participants: []convo.Participant{
				{UserID: "alice"}, {UserID: "bob"},
			}}
			srv := newTestServer(t, Deps{Directory: tt.dir, Convos: convos})

			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/conversations/c1/requests", "tok-alice", nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if convos.createCalls != 0 {
				t.Errorf("request row was created %d time(s), want none", convos.createCalls)
			}
		})
	}
}

func TestRespondRequestFollowFailureKeepsRequestPending(t *testing.T) {
	dir := &fakeDirectory{
		users:     map[string]*identity.User{"tok-bob": {ID: "bob"}},
		followErr: errors.New("directory down"),
	}
	convos := &fakeConvos{requests: map[string]*convo.ConnectionRequest{
		"req-1": {
			ID:          "req-1",
			RequesterID: "alice",
			ReceiverID:  "bob",
			Status:      convo.RequestPending,
		},
	}}
	notifier := &fakeNotifier{}
	srv := newTestServer(t, Deps{Directory: dir, Convos: convos, Notifier: notifier})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/requests/req-1/respond", "tok-bob",
		map[string]bool{"accept": true})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}

	// The flip must not have happened: a retry can still accept.
	if got := convos.requests["req-1"].Status; got != convo.RequestPending {
		t.Errorf("request status = %s, want pending", got)
	}
	if len(notifier.events) != 0 {
		t.Errorf("notifications = %v, want none", notifier.events)
	}
}

func TestRespondRequestAcceptRetryRestoresFollow(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*identity.User{"tok-bob": {ID: "bob"}}}
	convos := &fakeConvos{
		requests: map[string]*convo.ConnectionRequest{
			"req-1": {ID: "req-1", RequesterID: "alice", ReceiverID: "bob", Status: convo.RequestAccepted},
		},
		respondErr: convo.ErrAlreadyDecided,
	}
	srv := newTestServer(t, Deps{Directory: dir, Convos: convos})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/requests/req-1/respond", "tok-bob",
		map[string]bool{"accept": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "accepted" {
		t.Errorf("status = %v", body["status"])
	}
	if len(dir.follows) != 1 || dir.follows[0] != [2]string{"alice", "bob"} {
		t.Errorf("follows = %v, want the edge re-attempted on retry", dir.follows)
	}
}

func TestRespondRequestAcceptCreatesFollow(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*identity.User{
		"tok-bob": {ID: "bob"},
	}}
	convos := &fakeConvos{requests: map[string]*convo.ConnectionRequest{
		"req-1": {
			ID:             "req-1",
			ConversationID: "conv-1",
			RequesterID:    "alice",
			ReceiverID:     "bob",
			Status:         convo.RequestPending,
		},
	}}
	notifier := &fakeNotifier{}
	srv := newTestServer(t, Deps{Directory: dir, Convos: convos, Notifier: notifier})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/requests/req-1/respond", "tok-bob",
		map[string]bool{"accept": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "accepted" {
		t.Errorf("status = %v", body["status"])
	}

	// The follow edge is directed requester -> receiver.
	if len(dir.follows) != 1 || dir.follows[0] != [2]string{"alice", "bob"} {
		t.Errorf("follows = %v, want alice -> bob", dir.follows)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "alice:request_accepted" {
		t.Errorf("notifications = %v", notifier.events)
	}
}

func TestRespondRequestSettledStaysSettled(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*identity.User{"tok-bob": {ID: "bob"}}}
	convos := &fakeConvos{
		requests: map[string]*convo.ConnectionRequest{
			"req-1": {ID: "req-1", RequesterID: "alice", ReceiverID: "bob", Status: convo.RequestRejected},
		},
		respondErr: convo.ErrAlreadyDecided,
	}
	srv := newTestServer(t, Deps{Directory: dir, Convos: convos})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/requests/req-1/respond", "tok-bob",
		map[string]bool{"accept": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "rejected" {
		t.Errorf("settled request changed status: %v", body["status"])
	}
	if len(dir.follows) != 0 {
		t.Error("no follow edge should be created for a settled request")
	}
}

func TestSubmitReportAttachesEvidence(t *testing.T) {
	buf := evidence.NewBuffer()
	buf.Append("conv-1", evidence.Snapshot{SenderID: "bob", Content: "abusive", Timestamp: time.Now()})
	reports := &fakeReports{}
	srv := newTestServer(t, Deps{Reports: reports, Evidence: buf})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/reports", "tok-alice", map[string]string{
		"reported_user_id": "bob",
		"conversation_id":  "conv-1",
		"type":             "harassment",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if body["report_id"] != "rep-1" || body["duplicate"] != false {
		t.Errorf("body = %v", body)
	}
	if len(reports.submitted.Evidence) != 1 || reports.submitted.Evidence[0].Content != "abusive" {
		t.Errorf("evidence = %v, want the buffered snapshot", reports.submitted.Evidence)
	}
}

func TestSubmitReportValidation(t *testing.T) {
	srv := newTestServer(t, Deps{})

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"self report", map[string]string{"reported_user_id": "alice", "type": "spam"}, http.StatusBadRequest},
		{"missing target", map[string]string{"type": "spam"}, http.StatusBadRequest},
		{"invalid type", map[string]string{"reported_user_id": "bob", "type": "vibes"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/reports", "tok-alice", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAdminGuard(t *testing.T) {
	srv := newTestServer(t, Deps{AdminToken: "sekrit"})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/admin/reports/rep-1/resolve", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/admin/reports/rep-1/resolve", "sekrit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin token: status = %d, want 200", resp.StatusCode)
	}
	if body["action"] != "none" {
		t.Errorf("action = %v", body["action"])
	}
}

func TestResolvePublishesModerationAction(t *testing.T) {
	actions := &fakeActions{}
	srv := newTestServer(t, Deps{
		AdminToken: "sekrit",
		Actions:    actions,
		Moderator: &fakeModerator{outcome: &moderation.Outcome{
			Report:      &moderation.Report{ID: "rep-1", ReportedUserID: "bob"},
			ActiveCount: 12,
			Action:      moderation.ActionSuspendLong,
		}},
	})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/admin/reports/rep-1/resolve", "sekrit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["action"] != "suspend_7d" {
		t.Errorf("action = %v, want suspend_7d", body["action"])
	}

	payload, ok := actions.published["bob"]
	if !ok {
		t.Fatal("moderation action should be published for bob")
	}
	var action map[string]interface{}
	if err := json.Unmarshal(payload, &action); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if action["action"] != "suspend_7d" {
		t.Errorf("published action = %v", action)
	}
}
