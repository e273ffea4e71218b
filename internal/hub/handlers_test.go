package hub

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/lingomate/chat-core/internal/convo"
	"github.com/lingomate/chat-core/internal/evidence"
	"github.com/lingomate/chat-core/internal/protocol"
)

// fakeConvoStore satisfies ConversationStore with canned conversations and a
// monotonic commit sequence stamped into each message id.
type fakeConvoStore struct {
	mu    sync.Mutex
	convs map[string]*convo.Conversation
	seq   int64
}

func (f *fakeConvoStore) Get(_ context.Context, id string) (*convo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, convo.ErrNotFound
	}
	return c, nil
}

func (f *fakeConvoStore) Participant(_ context.Context, convID, userID string) (*convo.Participant, error) {
	return &convo.Participant{UserID: userID, ConversationID: convID, IsActive: true}, nil
}

func (f *fakeConvoStore) Participants(context.Context, string) ([]convo.Participant, error) {
	return nil, nil
}

func (f *fakeConvoStore) AppendMessage(_ context.Context, convID, senderID, content string) (*convo.Message, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &convo.Message{
		ID:             strconv.FormatInt(f.seq, 10),
		Seq:            f.seq,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now(),
	}, nil, nil
}

func (f *fakeConvoStore) MarkRead(context.Context, string, string) (int64, error) { return 0, nil }
func (f *fakeConvoStore) Leave(context.Context, string, string) (bool, error)     { return false, nil }
func (f *fakeConvoStore) TeardownIfEmpty(context.Context, string) (bool, error)   { return false, nil }

func newTestHandlers(store ConversationStore, buf *evidence.Buffer) *Handlers {
	server := NewServer(DefaultServerConfig(), nil, nil, nil, nil)
	return NewHandlers(server, store, buf, nil, nil, nil)
}

// drain discards every frame the server writes to this peer so broadcasts
// never block on the synchronous pipe.
func drain(peer net.Conn) {
	go func() {
		for {
			if _, err := wsutil.ReadServerText(peer); err != nil {
				return
			}
		}
	}()
}

func TestConcurrentSendersDeliverInCommitOrder(t *testing.T) {
	store := &fakeConvoStore{convs: map[string]*convo.Conversation{}}
	h := newTestHandlers(store, evidence.NewBuffer())

	const perSender = 150
	channel := ConversationChannel("c9")

	s1, peer1 := pipeConn("conn-1", "alice")
	s2, peer2 := pipeConn("conn-2", "bob")
	watcher, peerW := pipeConn("conn-3", "carol")
	h.server.Hub().Subscribe(channel, s1)
	h.server.Hub().Subscribe(channel, s2)
	h.server.Hub().Subscribe(channel, watcher)

	drain(peer1)
	drain(peer2)

	order := make(chan int64, 2*perSender)
	go func() {
		defer close(order)
		for i := 0; i < 2*perSender; i++ {
			data, err := wsutil.ReadServerText(peerW)
			if err != nil {
				return
			}
			var frame struct {
				MessageID string `json:"message_id"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				return
			}
			seq, _ := strconv.ParseInt(frame.MessageID, 10, 64)
			order <- seq
		}
	}()

	var wg sync.WaitGroup
	for _, sender := range []*Connection{s1, s2} {
		wg.Add(1)
		go func(sender *Connection) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				h.handleMessage(sender, protocol.MessageMsg{Channel: channel, Content: "hi"})
			}
		}(sender)
	}
	wg.Wait()

	var prev int64
	received := 0
	timeout := time.After(5 * time.Second)
	for received < 2*perSender {
		select {
		case seq, ok := <-order:
			if !ok {
				t.Fatalf("frame reader stopped after %d of %d frames", received, 2*perSender)
			}
			received++
			if seq <= prev {
				t.Fatalf("commit seq %d delivered after seq %d", seq, prev)
			}
			prev = seq
		case <-timeout:
			t.Fatalf("received %d of %d frames", received, 2*perSender)
		}
	}
}

func TestEvidenceRecordedOnlyForAnonymousRooms(t *testing.T) {
	store := &fakeConvoStore{convs: map[string]*convo.Conversation{
		"anon1":   {ID: "anon1", Kind: convo.KindAnonymous, Ephemeral: true},
		"direct1": {ID: "direct1", Kind: convo.KindDirect},
		"lobby":   {ID: "lobby", Kind: convo.KindOpen},
	}}
	buf := evidence.NewBuffer()
	h := newTestHandlers(store, buf)

	conn, peer := pipeConn("conn-1", "alice")
	drain(peer)

	channels := []string{
		ConversationChannel("anon1"),
		ConversationChannel("direct1"),
		OpenRoomChannel("lobby"),
	}
	for _, ch := range channels {
		h.handleSubscribe(conn, protocol.SubscribeMsg{Channel: ch})
		h.handleMessage(conn, protocol.MessageMsg{Channel: ch, Content: "hello"})
	}

	if got := len(buf.Snapshot("anon1")); got != 1 {
		t.Errorf("anonymous room buffered %d snapshot(s), want 1", got)
	}
	if got := len(buf.Snapshot("direct1")); got != 0 {
		t.Errorf("direct conversation buffered %d snapshot(s), want 0", got)
	}
	if got := len(buf.Snapshot("lobby")); got != 0 {
		t.Errorf("open room buffered %d snapshot(s), want 0", got)
	}
}
