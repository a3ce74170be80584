package chatsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// testJWT builds an unsigned JWT carrying the given subject. The engine never
// verifies signatures, so an empty one is fine.
func testJWT(sub string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]string{"sub": sub})
	return header + "." + base64.RawURLEncoding.EncodeToString(claims) + "."
}

// sessionBackend is a canned REST backend for session tests.
type sessionBackend struct {
	mu        sync.Mutex
	convos    []Conversation
	history   map[string][]Message
	unread    int
	presence  []PresenceEvent
	marksRead []string
	sendFail  bool
	nextID    int

	// When convoGate is set, the conversations endpoint signals convoArrived
	// and then blocks until the gate closes, to hold a bootstrap mid-flight.
	convoGate    chan struct{}
	convoArrived chan struct{}
}

func (b *sessionBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case r.URL.Path == "/api/chat/conversations":
			if gate := b.convoGate; gate != nil {
				b.convoArrived <- struct{}{}
				<-gate
			}
			json.NewEncoder(w).Encode(b.convos)
		case r.URL.Path == "/api/chat/messages/unread/count":
			json.NewEncoder(w).Encode(map[string]int{"count": b.unread})
		case r.URL.Path == "/api/chat/messages/presence":
			json.NewEncoder(w).Encode(b.presence)
		case r.URL.Path == "/api/chat/messages" && r.Method == http.MethodPost:
			if b.sendFail {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			var req struct {
				ReceiverID string `json:"receiverId"`
				Content    string `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			b.nextID++
			json.NewEncoder(w).Encode(Message{
				ID: "srv" + string(rune('0'+b.nextID)), SenderID: "me",
				ReceiverID: req.ReceiverID, Content: req.Content,
				CreatedAt: time.Now().UTC(),
			})
		case r.Method == http.MethodPut:
			peer := r.URL.Path[len("/api/chat/messages/") : len(r.URL.Path)-len("/read")]
			b.marksRead = append(b.marksRead, peer)
			w.WriteHeader(http.StatusOK)
		default:
			peer := r.URL.Path[len("/api/chat/messages/"):]
			json.NewEncoder(w).Encode(b.history[peer])
		}
	})
}

func newTestSession(t *testing.T, backend *sessionBackend) (*Session, *fakeTransport, func()) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	gw := NewGateway("tok", WithBaseURL(srv.URL))
	tr := newFakeTransport()
	sess := NewSession(gw, tr)
	return sess, tr, srv.Close
}

func login(t *testing.T, sess *Session) {
	t.Helper()
	if err := sess.Login(context.Background(), Credentials{Token: testJWT("me")}); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestSessionLogin(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("bootstrap lands before ready", func(t *testing.T) {
		backend := &sessionBackend{
			convos: []Conversation{
				{PeerID: "alice", PeerName: "Alice", UnreadCount: 2, LastMessageAt: base},
			},
			unread:   2,
			presence: []PresenceEvent{{UserID: "alice", Status: StatusOnline}},
			history:  make(map[string][]Message),
		}
		sess, _, done := newTestSession(t, backend)
		defer done()

		login(t, sess)
		defer sess.Logout()

		if got := sess.State(); got != SessionReady {
			t.Fatalf("expected ready, got %s", got)
		}
		if got := sess.UnreadTotal(); got != 2 {
			t.Errorf("expected unread 2, got %d", got)
		}
		if !sess.Online("alice") {
			t.Error("expected alice online from snapshot")
		}
		convos := sess.Conversations()
		if len(convos) != 1 || convos[0].PeerID != "alice" {
			t.Errorf("unexpected conversations: %+v", convos)
		}
	})

	t.Run("login is idempotent", func(t *testing.T) {
		backend := &sessionBackend{history: make(map[string][]Message)}
		sess, _, done := newTestSession(t, backend)
		defer done()

		login(t, sess)
		defer sess.Logout()
		login(t, sess) // second call must be a no-op, not a re-bootstrap
	})

	t.Run("identity comes from the token", func(t *testing.T) {
		id, err := UserIDFromToken(testJWT("user-42"))
		if err != nil {
			t.Fatal(err)
		}
		if id != "user-42" {
			t.Errorf("expected user-42, got %s", id)
		}
		if _, err := UserIDFromToken("garbage"); err == nil {
			t.Error("expected error for malformed token")
		}
	})

	t.Run("operations require a session", func(t *testing.T) {
		backend := &sessionBackend{history: make(map[string][]Message)}
		sess, _, done := newTestSession(t, backend)
		defer done()

		if _, err := sess.Send(context.Background(), "alice", "hi"); err != ErrLoggedOut {
			t.Errorf("expected ErrLoggedOut, got %v", err)
		}
	})
}

func TestSessionSend(t *testing.T) {
	t.Run("success confirms the optimistic entry", func(t *testing.T) {
		backend := &sessionBackend{history: make(map[string][]Message)}
		sess, tr, done := newTestSession(t, backend)
		defer done()
		login(t, sess)
		defer sess.Logout()

		msg, err := sess.Send(context.Background(), "alice", "hello")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if !msg.Confirmed() {
			t.Fatal("expected a server id on the returned message")
		}

		got := sess.Messages("alice")
		if len(got) != 1 {
			t.Fatalf("expected 1 message, got %d", len(got))
		}
		if got[0].ID != msg.ID || got[0].TempID != "" {
			t.Errorf("expected confirmed entry, got %+v", got[0])
		}

		// A push echo of the same record must not duplicate it.
		payload, _ := json.Marshal(msg)
		tr.deliver(TopicMessages, payload)
		if got := sess.Messages("alice"); len(got) != 1 {
			t.Errorf("expected 1 message after echo, got %d", len(got))
		}
	})

	t.Run("failure withdraws the optimistic entry", func(t *testing.T) {
		backend := &sessionBackend{history: make(map[string][]Message), sendFail: true}
		sess, _, done := newTestSession(t, backend)
		defer done()
		login(t, sess)
		defer sess.Logout()

		_, err := sess.Send(context.Background(), "alice", "hello")
		if err == nil {
			t.Fatal("expected send error")
		}
		if got := sess.Messages("alice"); len(got) != 0 {
			t.Errorf("expected no messages after failed send, got %d", len(got))
		}
	})
}

func TestSessionConversationFlow(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("open loads history and marks read", func(t *testing.T) {
		backend := &sessionBackend{
			history: map[string][]Message{
				"alice": {
					msgAt("m1", "alice", "me", "one", base),
					msgAt("m2", "alice", "me", "two", base.Add(time.Second)),
					msgAt("m3", "alice", "me", "three", base.Add(2*time.Second)),
				},
			},
		}
		sess, _, done := newTestSession(t, backend)
		defer done()
		login(t, sess)
		defer sess.Logout()

		history, err := sess.OpenConversation(context.Background(), "alice")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if len(history) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(history))
		}
		if sess.UnreadTotal() != 0 {
			t.Errorf("expected 0 unread after open, got %d", sess.UnreadTotal())
		}

		waitFor(t, func() bool {
			backend.mu.Lock()
			defer backend.mu.Unlock()
			return len(backend.marksRead) > 0
		})
	})

	t.Run("arrivals while open stay read", func(t *testing.T) {
		backend := &sessionBackend{history: make(map[string][]Message)}
		sess, tr, done := newTestSession(t, backend)
		defer done()
		login(t, sess)
		defer sess.Logout()

		if _, err := sess.OpenConversation(context.Background(), "alice"); err != nil {
			t.Fatal(err)
		}

		payload, _ := json.Marshal(msgAt("m1", "alice", "me", "hi", base))
		tr.deliver(TopicMessages, payload)

		if got := sess.UnreadTotal(); got != 0 {
			t.Errorf("expected arrival marked read, got %d unread", got)
		}

		sess.CloseConversation("alice")
		payload, _ = json.Marshal(msgAt("m2", "alice", "me", "there?", base.Add(time.Second)))
		tr.deliver(TopicMessages, payload)

		if got := sess.UnreadTotal(); got != 1 {
			t.Errorf("expected 1 unread after close, got %d", got)
		}
	})

	t.Run("push events update presence typing and receipts", func(t *testing.T) {
		backend := &sessionBackend{history: make(map[string][]Message)}
		sess, tr, done := newTestSession(t, backend)
		defer done()
		login(t, sess)
		defer sess.Logout()

		payload, _ := json.Marshal(PresenceEvent{UserID: "alice", Status: StatusOnline})
		tr.deliver(TopicPresence, payload)
		if !sess.Online("alice") {
			t.Error("expected alice online")
		}

		payload, _ = json.Marshal(TypingEvent{UserID: "alice", IsTyping: true})
		tr.deliver(TopicTyping, payload)
		if !sess.IsTyping("alice") {
			t.Error("expected typing flag set")
		}

		// Receipt: alice read what we sent her.
		if _, err := sess.Send(context.Background(), "alice", "ping"); err != nil {
			t.Fatal(err)
		}
		payload, _ = json.Marshal(ReadReceiptEvent{UserID: "alice"})
		tr.deliver(TopicReadReceipts, payload)

		msgs := sess.Messages("alice")
		if len(msgs) != 1 || !msgs[0].Read {
			t.Errorf("expected sent message marked read by receipt, got %+v", msgs)
		}
	})
}

func TestSessionLogout(t *testing.T) {
	backend := &sessionBackend{
		convos:  []Conversation{{PeerID: "alice", UnreadCount: 1}},
		history: make(map[string][]Message),
	}
	sess, tr, done := newTestSession(t, backend)
	defer done()
	login(t, sess)

	sess.Logout()
	sess.Logout() // idempotent

	if got := sess.State(); got != SessionLoggedOut {
		t.Errorf("expected logged out, got %s", got)
	}
	if got := tr.State(); got != StateDisconnected {
		t.Errorf("expected transport disconnected, got %s", got)
	}
	if got := sess.Conversations(); got != nil {
		t.Errorf("expected no state after logout, got %+v", got)
	}
}

func TestSessionLogoutDuringLogin(t *testing.T) {
	backend := &sessionBackend{
		history:      make(map[string][]Message),
		convoGate:    make(chan struct{}),
		convoArrived: make(chan struct{}, 1),
	}
	sess, _, done := newTestSession(t, backend)
	defer done()

	loginErr := make(chan error, 1)
	go func() {
		loginErr <- sess.Login(context.Background(), Credentials{Token: testJWT("me")})
	}()

	// Wait until the bootstrap is mid-flight, then tear the session down
	// underneath it.
	select {
	case <-backend.convoArrived:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bootstrap request")
	}
	sess.Logout()
	close(backend.convoGate)

	select {
	case err := <-loginErr:
		if err == nil {
			t.Fatal("expected the superseded login to report an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for login to return")
	}

	if got := sess.State(); got != SessionLoggedOut {
		t.Fatalf("after logout during login, state = %s; want %s", got, SessionLoggedOut)
	}

	// The session must be recoverable: a fresh login brings it all the way up.
	backend.mu.Lock()
	backend.convoGate = nil
	backend.mu.Unlock()
	login(t, sess)
	defer sess.Logout()

	if got := sess.State(); got != SessionReady {
		t.Fatalf("relogin did not reach ready, state = %s", got)
	}
	if _, err := sess.Send(context.Background(), "alice", "back again"); err != nil {
		t.Errorf("relogin left no live store: %v", err)
	}
}

func TestSessionReloginHandlers(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	backend := &sessionBackend{history: make(map[string][]Message)}
	sess, tr, done := newTestSession(t, backend)
	defer done()

	handlerCount := func() int {
		tr.disp.mu.RLock()
		defer tr.disp.mu.RUnlock()
		return len(tr.disp.handlers[TopicMessages])
	}

	login(t, sess)
	if got := handlerCount(); got != 1 {
		t.Fatalf("after login, %d message handlers registered; want 1", got)
	}

	sess.Logout()
	if got := handlerCount(); got != 0 {
		t.Fatalf("after logout, %d message handlers still registered; want 0", got)
	}

	// Each login cycle registers exactly one generation of handlers, so a
	// pushed frame is applied once, to the live store only.
	login(t, sess)
	defer sess.Logout()
	if got := handlerCount(); got != 1 {
		t.Fatalf("after relogin, %d message handlers registered; want 1", got)
	}

	payload, _ := json.Marshal(msgAt("m1", "alice", "me", "hi", base))
	tr.deliver(TopicMessages, payload)
	if got := sess.Messages("alice"); len(got) != 1 {
		t.Errorf("expected 1 message in the live store, got %d", len(got))
	}
}
