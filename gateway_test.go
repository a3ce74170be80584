package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGatewayEndpoints(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("missing bearer token, got %q", got)
		}
		switch r.URL.Path {
		case "/api/chat/conversations":
			json.NewEncoder(w).Encode([]Conversation{
				{PeerID: "alice", PeerName: "Alice", UnreadCount: 2, LastMessageAt: base},
			})
		case "/api/chat/messages/alice":
			json.NewEncoder(w).Encode([]Message{
				msgAt("m1", "alice", "me", "hi", base),
			})
		case "/api/chat/messages":
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			var req struct {
				ReceiverID string `json:"receiverId"`
				Content    string `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(Message{
				ID: "srv1", SenderID: "me", ReceiverID: req.ReceiverID,
				Content: req.Content, CreatedAt: base,
			})
		case "/api/chat/messages/alice/read":
			if r.Method != http.MethodPut {
				t.Errorf("expected PUT, got %s", r.Method)
			}
			w.WriteHeader(http.StatusOK)
		case "/api/chat/messages/unread/count":
			json.NewEncoder(w).Encode(map[string]int{"count": 4})
		case "/api/chat/messages/presence":
			json.NewEncoder(w).Encode([]PresenceEvent{
				{UserID: "alice", Status: StatusOnline},
				{UserID: "bob", Status: StatusOffline},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gw := NewGateway("tok-123", WithBaseURL(srv.URL))
	ctx := context.Background()

	t.Run("conversations", func(t *testing.T) {
		convos, err := gw.FetchConversations(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(convos) != 1 || convos[0].PeerID != "alice" {
			t.Errorf("unexpected listing: %+v", convos)
		}
	})

	t.Run("history", func(t *testing.T) {
		msgs, err := gw.FetchHistory(ctx, "alice")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Errorf("unexpected history: %+v", msgs)
		}
	})

	t.Run("send", func(t *testing.T) {
		msg, err := gw.SendMessage(ctx, "alice", "hello")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.ID != "srv1" || msg.Content != "hello" || msg.ReceiverID != "alice" {
			t.Errorf("unexpected message: %+v", msg)
		}
	})

	t.Run("mark read", func(t *testing.T) {
		if err := gw.MarkRead(ctx, "alice"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("unread count", func(t *testing.T) {
		n, err := gw.FetchUnreadCount(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 4 {
			t.Errorf("expected 4, got %d", n)
		}
	})

	t.Run("presence snapshot", func(t *testing.T) {
		snap, err := gw.FetchPresenceSnapshot(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !snap["alice"] || snap["bob"] {
			t.Errorf("unexpected snapshot: %v", snap)
		}
	})
}

func TestGatewayErrors(t *testing.T) {
	t.Run("api error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(APIError{Code: "BLOCKED", Message: "user has blocked you"})
		}))
		defer srv.Close()

		gw := NewGateway("tok", WithBaseURL(srv.URL))
		_, err := gw.SendMessage(context.Background(), "alice", "hello")

		var ge *GatewayError
		if !errors.As(err, &ge) {
			t.Fatalf("expected *GatewayError, got %T", err)
		}
		if ge.Op != "send" || ge.PeerID != "alice" || ge.Status != http.StatusForbidden {
			t.Errorf("missing request context: %+v", ge)
		}
		if ge.API == nil || ge.API.Code != "BLOCKED" {
			t.Errorf("expected decoded API error, got %+v", ge.API)
		}
		if ge.Temporary() {
			t.Error("a 403 is not temporary")
		}
	})

	t.Run("network failure is temporary", func(t *testing.T) {
		gw := NewGateway("tok", WithBaseURL("http://127.0.0.1:1"), WithTimeout(time.Second))
		_, err := gw.FetchConversations(context.Background())

		var ge *GatewayError
		if !errors.As(err, &ge) {
			t.Fatalf("expected *GatewayError, got %T", err)
		}
		if ge.Status != 0 {
			t.Errorf("expected status 0 on network failure, got %d", ge.Status)
		}
		if !ge.Temporary() {
			t.Error("network failures should report temporary")
		}
	})

	t.Run("server error is temporary", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		gw := NewGateway("tok", WithBaseURL(srv.URL))
		err := gw.MarkRead(context.Background(), "alice")

		var ge *GatewayError
		if !errors.As(err, &ge) {
			t.Fatalf("expected *GatewayError, got %T", err)
		}
		if !ge.Temporary() {
			t.Error("a 502 should report temporary")
		}
	})
}
