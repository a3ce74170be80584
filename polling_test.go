package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// pollBackend is a mutable REST backend for polling tests.
type pollBackend struct {
	mu     sync.Mutex
	convos []Conversation
	msgs   map[string][]Message
}

func (b *pollBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case r.URL.Path == "/api/chat/conversations":
			json.NewEncoder(w).Encode(b.convos)
		default:
			peer := r.URL.Path[len("/api/chat/messages/"):]
			json.NewEncoder(w).Encode(b.msgs[peer])
		}
	})
}

func (b *pollBackend) addMessage(peer string, m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[peer] = append(b.msgs[peer], m)
	for i := range b.convos {
		if b.convos[i].PeerID == peer {
			b.convos[i].LastMessageAt = m.CreatedAt
			return
		}
	}
	b.convos = append(b.convos, Conversation{PeerID: peer, LastMessageAt: m.CreatedAt})
}

func TestPollingTransport(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("delivers each message once", func(t *testing.T) {
		backend := &pollBackend{msgs: make(map[string][]Message)}
		backend.addMessage("alice", msgAt("m1", "alice", "me", "hi", base))
		srv := httptest.NewServer(backend.handler())
		defer srv.Close()

		gw := NewGateway("tok", WithBaseURL(srv.URL))
		tr := NewPollingTransport(gw, WithPollInterval(20*time.Millisecond))

		var mu sync.Mutex
		var got []string
		tr.Subscribe(TopicMessages, func(payload []byte) {
			m, err := DecodeMessage(payload)
			if err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			mu.Lock()
			got = append(got, m.ID)
			mu.Unlock()
		})

		if err := tr.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer tr.Disconnect()

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		})

		// Let several more polls run; the same record must not repeat.
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n != 1 {
			t.Fatalf("expected 1 delivery, got %d", n)
		}

		// New activity does get delivered.
		backend.addMessage("alice", msgAt("m2", "alice", "me", "again", base.Add(time.Minute)))
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 2
		})
		mu.Lock()
		last := got[len(got)-1]
		mu.Unlock()
		if last != "m2" {
			t.Errorf("expected m2 delivered, got %s", last)
		}
	})

	t.Run("publish forces an immediate poll", func(t *testing.T) {
		backend := &pollBackend{msgs: make(map[string][]Message)}
		srv := httptest.NewServer(backend.handler())
		defer srv.Close()

		gw := NewGateway("tok", WithBaseURL(srv.URL))
		// Interval far beyond the test's patience: only a kick can deliver.
		tr := NewPollingTransport(gw, WithPollInterval(time.Hour))

		var mu sync.Mutex
		var got []string
		tr.Subscribe(TopicMessages, func(payload []byte) {
			m, _ := DecodeMessage(payload)
			mu.Lock()
			got = append(got, m.ID)
			mu.Unlock()
		})

		if err := tr.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer tr.Disconnect()
		waitState(t, tr, StateConnected)

		backend.addMessage("alice", msgAt("m1", "me", "alice", "sent", base))
		tr.Publish(DestChat, nil)

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		})
	})

	t.Run("backend failure reads as reconnecting", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		gw := NewGateway("tok", WithBaseURL(srv.URL))
		tr := NewPollingTransport(gw, WithPollInterval(20*time.Millisecond))

		if err := tr.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer tr.Disconnect()

		waitState(t, tr, StateReconnecting)
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
