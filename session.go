package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Session Controller
// ============================================================================

// SessionState is the session lifecycle state.
type SessionState string

const (
	SessionLoggedOut    SessionState = "logged_out"
	SessionInitializing SessionState = "initializing"
	SessionReady        SessionState = "ready"
	SessionTearingDown  SessionState = "tearing_down"
)

// Credentials identify the authenticated user. UserID may be left empty when
// Token is a JWT carrying the user id.
type Credentials struct {
	Token  string
	UserID string
}

// Session owns the engine's lifecycle: it opens the transport, attaches
// subscriptions, runs the REST bootstrap, and tears everything down at
// logout. The transport connection is a single shared resource owned here;
// the Store is the only writer of synchronized state and readers go through
// the Session's accessors.
type Session struct {
	gw        *Gateway
	transport Transport
	log       *zap.SugaredLogger

	storeOpts  []StoreOption
	typingOpts []TypingOption

	mu     sync.Mutex
	state  SessionState
	store  *Store
	typing *TypingDebouncer
	cancel context.CancelFunc
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger attaches a logger shared with the owned components.
func WithSessionLogger(log *zap.SugaredLogger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithStoreOptions forwards options to the Store created at login.
func WithStoreOptions(opts ...StoreOption) SessionOption {
	return func(s *Session) { s.storeOpts = append(s.storeOpts, opts...) }
}

// WithTypingOptions forwards options to the TypingDebouncer created at login.
func WithTypingOptions(opts ...TypingOption) SessionOption {
	return func(s *Session) { s.typingOpts = append(s.typingOpts, opts...) }
}

// NewSession creates a Session over the given gateway and transport.
func NewSession(gw *Gateway, transport Transport, opts ...SessionOption) *Session {
	s := &Session{
		gw:        gw,
		transport: transport,
		log:       zap.NewNop().Sugar(),
		state:     SessionLoggedOut,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnState returns the push-channel connection state.
func (s *Session) ConnState() ConnState { return s.transport.State() }

// OnConnStateChange registers a push-channel state observer, e.g. for a
// passive offline indicator.
func (s *Session) OnConnStateChange(h StateHandler) { s.transport.OnStateChange(h) }

// ============================================================================
// Lifecycle
// ============================================================================

// Login brings the session up: it resolves the user's identity, attaches the
// push subscriptions, opens the transport, and runs the REST bootstrap
// (conversation list, unread count, presence snapshot) concurrently. Both the
// transport attach and the bootstrap complete before the session is Ready —
// the Store merges whichever input arrives first. Re-entrant calls while
// already Initializing or Ready are no-ops, since UI components may mount
// more than once.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	if s.state == SessionReady || s.state == SessionInitializing {
		s.mu.Unlock()
		return nil
	}

	selfID := creds.UserID
	if selfID == "" {
		var err error
		if selfID, err = UserIDFromToken(creds.Token); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	s.state = SessionInitializing
	storeOpts := append([]StoreOption{WithStoreLogger(s.log)}, s.storeOpts...)
	s.store = NewStore(selfID, storeOpts...)
	typingOpts := append([]TypingOption{WithTypingLogger(s.log)}, s.typingOpts...)
	s.typing = NewTypingDebouncer(s.store, s.transport, typingOpts...)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	store, typing := s.store, s.typing
	s.mu.Unlock()

	// Push attach. Handlers hold only the per-login store and debouncer, so
	// events racing a later logout land on discarded state, not fresh state.
	s.transport.Subscribe(TopicMessages, func(payload []byte) {
		m, err := DecodeMessage(payload)
		if err != nil {
			s.log.Debugw("dropping push message", "err", err)
			return
		}
		store.ApplyPush(*m)
	})
	s.transport.Subscribe(TopicTyping, func(payload []byte) {
		ev, err := DecodeTyping(payload)
		if err != nil {
			s.log.Debugw("dropping typing event", "err", err)
			return
		}
		typing.HandleEvent(*ev)
	})
	s.transport.Subscribe(TopicReadReceipts, func(payload []byte) {
		ev, err := DecodeReadReceipt(payload)
		if err != nil {
			s.log.Debugw("dropping read receipt", "err", err)
			return
		}
		store.ApplyReadReceipt(ev.UserID)
	})
	s.transport.Subscribe(TopicPresence, func(payload []byte) {
		ev, err := DecodePresence(payload)
		if err != nil {
			s.log.Debugw("dropping presence event", "err", err)
			return
		}
		store.ApplyPresence(*ev)
	})

	if err := s.transport.Connect(runCtx); err != nil {
		s.teardown()
		return fmt.Errorf("open transport: %w", err)
	}

	// REST bootstrap, independent of the push attach. Either side's data may
	// land first; the Store's merge rules make the order immaterial.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		convos, err := s.gw.FetchConversations(gctx)
		if err != nil {
			return err
		}
		store.Bootstrap(convos)
		return nil
	})
	g.Go(func() error {
		total, err := s.gw.FetchUnreadCount(gctx)
		if err != nil {
			return err
		}
		store.SetUnreadHint(total)
		return nil
	})
	g.Go(func() error {
		snapshot, err := s.gw.FetchPresenceSnapshot(gctx)
		if err != nil {
			return err
		}
		store.SetPresenceSnapshot(snapshot)
		return nil
	})
	if err := g.Wait(); err != nil {
		s.teardown()
		return err
	}

	// A Logout may have landed while the bootstrap was in flight; its
	// teardown already discarded this login's state, so becoming Ready now
	// would wedge the session behind the re-entrancy guard.
	s.mu.Lock()
	if s.state != SessionInitializing || s.store != store {
		s.mu.Unlock()
		return ErrLoggedOut
	}
	s.state = SessionReady
	s.mu.Unlock()
	s.log.Infow("session ready", "user", selfID)
	return nil
}

// Logout disconnects the transport and discards all in-memory state.
// Idempotent.
func (s *Session) Logout() {
	s.mu.Lock()
	if s.state == SessionLoggedOut {
		s.mu.Unlock()
		return
	}
	s.state = SessionTearingDown
	s.mu.Unlock()

	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	typing := s.typing
	store := s.store
	cancel := s.cancel
	s.typing = nil
	s.store = nil
	s.cancel = nil
	s.state = SessionLoggedOut
	s.mu.Unlock()

	if typing != nil {
		typing.Close()
	}
	s.transport.Disconnect()
	if store != nil {
		store.Reset()
	}
	if cancel != nil {
		cancel()
	}
}

// UserIDFromToken extracts the user id from a JWT without verifying the
// signature. The server is the verifier; the engine only needs the identity
// the token was issued for.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	if id, ok := claims["userId"].(string); ok && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("token carries no user id")
}

// ============================================================================
// Operations
// ============================================================================

// currentStore returns the live store, or nil when logged out.
func (s *Session) currentStore() *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionReady && s.state != SessionInitializing {
		return nil
	}
	return s.store
}

// Send delivers a message to a peer: the Store reflects it immediately with a
// temp id, the Gateway persists it, and the confirmed record replaces the
// optimistic one in place. On failure the optimistic entry is withdrawn and
// the error carries the request context so the UI can show the send as
// failed and offer retry.
func (s *Session) Send(ctx context.Context, peerID, content string) (*Message, error) {
	store := s.currentStore()
	if store == nil {
		return nil, ErrLoggedOut
	}

	optimistic := store.AppendOptimistic(peerID, content)

	server, err := s.gw.SendMessage(ctx, peerID, content)
	if err != nil {
		store.DropOptimistic(peerID, optimistic.TempID)
		return nil, err
	}
	store.ConfirmSend(optimistic.TempID, *server)

	// Optional low-latency mirror; the REST write above is the durable path.
	s.transport.Publish(DestChat, server)
	return server, nil
}

// OpenConversation marks the peer's conversation active, loads its
// authoritative history, and marks it read — locally at once, and on the
// server in parallel without gating on the response.
func (s *Session) OpenConversation(ctx context.Context, peerID string) ([]Message, error) {
	store := s.currentStore()
	if store == nil {
		return nil, ErrLoggedOut
	}

	store.SetActivePeer(peerID)
	store.MarkRead(peerID)
	go func() {
		if err := s.gw.MarkRead(context.Background(), peerID); err != nil {
			// Read-state is eventually consistent; losing one call is fine.
			s.log.Debugw("mark-read failed", "peer", peerID, "err", err)
		}
	}()

	history, err := s.gw.FetchHistory(ctx, peerID)
	if err != nil {
		return nil, err
	}
	store.LoadHistory(peerID, history)
	store.MarkRead(peerID)
	return store.Messages(peerID), nil
}

// CloseConversation clears the active peer and cancels its typing timer.
func (s *Session) CloseConversation(peerID string) {
	s.mu.Lock()
	store, typing := s.store, s.typing
	s.mu.Unlock()
	if store == nil {
		return
	}
	store.SetActivePeer("")
	typing.Cancel(peerID)
}

// NotifyTyping signals that the local user is composing for the peer. Safe to
// call per keystroke.
func (s *Session) NotifyTyping(peerID string) {
	s.mu.Lock()
	typing := s.typing
	s.mu.Unlock()
	if typing != nil {
		typing.NotifyTyping(peerID)
	}
}

// MarkRead marks a peer's conversation read without opening it.
func (s *Session) MarkRead(ctx context.Context, peerID string) error {
	store := s.currentStore()
	if store == nil {
		return ErrLoggedOut
	}
	store.MarkRead(peerID)
	return s.gw.MarkRead(ctx, peerID)
}

// ============================================================================
// Read-only views
// ============================================================================

// Conversations lists the known conversations, most recent first.
func (s *Session) Conversations() []Conversation {
	if store := s.currentStore(); store != nil {
		return store.Conversations()
	}
	return nil
}

// Messages returns the current sequence for one peer.
func (s *Session) Messages(peerID string) []Message {
	if store := s.currentStore(); store != nil {
		return store.Messages(peerID)
	}
	return nil
}

// UnreadTotal returns the unread count across all conversations.
func (s *Session) UnreadTotal() int {
	if store := s.currentStore(); store != nil {
		return store.UnreadTotal()
	}
	return 0
}

// Online reports a user's last known presence.
func (s *Session) Online(userID string) bool {
	if store := s.currentStore(); store != nil {
		return store.Online(userID)
	}
	return false
}

// IsTyping reports whether a peer is currently composing.
func (s *Session) IsTyping(peerID string) bool {
	if store := s.currentStore(); store != nil {
		return store.IsTyping(peerID)
	}
	return false
}
