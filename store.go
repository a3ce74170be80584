package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Reconciliation Store
// ============================================================================

// Store is the single source of truth for per-peer message sequences,
// conversation summaries, presence, and typing flags. It merges three inputs
// of differing trust: REST history (authoritative, bulk), push delivery
// (authoritative, at-least-once), and local optimistic sends (provisional
// until confirmed). All mutations are serialized behind one mutex; the merge
// rules are idempotent so that push events and REST responses for the same
// peer converge to the same state in either arrival order.
//
// Direction is always keyed off the authenticated user's own id, never
// inferred from which conversation happens to be open.
type Store struct {
	mu sync.Mutex

	selfID         string
	suppressActive bool
	activePeer     string

	messages  map[string][]*Message   // peer id → sequence ordered by CreatedAt, arrival tiebreak
	bootstrap map[string]Conversation // server summaries, used until history loads
	presence  map[string]bool
	typing    map[string]bool

	// unreadHint is the server total, used before any conversation is known.
	unreadHint int

	log *zap.SugaredLogger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger attaches a logger.
func WithStoreLogger(log *zap.SugaredLogger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithActiveUnreadSuppression controls whether messages arriving for the
// currently open conversation are counted as read on arrival instead of
// incrementing its unread count. Enabled by default.
func WithActiveUnreadSuppression(enabled bool) StoreOption {
	return func(s *Store) { s.suppressActive = enabled }
}

// NewStore creates a Store for the authenticated user.
func NewStore(selfID string, opts ...StoreOption) *Store {
	s := &Store{
		selfID:         selfID,
		suppressActive: true,
		messages:       make(map[string][]*Message),
		bootstrap:      make(map[string]Conversation),
		presence:       make(map[string]bool),
		typing:         make(map[string]bool),
		log:            zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelfID returns the authenticated user's id.
func (s *Store) SelfID() string { return s.selfID }

// peerOf resolves which conversation a message belongs to.
func (s *Store) peerOf(m *Message) string {
	if m.SenderID == s.selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// ============================================================================
// Inputs
// ============================================================================

// Bootstrap seeds conversation summaries from the server listing. Summaries
// only fill in for peers whose history has not been loaded; loaded sequences
// stay authoritative.
func (s *Store) Bootstrap(convos []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convos {
		s.bootstrap[c.PeerID] = c
	}
}

// SetUnreadHint records the server's total unread count, used only until
// conversation data is available.
func (s *Store) SetUnreadHint(total int) {
	s.mu.Lock()
	s.unreadHint = total
	s.mu.Unlock()
}

// LoadHistory replaces a peer's message sequence wholesale with the
// server-provided list. This is the only replace operation; everything else
// appends or patches.
func (s *Store) LoadHistory(peerID string, msgs []Message) {
	seq := make([]*Message, len(msgs))
	for i := range msgs {
		m := msgs[i]
		seq[i] = &m
	}
	sort.SliceStable(seq, func(i, j int) bool { return seq[i].CreatedAt.Before(seq[j].CreatedAt) })

	s.mu.Lock()
	s.messages[peerID] = seq
	s.mu.Unlock()
}

// AppendOptimistic records a locally-composed message before the server has
// seen it, so the UI reflects the send with zero latency. The returned copy
// carries the assigned temp id for later confirmation. Self-authored, so it
// never affects unread counts.
func (s *Store) AppendOptimistic(peerID, content string) Message {
	m := &Message{
		TempID:     "local-" + uuid.NewString(),
		SenderID:   s.selfID,
		ReceiverID: peerID,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.insertLocked(peerID, m)
	s.mu.Unlock()
	return *m
}

// ConfirmSend replaces the optimistic entry identified by tempID with the
// server record, in place, preserving its position. If the temp id is no
// longer present — the push channel may have delivered the authoritative copy
// first — the confirmation degrades to push-style duplicate suppression. The
// server record always wins; this never fails.
func (s *Store) ConfirmSend(tempID string, server Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer := s.peerOf(&server)
	seq := s.messages[peer]

	idx := -1
	for i, m := range seq {
		if m.TempID == tempID && !m.Confirmed() {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.applyPushLocked(server)
		return
	}

	// If the authoritative copy already arrived via push, discard the
	// optimistic entry instead of duplicating the server id.
	if server.ID != "" && s.findByIDLocked(peer, server.ID) != nil {
		s.messages[peer] = append(seq[:idx], seq[idx+1:]...)
		return
	}

	confirmed := server
	confirmed.TempID = ""
	*seq[idx] = confirmed
}

// DropOptimistic removes a still-unconfirmed optimistic entry after a failed
// send. Reports whether an entry was removed.
func (s *Store) DropOptimistic(peerID, tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.messages[peerID]
	for i, m := range seq {
		if m.TempID == tempID && !m.Confirmed() {
			s.messages[peerID] = append(seq[:i], seq[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyPush merges one push-delivered message. Duplicates (by server id) are
// no-ops: the transport is at-least-once. A self-authored echo resolves
// against a pending optimistic entry in place rather than appending a second
// copy.
func (s *Store) ApplyPush(m Message) {
	s.mu.Lock()
	s.applyPushLocked(m)
	s.mu.Unlock()
}

func (s *Store) applyPushLocked(m Message) {
	peer := s.peerOf(&m)

	if m.ID != "" && s.findByIDLocked(peer, m.ID) != nil {
		return
	}

	if m.SenderID == s.selfID {
		if pending := s.findPendingLocked(peer, m.Content); pending != nil {
			resolved := m
			resolved.TempID = ""
			*pending = resolved
			return
		}
	} else if s.suppressActive && peer == s.activePeer {
		// The conversation is on screen; arrival counts as read.
		m.Read = true
	}

	cp := m
	cp.TempID = ""
	s.insertLocked(peer, &cp)
}

// MarkRead flips every unread message *from* the peer to read. Optimistic:
// the caller fires the matching REST call in parallel and does not gate on
// its response. Returns the number of messages flipped.
func (s *Store) MarkRead(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages[peerID] {
		if m.SenderID == peerID && !m.Read {
			m.Read = true
			n++
		}
	}
	if c, ok := s.bootstrap[peerID]; ok && c.UnreadCount != 0 {
		c.UnreadCount = 0
		s.bootstrap[peerID] = c
	}
	return n
}

// ApplyReadReceipt handles the opposite direction of MarkRead: the peer
// identified by userID read the messages the local user sent them.
func (s *Store) ApplyReadReceipt(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[userID] {
		if m.SenderID == s.selfID && !m.Read {
			m.Read = true
		}
	}
}

// ApplyPresence records one presence transition. Last write wins.
func (s *Store) ApplyPresence(ev PresenceEvent) {
	s.mu.Lock()
	s.presence[ev.UserID] = ev.Online()
	s.mu.Unlock()
}

// SetPresenceSnapshot merges a REST presence snapshot, entry by entry.
func (s *Store) SetPresenceSnapshot(snapshot map[string]bool) {
	s.mu.Lock()
	for id, online := range snapshot {
		s.presence[id] = online
	}
	s.mu.Unlock()
}

// SetTyping records a peer's typing flag. The TypingDebouncer owns the decay
// timers; the Store just holds the current value.
func (s *Store) SetTyping(peerID string, isTyping bool) {
	s.mu.Lock()
	s.typing[peerID] = isTyping
	s.mu.Unlock()
}

// SetActivePeer marks which conversation is open; pass "" when none is.
func (s *Store) SetActivePeer(peerID string) {
	s.mu.Lock()
	s.activePeer = peerID
	s.mu.Unlock()
}

// Reset discards all state. Used at logout; nothing survives the session.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = make(map[string][]*Message)
	s.bootstrap = make(map[string]Conversation)
	s.presence = make(map[string]bool)
	s.typing = make(map[string]bool)
	s.activePeer = ""
	s.unreadHint = 0
	s.mu.Unlock()
}

// ============================================================================
// Views
// ============================================================================

// Messages returns a copy of the peer's ordered message sequence.
func (s *Store) Messages(peerID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.messages[peerID]
	out := make([]Message, len(seq))
	for i, m := range seq {
		out[i] = *m
	}
	return out
}

// Conversation returns the derived summary for one peer.
func (s *Store) Conversation(peerID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationLocked(peerID)
}

// Conversations returns every known conversation, most recent first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []Conversation
	for peer := range s.messages {
		if c, ok := s.conversationLocked(peer); ok {
			out = append(out, c)
			seen[peer] = true
		}
	}
	for peer := range s.bootstrap {
		if !seen[peer] {
			if c, ok := s.conversationLocked(peer); ok {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out
}

// UnreadCount returns the unread count for one peer.
func (s *Store) UnreadCount(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, _ := s.conversationLocked(peerID)
	return c.UnreadCount
}

// UnreadTotal returns the unread count across all conversations. Before any
// conversation data arrives it falls back to the server-reported total.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 && len(s.bootstrap) == 0 {
		return s.unreadHint
	}
	total := 0
	counted := make(map[string]bool)
	for peer := range s.messages {
		if c, ok := s.conversationLocked(peer); ok {
			total += c.UnreadCount
			counted[peer] = true
		}
	}
	for peer, c := range s.bootstrap {
		if !counted[peer] {
			total += c.UnreadCount
		}
	}
	return total
}

// Online reports the last known presence for a user. Absence and an explicit
// offline value read the same.
func (s *Store) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence[userID]
}

// IsTyping reports whether the peer's typing flag is currently set. Absence
// and an explicit false read the same.
func (s *Store) IsTyping(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[peerID]
}

// ============================================================================
// Internals (s.mu held)
// ============================================================================

// insertLocked places a message by creation timestamp, keeping arrival order
// among equal timestamps. Entries already in the sequence never move.
func (s *Store) insertLocked(peerID string, m *Message) {
	seq := s.messages[peerID]
	i := len(seq)
	for i > 0 && seq[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	seq = append(seq, nil)
	copy(seq[i+1:], seq[i:])
	seq[i] = m
	s.messages[peerID] = seq
}

func (s *Store) findByIDLocked(peerID, id string) *Message {
	for _, m := range s.messages[peerID] {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// findPendingLocked locates an unconfirmed optimistic entry matching a
// self-authored echo, preferring an exact content match over the oldest
// pending entry.
func (s *Store) findPendingLocked(peerID, content string) *Message {
	var first *Message
	for _, m := range s.messages[peerID] {
		if m.Confirmed() || m.TempID == "" {
			continue
		}
		if m.Content == content {
			return m
		}
		if first == nil {
			first = m
		}
	}
	return first
}

func (s *Store) conversationLocked(peerID string) (Conversation, bool) {
	seq := s.messages[peerID]
	base, hasBase := s.bootstrap[peerID]

	if len(seq) == 0 {
		if !hasBase {
			return Conversation{}, false
		}
		base.PeerID = peerID
		return base, true
	}

	last := *seq[len(seq)-1]
	unread := 0
	for _, m := range seq {
		if m.SenderID == peerID && !m.Read {
			unread++
		}
	}
	return Conversation{
		PeerID:        peerID,
		PeerName:      base.PeerName,
		LastMessage:   &last,
		LastMessageAt: last.CreatedAt,
		UnreadCount:   unread,
	}, true
}
