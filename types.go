// Package chatsync keeps a client's view of direct-message conversations in
// sync with the server of record. It merges REST history snapshots, push
// events, and locally-initiated sends into one authoritative in-memory state,
// and tracks peer presence and transient typing signals.
//
// Example:
//
//	gw := chatsync.NewGateway(token, chatsync.WithBaseURL("https://api.example.com"))
//	tr := chatsync.NewWSTransport(wsURL, token)
//	sess := chatsync.NewSession(gw, tr)
//
//	if err := sess.Login(ctx, chatsync.Credentials{Token: token}); err != nil { ... }
//	defer sess.Logout()
//
//	msg, err := sess.Send(ctx, "user-42", "hello")
package chatsync

import "time"

// ============================================================================
// Core Records
// ============================================================================

// Message is the engine's canonical message record.
//
// Exactly one of ID and TempID identifies a message at any time: a locally
// originated message carries only TempID until the server acknowledges it,
// after which the server id takes over and the temp id is retired. Messages
// are immutable except for Read, which only ever flips false→true.
type Message struct {
	ID         string    `json:"id"`
	TempID     string    `json:"tempId,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	Read       bool      `json:"isRead"`
}

// Confirmed reports whether the server has assigned an id to this message.
func (m *Message) Confirmed() bool { return m.ID != "" }

// Conversation is a denormalized per-peer summary, derived entirely from the
// peer's message sequence (plus the bootstrap listing before history loads).
type Conversation struct {
	PeerID        string    `json:"peerId"`
	PeerName      string    `json:"peerName,omitempty"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// ============================================================================
// Push Event Payloads
// ============================================================================

// Presence status values carried by PresenceEvent.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// PresenceEvent announces a user's online/offline transition.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Online reports whether the event marks the user online.
func (p PresenceEvent) Online() bool { return p.Status == StatusOnline }

// TypingEvent announces that a user started or stopped composing.
type TypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptEvent announces that a user read the messages sent to them.
// UserID is the reader, so the receipt applies to messages the local user
// sent *to* that user.
type ReadReceiptEvent struct {
	UserID string `json:"userId"`
}

// OutboundTyping is the payload published on DestTyping.
type OutboundTyping struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// ============================================================================
// Topics & Connection State
// ============================================================================

// Topic identifies a push-channel destination. Inbound topics map to the
// authenticated user's private destinations except TopicPresence, which is a
// global broadcast. Outbound destinations are write-only.
type Topic string

const (
	TopicMessages     Topic = "messages"
	TopicTyping       Topic = "typing"
	TopicReadReceipts Topic = "read-receipts"
	TopicPresence     Topic = "presence"

	// Outbound destinations.
	DestTyping Topic = "send-typing"
	DestChat   Topic = "send-chat"
)

// inboundTopics are the destinations a session subscribes to.
var inboundTopics = []Topic{TopicMessages, TopicTyping, TopicReadReceipts, TopicPresence}

// ConnState is the push-channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)
