package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds every REST call unless overridden.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// Gateway
// ============================================================================

// Gateway is a thin typed wrapper over the conversation REST endpoints. It
// holds no state beyond credentials; every failure is surfaced to the caller
// as a *GatewayError, since this is the path used for explicit user actions.
type Gateway struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) GatewayOption {
	return func(g *Gateway) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) GatewayOption {
	return func(g *Gateway) { g.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *Gateway) { g.httpClient = client }
}

// WithGatewayLogger attaches a logger. The default discards everything.
func WithGatewayLogger(log *zap.SugaredLogger) GatewayOption {
	return func(g *Gateway) { g.log = log }
}

// NewGateway creates a Gateway authenticated with the given bearer token.
func NewGateway(token string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		token:      token,
		baseURL:    "http://localhost:8080",
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (g *Gateway) SetToken(token string) { g.token = token }

// ============================================================================
// Internal request helper
// ============================================================================

func (g *Gateway) do(ctx context.Context, op, method, path string, body any, query map[string]string, peerID string) ([]byte, error) {
	u := g.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &GatewayError{Op: op, PeerID: peerID, Err: fmt.Errorf("marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, &GatewayError{Op: op, PeerID: peerID, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Op: op, PeerID: peerID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Op: op, PeerID: peerID, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ge := &GatewayError{Op: op, PeerID: peerID, Status: resp.StatusCode}
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			ge.API = &apiErr
		}
		g.log.Debugw("gateway call failed", "op", op, "status", resp.StatusCode, "peer", peerID)
		return nil, ge
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Endpoints
// ============================================================================

type sendRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

// FetchConversations lists the user's conversation summaries.
func (g *Gateway) FetchConversations(ctx context.Context) ([]Conversation, error) {
	data, err := g.do(ctx, "conversations", http.MethodGet, "/api/chat/conversations", nil, nil, "")
	if err != nil {
		return nil, err
	}
	convos, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, &GatewayError{Op: "conversations", Err: err}
	}
	return *convos, nil
}

// FetchHistory returns the full authoritative message sequence for a peer.
func (g *Gateway) FetchHistory(ctx context.Context, peerID string) ([]Message, error) {
	data, err := g.do(ctx, "history", http.MethodGet, "/api/chat/messages/"+peerID, nil, nil, peerID)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, &GatewayError{Op: "history", PeerID: peerID, Err: err}
	}
	return *msgs, nil
}

// SendMessage persists a message and returns the server-assigned record.
func (g *Gateway) SendMessage(ctx context.Context, peerID, content string) (*Message, error) {
	data, err := g.do(ctx, "send", http.MethodPost, "/api/chat/messages",
		sendRequest{ReceiverID: peerID, Content: content}, nil, peerID)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, &GatewayError{Op: "send", PeerID: peerID, Err: err}
	}
	return msg, nil
}

// MarkRead tells the server that all messages from peerID have been read.
func (g *Gateway) MarkRead(ctx context.Context, peerID string) error {
	_, err := g.do(ctx, "mark-read", http.MethodPut, "/api/chat/messages/"+peerID+"/read", nil, nil, peerID)
	return err
}

// FetchUnreadCount returns the total unread count across all conversations.
func (g *Gateway) FetchUnreadCount(ctx context.Context) (int, error) {
	data, err := g.do(ctx, "unread-count", http.MethodGet, "/api/chat/messages/unread/count", nil, nil, "")
	if err != nil {
		return 0, err
	}
	cnt, err := decodeJSON[unreadCountResponse](data)
	if err != nil {
		return 0, &GatewayError{Op: "unread-count", Err: err}
	}
	return cnt.Count, nil
}

// FetchPresenceSnapshot returns the current online state of known users.
func (g *Gateway) FetchPresenceSnapshot(ctx context.Context) (map[string]bool, error) {
	data, err := g.do(ctx, "presence", http.MethodGet, "/api/chat/messages/presence", nil, nil, "")
	if err != nil {
		return nil, err
	}
	events, err := decodeJSON[[]PresenceEvent](data)
	if err != nil {
		return nil, &GatewayError{Op: "presence", Err: err}
	}
	snapshot := make(map[string]bool, len(*events))
	for _, ev := range *events {
		snapshot[ev.UserID] = ev.Online()
	}
	return snapshot, nil
}
