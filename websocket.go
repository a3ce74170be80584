package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// WebSocket Transport
// ============================================================================

// WSTransport is the primary push channel: a persistent WebSocket carrying
// Envelope frames. Dial failures and connection drops never reach the caller;
// the run loop retries forever with capped backoff and re-attaches every
// subscription on each new connection.
type WSTransport struct {
	url   string
	token string

	mu               sync.Mutex
	conn             *websocket.Conn
	cancel           context.CancelFunc
	intentionalClose bool
	started          bool

	disp  *dispatcher
	recon *reconnector
	log   *zap.SugaredLogger
}

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithReconnectDelay overrides the backoff window.
func WithReconnectDelay(base, max time.Duration) WSOption {
	return func(t *WSTransport) { t.recon = newReconnector(base, max) }
}

// WithWSLogger attaches a logger. The default discards everything.
func WithWSLogger(log *zap.SugaredLogger) WSOption {
	return func(t *WSTransport) { t.log = log }
}

// NewWSTransport creates a WebSocket transport for the given endpoint. An
// http(s):// base URL is rewritten to the ws(s):// scheme.
func NewWSTransport(wsURL, token string, opts ...WSOption) *WSTransport {
	u := strings.Replace(wsURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	t := &WSTransport{
		url:   u,
		token: token,
		disp:  newDispatcher(),
		recon: newReconnector(5*time.Second, 30*time.Second),
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect starts the connection loop. It is idempotent and never reports a
// dial failure — callers observe progress through OnStateChange.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.intentionalClose = false
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.disp.setState(StateConnecting)
	go t.run(runCtx)
	return nil
}

// Subscribe registers a handler for an inbound topic. Registration is valid
// for the life of the transport, across any number of reconnects.
func (t *WSTransport) Subscribe(topic Topic, h Handler) {
	t.disp.subscribe(topic, h)
}

// Publish sends one frame if the channel is up and silently drops it
// otherwise. The push channel is at-least-once, not guaranteed-once.
func (t *WSTransport) Publish(topic Topic, payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || t.disp.currentState() != StateConnected {
		t.log.Debugw("publish dropped while disconnected", "topic", topic)
		return nil
	}

	data, err := EncodeEnvelope(topic, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		// The read loop will notice the broken connection; a failed publish
		// is not retried.
		t.log.Debugw("publish write failed", "topic", topic, "err", err)
	}
	return nil
}

// Disconnect stops the loop and releases the connection. Safe to call more
// than once.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	t.started = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	t.disp.clearSubscriptions()
	t.disp.setState(StateDisconnected)
	return nil
}

// State returns the current connection state.
func (t *WSTransport) State() ConnState { return t.disp.currentState() }

// OnStateChange registers a connection-state observer.
func (t *WSTransport) OnStateChange(h StateHandler) { t.disp.onStateChange(h) }

// ============================================================================
// Connection loop
// ============================================================================

func (t *WSTransport) run(ctx context.Context) {
	for {
		if ctx.Err() != nil || t.closedIntentionally() {
			return
		}

		conn, _, err := websocket.Dial(ctx, t.dialURL(), nil)
		if err != nil {
			t.log.Debugw("dial failed", "err", err)
			t.disp.setState(StateReconnecting)
			if !t.recon.sleep(ctx) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.recon.markConnected()
		t.disp.setState(StateConnected)
		t.log.Debugw("connected", "url", t.url)

		t.readLoop(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		if ctx.Err() != nil || t.closedIntentionally() {
			return
		}
		t.disp.setState(StateReconnecting)
		if !t.recon.sleep(ctx) {
			return
		}
	}
}

// readLoop reads frames until the connection breaks. Malformed frames are
// skipped, not fatal.
func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusGoingAway, "read failed")
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			t.log.Debugw("dropping malformed frame", "err", err)
			continue
		}
		t.disp.dispatch(env.Type, env.Payload)
	}
}

func (t *WSTransport) dialURL() string {
	if t.token == "" {
		return t.url
	}
	return t.url + "?token=" + t.token
}

func (t *WSTransport) closedIntentionally() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intentionalClose
}
