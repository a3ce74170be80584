package chatsync

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ============================================================================
// Transport Interface
// ============================================================================

// Handler consumes one inbound payload for a subscribed topic. Handlers run
// on the transport's delivery goroutine so that per-topic arrival order is
// preserved; they must not block for long.
type Handler func(payload []byte)

// StateHandler observes connection-state transitions.
type StateHandler func(state ConnState)

// Transport is a persistent push channel with topic semantics. Connect never
// fails into the caller — dial errors feed the retry loop and surface only as
// state transitions. Subscriptions survive reconnects without caller action;
// Disconnect releases them all, so a later Connect starts from a clean slate.
// Publish is fire-and-forget and drops while the channel is down; callers
// needing delivery guarantees go through the Gateway instead.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic Topic, h Handler)
	Publish(topic Topic, payload any) error
	Disconnect() error
	State() ConnState
	OnStateChange(h StateHandler)
}

// ============================================================================
// Dispatcher
// ============================================================================

// dispatcher is the subscription registry shared by all transport
// implementations. It lives outside any single connection, which is what
// makes resubscription after a reconnect transparent.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	onState  []StateHandler
	state    ConnState
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[Topic][]Handler),
		state:    StateDisconnected,
	}
}

func (d *dispatcher) subscribe(topic Topic, h Handler) {
	d.mu.Lock()
	d.handlers[topic] = append(d.handlers[topic], h)
	d.mu.Unlock()
}

func (d *dispatcher) onStateChange(h StateHandler) {
	d.mu.Lock()
	d.onState = append(d.onState, h)
	d.mu.Unlock()
}

// dispatch delivers one payload to every handler for the topic, in
// registration order, on the calling goroutine.
func (d *dispatcher) dispatch(topic Topic, payload []byte) {
	d.mu.RLock()
	handlers := d.handlers[topic]
	d.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// clearSubscriptions drops every topic handler, so nothing delivered after an
// intentional disconnect reaches a subscriber. State observers persist for
// the transport's lifetime — they still see the final transition.
func (d *dispatcher) clearSubscriptions() {
	d.mu.Lock()
	d.handlers = make(map[Topic][]Handler)
	d.mu.Unlock()
}

func (d *dispatcher) currentState() ConnState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// setState records a transition and notifies observers. Repeated sets of the
// same state are suppressed.
func (d *dispatcher) setState(s ConnState) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	d.state = s
	observers := append([]StateHandler{}, d.onState...)
	d.mu.Unlock()
	for _, h := range observers {
		h(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes reconnect delays: capped exponential backoff with
// jitter, resetting after a connection that held for a while. Retries are
// unlimited — on flaky mobile links liveness beats fast-fail.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration) *reconnector {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = 30 * time.Second
	}
	return &reconnector{baseDelay: base, maxDelay: max}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// sleep waits for the next backoff delay or until the context is done.
func (r *reconnector) sleep(ctx context.Context) bool {
	select {
	case <-time.After(r.nextDelay()):
		return true
	case <-ctx.Done():
		return false
	}
}
