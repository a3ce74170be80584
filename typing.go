package chatsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Typing defaults.
const (
	// DefaultTypingQuiet is how long a peer's typing flag stays set without a
	// renewing event.
	DefaultTypingQuiet = 3 * time.Second
	// DefaultTypingPublishInterval is the minimum spacing between outbound
	// typing publishes per peer.
	DefaultTypingPublishInterval = 2 * time.Second
)

// ============================================================================
// Clock
// ============================================================================

// stopper is the controllable half of a pending timer.
type stopper interface {
	Stop() bool
}

// clock abstracts timer creation so typing decay is testable without real
// waits.
type clock interface {
	AfterFunc(d time.Duration, f func()) stopper
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// ============================================================================
// Typing Debouncer
// ============================================================================

// TypingDebouncer converts raw typing events into a bounded-duration flag and
// throttles locally-generated typing notifications before they hit the push
// channel.
//
// Inbound: each true event (re)arms a single per-peer timer; with no renewal
// inside the quiet period the flag reverts to false. Outbound: NotifyTyping
// is safe to call on every keystroke — publishes are rate-limited per peer.
type TypingDebouncer struct {
	store     *Store
	transport Transport
	quiet     time.Duration
	interval  time.Duration
	clk       clock
	log       *zap.SugaredLogger

	mu       sync.Mutex
	timers   map[string]stopper
	seq      map[string]uint64 // guards against stale timer fires
	limiters map[string]*rate.Limiter
	closed   bool
}

// TypingOption configures a TypingDebouncer.
type TypingOption func(*TypingDebouncer)

// WithQuietPeriod overrides the inbound decay window.
func WithQuietPeriod(d time.Duration) TypingOption {
	return func(t *TypingDebouncer) { t.quiet = d }
}

// WithPublishInterval overrides the outbound throttle spacing.
func WithPublishInterval(d time.Duration) TypingOption {
	return func(t *TypingDebouncer) { t.interval = d }
}

// WithTypingLogger attaches a logger.
func WithTypingLogger(log *zap.SugaredLogger) TypingOption {
	return func(t *TypingDebouncer) { t.log = log }
}

func withClock(c clock) TypingOption {
	return func(t *TypingDebouncer) { t.clk = c }
}

// NewTypingDebouncer wires typing state between the transport and the store.
func NewTypingDebouncer(store *Store, transport Transport, opts ...TypingOption) *TypingDebouncer {
	t := &TypingDebouncer{
		store:     store,
		transport: transport,
		quiet:     DefaultTypingQuiet,
		interval:  DefaultTypingPublishInterval,
		clk:       realClock{},
		log:       zap.NewNop().Sugar(),
		timers:    make(map[string]stopper),
		seq:       make(map[string]uint64),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HandleEvent applies one inbound typing event. A true event arms (or
// re-arms) the peer's decay timer; a false event clears immediately.
func (t *TypingDebouncer) HandleEvent(ev TypingEvent) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	if timer, ok := t.timers[ev.UserID]; ok {
		timer.Stop()
		delete(t.timers, ev.UserID)
	}
	t.seq[ev.UserID]++

	if ev.IsTyping {
		gen := t.seq[ev.UserID]
		peer := ev.UserID
		t.timers[peer] = t.clk.AfterFunc(t.quiet, func() {
			t.expire(peer, gen)
		})
	}
	t.mu.Unlock()

	t.store.SetTyping(ev.UserID, ev.IsTyping)
}

// expire clears a peer's flag after the quiet period. A fire that raced a
// newer event or a cancellation is a no-op.
func (t *TypingDebouncer) expire(peerID string, gen uint64) {
	t.mu.Lock()
	if t.closed || t.seq[peerID] != gen {
		t.mu.Unlock()
		return
	}
	delete(t.timers, peerID)
	t.mu.Unlock()

	t.store.SetTyping(peerID, false)
}

// NotifyTyping publishes a typing-start signal for the peer, rate limited so
// per-keystroke callers do not flood the channel. Fire-and-forget: a lost
// typing indicator is inconsequential.
func (t *TypingDebouncer) NotifyTyping(peerID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	lim, ok := t.limiters[peerID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[peerID] = lim
	}
	t.mu.Unlock()

	if !lim.Allow() {
		return
	}
	if err := t.transport.Publish(DestTyping, OutboundTyping{ReceiverID: peerID, IsTyping: true}); err != nil {
		t.log.Debugw("typing publish failed", "peer", peerID, "err", err)
	}
}

// Cancel stops the peer's pending decay timer and clears the flag. Called
// when the conversation closes so a stray flip never fires after the UI
// stopped observing it.
func (t *TypingDebouncer) Cancel(peerID string) {
	t.mu.Lock()
	if timer, ok := t.timers[peerID]; ok {
		timer.Stop()
		delete(t.timers, peerID)
	}
	t.seq[peerID]++
	t.mu.Unlock()

	t.store.SetTyping(peerID, false)
}

// Close cancels every pending timer. The debouncer is unusable afterwards.
func (t *TypingDebouncer) Close() {
	t.mu.Lock()
	t.closed = true
	for peer, timer := range t.timers {
		timer.Stop()
		delete(t.timers, peer)
	}
	t.mu.Unlock()
}
