package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often the polling transport refreshes the
// conversation list when no push channel is available.
const DefaultPollInterval = 10 * time.Second

// PollingTransport is the degraded-mode push channel: it polls the REST
// gateway at a fixed interval and synthesizes message deliveries for records
// it has not seen before. It satisfies the same Transport contract as the
// websocket channel, so the rest of the engine does not branch on which mode
// it is running in. Typing and presence events do not exist in this mode;
// those topics simply never fire.
type PollingTransport struct {
	gw       *Gateway
	interval time.Duration
	log      *zap.SugaredLogger

	disp *dispatcher

	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	seen      map[string]struct{}
	watermark map[string]time.Time
	kick      chan struct{}
}

// PollingOption configures a PollingTransport.
type PollingOption func(*PollingTransport)

// WithPollInterval sets the refresh interval.
func WithPollInterval(d time.Duration) PollingOption {
	return func(p *PollingTransport) { p.interval = d }
}

// WithPollingLogger attaches a logger.
func WithPollingLogger(log *zap.SugaredLogger) PollingOption {
	return func(p *PollingTransport) { p.log = log }
}

// NewPollingTransport creates a polling push channel over the gateway.
func NewPollingTransport(gw *Gateway, opts ...PollingOption) *PollingTransport {
	p := &PollingTransport{
		gw:        gw,
		interval:  DefaultPollInterval,
		log:       zap.NewNop().Sugar(),
		disp:      newDispatcher(),
		seen:      make(map[string]struct{}),
		watermark: make(map[string]time.Time),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers a handler for a topic.
func (p *PollingTransport) Subscribe(topic Topic, h Handler) { p.disp.subscribe(topic, h) }

// OnStateChange registers a connection state observer.
func (p *PollingTransport) OnStateChange(h StateHandler) { p.disp.onStateChange(h) }

// State returns the current connection state.
func (p *PollingTransport) State() ConnState { return p.disp.currentState() }

// Connect starts the poll loop. Idempotent.
func (p *PollingTransport) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(runCtx)
	return nil
}

// Publish cannot push anywhere in polling mode; it drops the payload and
// schedules an immediate re-poll so a just-sent message's thread refreshes
// without waiting a full interval.
func (p *PollingTransport) Publish(topic Topic, payload any) error {
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect stops the poll loop. Idempotent.
func (p *PollingTransport) Disconnect() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.started = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.disp.clearSubscriptions()
	p.disp.setState(StateDisconnected)
	return nil
}

func (p *PollingTransport) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.poll(ctx)
	}
}

// poll refreshes the conversation list and, for each thread with activity
// past its watermark, fetches history and delivers the unseen records
// through the normal message topic.
func (p *PollingTransport) poll(ctx context.Context) {
	convos, err := p.gw.FetchConversations(ctx)
	if err != nil {
		p.log.Debugw("poll failed", "err", err)
		p.disp.setState(StateReconnecting)
		return
	}
	p.disp.setState(StateConnected)

	for _, c := range convos {
		p.mu.Lock()
		mark := p.watermark[c.PeerID]
		p.mu.Unlock()
		if !c.LastMessageAt.After(mark) {
			continue
		}
		p.pollPeer(ctx, c.PeerID, c.LastMessageAt)
	}
}

func (p *PollingTransport) pollPeer(ctx context.Context, peerID string, latest time.Time) {
	history, err := p.gw.FetchHistory(ctx, peerID)
	if err != nil {
		p.log.Debugw("history poll failed", "peer", peerID, "err", err)
		return
	}

	var fresh []Message
	p.mu.Lock()
	for _, m := range history {
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	if latest.After(p.watermark[peerID]) {
		p.watermark[peerID] = latest
	}
	p.mu.Unlock()

	for _, m := range fresh {
		payload, err := json.Marshal(m)
		if err != nil {
			continue
		}
		p.disp.dispatch(TopicMessages, payload)
	}
}
