package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport is a push channel over Redis pub/sub, for deployments where
// clients sit next to the backend's own event bus instead of behind the
// public websocket edge. Per-user topics map to channels
// "<prefix>:user:<id>:<topic>"; presence is a shared broadcast channel; and
// outbound destinations publish to "<prefix>:ingest:<dest>" for the backend
// to consume.
type RedisTransport struct {
	client *redis.Client
	userID string
	prefix string
	log    *zap.SugaredLogger

	disp *dispatcher

	mu      sync.Mutex
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	started bool
}

// RedisOption configures a RedisTransport.
type RedisOption func(*RedisTransport)

// WithRedisPrefix overrides the channel namespace, default "chat".
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisTransport) { r.prefix = prefix }
}

// WithRedisLogger attaches a logger.
func WithRedisLogger(log *zap.SugaredLogger) RedisOption {
	return func(r *RedisTransport) { r.log = log }
}

// NewRedisTransport creates a push channel for one user over the given
// client. The caller owns the client's lifetime.
func NewRedisTransport(client *redis.Client, userID string, opts ...RedisOption) *RedisTransport {
	r := &RedisTransport{
		client: client,
		userID: userID,
		prefix: "chat",
		log:    zap.NewNop().Sugar(),
		disp:   newDispatcher(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a handler for a topic.
func (r *RedisTransport) Subscribe(topic Topic, h Handler) { r.disp.subscribe(topic, h) }

// OnStateChange registers a connection state observer.
func (r *RedisTransport) OnStateChange(h StateHandler) { r.disp.onStateChange(h) }

// State returns the current connection state.
func (r *RedisTransport) State() ConnState { return r.disp.currentState() }

func (r *RedisTransport) channelFor(topic Topic) string {
	if topic == TopicPresence {
		return fmt.Sprintf("%s:presence", r.prefix)
	}
	return fmt.Sprintf("%s:user:%s:%s", r.prefix, r.userID, topic)
}

// topicFor inverts channelFor for inbound deliveries.
func (r *RedisTransport) topicFor(channel string) (Topic, bool) {
	if channel == fmt.Sprintf("%s:presence", r.prefix) {
		return TopicPresence, true
	}
	rest, ok := strings.CutPrefix(channel, fmt.Sprintf("%s:user:%s:", r.prefix, r.userID))
	if !ok {
		return "", false
	}
	topic := Topic(rest)
	for _, t := range inboundTopics {
		if t == topic {
			return topic, true
		}
	}
	return "", false
}

// Connect subscribes to the user's inbound channels and starts the delivery
// loop. Idempotent. go-redis re-establishes dropped pub/sub connections and
// re-subscribes on its own; the state observer reflects delivery-loop errors
// as Reconnecting until messages flow again.
func (r *RedisTransport) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.disp.setState(StateConnecting)

	channels := make([]string, 0, len(inboundTopics))
	for _, t := range inboundTopics {
		channels = append(channels, r.channelFor(t))
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.pubsub = r.client.Subscribe(runCtx, channels...)
	pubsub := r.pubsub
	r.mu.Unlock()

	go r.run(runCtx, pubsub)
	return nil
}

func (r *RedisTransport) run(ctx context.Context, pubsub *redis.PubSub) {
	// Wait for the subscribe confirmation before reporting Connected so the
	// bootstrap overlaps the window where pushes could be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			r.log.Warnw("redis subscribe failed", "err", err)
			r.disp.setState(StateReconnecting)
		}
	} else {
		r.disp.setState(StateConnected)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					r.disp.setState(StateReconnecting)
				}
				return
			}
			r.disp.setState(StateConnected)
			topic, ok := r.topicFor(msg.Channel)
			if !ok {
				continue
			}
			r.disp.dispatch(topic, []byte(msg.Payload))
		}
	}
}

// Publish sends a payload to an outbound destination's ingest channel.
// Fire and forget: failures are logged, never retried.
func (r *RedisTransport) Publish(topic Topic, payload any) error {
	if r.disp.currentState() != StateConnected {
		r.log.Debugw("dropping publish while offline", "topic", topic)
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	channel := fmt.Sprintf("%s:ingest:%s", r.prefix, topic)
	if err := r.client.Publish(context.Background(), channel, data).Err(); err != nil {
		r.log.Warnw("redis publish failed", "channel", channel, "err", err)
	}
	return nil
}

// Disconnect closes the subscription. Idempotent.
func (r *RedisTransport) Disconnect() error {
	r.mu.Lock()
	cancel := r.cancel
	pubsub := r.pubsub
	r.cancel = nil
	r.pubsub = nil
	r.started = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		pubsub.Close()
	}
	r.disp.clearSubscriptions()
	r.disp.setState(StateDisconnected)
	return nil
}
