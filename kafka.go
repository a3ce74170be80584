package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaTransport is a push channel over Kafka, for backend-internal consumers
// of the conversation stream (bots, audit tooling) that read the same
// per-user topics the delivery tier fans out to. Inbound topics are
// "<prefix>.user.<id>.<topic>"; presence is the shared "<prefix>.presence"
// topic; outbound destinations produce to "<prefix>.ingest.<dest>".
type KafkaTransport struct {
	brokers []string
	userID  string
	prefix  string
	group   string
	log     *zap.SugaredLogger

	disp *dispatcher

	mu      sync.Mutex
	cancel  context.CancelFunc
	readers []*kafka.Reader
	writer  *kafka.Writer
	started bool
	wg      sync.WaitGroup
}

// KafkaOption configures a KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithKafkaPrefix overrides the topic namespace, default "chat".
func WithKafkaPrefix(prefix string) KafkaOption {
	return func(k *KafkaTransport) { k.prefix = prefix }
}

// WithKafkaGroup sets the consumer group id. Default is per-user so each
// client instance sees the full stream.
func WithKafkaGroup(group string) KafkaOption {
	return func(k *KafkaTransport) { k.group = group }
}

// WithKafkaLogger attaches a logger.
func WithKafkaLogger(log *zap.SugaredLogger) KafkaOption {
	return func(k *KafkaTransport) { k.log = log }
}

// NewKafkaTransport creates a push channel for one user against the given
// brokers.
func NewKafkaTransport(brokers []string, userID string, opts ...KafkaOption) *KafkaTransport {
	k := &KafkaTransport{
		brokers: brokers,
		userID:  userID,
		prefix:  "chat",
		log:     zap.NewNop().Sugar(),
		disp:    newDispatcher(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.group == "" {
		k.group = fmt.Sprintf("%s-client-%s", k.prefix, userID)
	}
	return k
}

// Subscribe registers a handler for a topic.
func (k *KafkaTransport) Subscribe(topic Topic, h Handler) { k.disp.subscribe(topic, h) }

// OnStateChange registers a connection state observer.
func (k *KafkaTransport) OnStateChange(h StateHandler) { k.disp.onStateChange(h) }

// State returns the current connection state.
func (k *KafkaTransport) State() ConnState { return k.disp.currentState() }

func (k *KafkaTransport) topicName(topic Topic) string {
	if topic == TopicPresence {
		return fmt.Sprintf("%s.presence", k.prefix)
	}
	return fmt.Sprintf("%s.user.%s.%s", k.prefix, k.userID, topic)
}

// Connect starts one consume loop per inbound topic plus a shared producer.
// Idempotent. kafka-go's reader handles broker reconnects internally;
// consume errors surface as Reconnecting until reads succeed again.
func (k *KafkaTransport) Connect(ctx context.Context) error {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return nil
	}
	k.started = true
	k.disp.setState(StateConnecting)

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.writer = &kafka.Writer{
		Addr:     kafka.TCP(k.brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	for _, t := range inboundTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: k.brokers,
			GroupID: k.group,
			Topic:   k.topicName(t),
		})
		k.readers = append(k.readers, reader)
		k.wg.Add(1)
		go k.consume(runCtx, reader, t)
	}
	k.mu.Unlock()
	return nil
}

func (k *KafkaTransport) consume(ctx context.Context, reader *kafka.Reader, topic Topic) {
	defer k.wg.Done()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.log.Warnw("kafka read failed", "topic", topic, "err", err)
			k.disp.setState(StateReconnecting)
			continue
		}
		k.disp.setState(StateConnected)
		k.disp.dispatch(topic, msg.Value)
	}
}

// Publish produces a payload to an outbound destination's ingest topic,
// keyed by user id so one user's stream stays ordered. Fire and forget.
func (k *KafkaTransport) Publish(topic Topic, payload any) error {
	k.mu.Lock()
	writer := k.writer
	k.mu.Unlock()
	if writer == nil {
		k.log.Debugw("dropping publish while offline", "topic", topic)
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	err = writer.WriteMessages(context.Background(), kafka.Message{
		Topic: fmt.Sprintf("%s.ingest.%s", k.prefix, topic),
		Key:   []byte(k.userID),
		Value: data,
	})
	if err != nil {
		k.log.Warnw("kafka publish failed", "topic", topic, "err", err)
	}
	return nil
}

// Disconnect stops the consume loops and closes the producer. Idempotent.
func (k *KafkaTransport) Disconnect() error {
	k.mu.Lock()
	cancel := k.cancel
	readers := k.readers
	writer := k.writer
	k.cancel = nil
	k.readers = nil
	k.writer = nil
	k.started = false
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, r := range readers {
		r.Close()
	}
	k.wg.Wait()
	if writer != nil {
		writer.Close()
	}
	k.disp.clearSubscriptions()
	k.disp.setState(StateDisconnected)
	return nil
}
