package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultKafkaGroup = "kestrel"

// KafkaBus implements EventBus on Kafka. Each topic maps to one Kafka topic
// and messages are keyed by tenant, so a tenant's events stay ordered
// within a partition.
type KafkaBus struct {
	mu            sync.Mutex
	brokers       []string
	groupID       string
	writers       map[string]*kafkago.Writer
	subscriptions map[string]*kafkaSubscription
	closed        bool
	logger        *slog.Logger
}

type kafkaSubscription struct {
	bus    *KafkaBus
	id     string
	topic  string
	reader *kafkago.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBus creates a Kafka-backed event bus. Connections are opened
// lazily; use Ping to verify the brokers are reachable.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	group := cfg.KafkaGroupID
	if group == "" {
		group = defaultKafkaGroup
	}
	return &KafkaBus{
		brokers:       cfg.KafkaBrokers,
		groupID:       group,
		writers:       make(map[string]*kafkago.Writer),
		subscriptions: make(map[string]*kafkaSubscription),
		logger:        slog.Default(),
	}, nil
}

// Publish writes a message to the topic's Kafka topic.
func (b *KafkaBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" || tenantID == domain.AllTenants {
		return fmt.Errorf("tenantID is required")
	}

	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := w.WriteMessages(ctx, kafkago.Message{Key: []byte(tenantID), Value: data}); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", kafkaTopic(topic), err)
	}
	return nil
}

// Subscribe starts a consumer group reader for the topic. Each tenant gets
// its own consumer group so every subscriber sees every partition; messages
// of other tenants are committed and skipped unless tenantID is AllTenants.
func (b *KafkaBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	reader := kafkago.NewReader(b.readerConfig(tenantID, topic))

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		bus:    b,
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.subscriptions[sub.id] = sub

	go b.consume(subCtx, sub, tenantID, handler)

	return sub, nil
}

func (b *KafkaBus) readerConfig(tenantID, topic string) kafkago.ReaderConfig {
	return kafkago.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    kafkaTopic(topic),
		GroupID:  consumerGroup(b.groupID, tenantID),
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024,
	}
}

// consumerGroup scopes the group to a tenant. Readers sharing a group split
// the partitions between them, which would hide one tenant's messages from
// another tenant's reader.
func consumerGroup(base, tenantID string) string {
	if tenantID == domain.AllTenants {
		return base + ".all"
	}
	return base + "." + tenantID
}

func (b *KafkaBus) consume(ctx context.Context, sub *kafkaSubscription, tenantID string, handler domain.MessageHandler) {
	defer close(sub.done)

	for {
		m, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			b.logger.Error("kafka fetch failed", "topic", m.Topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			b.logger.Error("failed to unmarshal kafka message",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
		} else if tenantID == domain.AllTenants || msg.TenantID == tenantID {
			if err := handler(ctx, &msg); err != nil {
				b.logger.Error("handler error",
					"topic", m.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}

		if err := sub.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			b.logger.Error("kafka commit failed",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}

// Close stops every subscription and flushes the writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[string]*kafkaSubscription)
	writers := b.writers
	b.writers = make(map[string]*kafkago.Writer)
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for topic, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing writer for topic %s: %w", topic, err)
		}
	}
	return firstErr
}

// writer lazily creates a writer for a topic.
func (b *KafkaBus) writer(topic string) (*kafkago.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(b.brokers...),
		Topic:                  kafkaTopic(topic),
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w, nil
}

func kafkaTopic(topic string) string {
	return "kestrel." + topic
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("closing kafka reader: %w", err)
	}
	return nil
}

// Unsubscribe stops the reader.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, active := s.bus.subscriptions[s.id]
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()

	if !active {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
