package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message.
// Return error to indicate processing failure (the message will still be committed).
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads messages from Kafka/RedPanda topics.
type Consumer interface {
	// Consume starts the poll loop. Blocks until ctx is cancelled.
	Consume(ctx context.Context, handler MessageHandler) error
	// Close shuts down the consumer and commits final offsets.
	Close()
}

// ConsumerConfig configures a KafkaConsumer.
type ConsumerConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
	Topics  []string `yaml:"topics"`
	// FromStart resets new groups to the earliest offset instead of the latest.
	FromStart bool `yaml:"from_start"`
}

// KafkaConsumer is a franz-go consumer group member. Offsets are committed
// only for records the handler has returned from.
type KafkaConsumer struct {
	client *kgo.Client
	cfg    ConsumerConfig
	mu     sync.Mutex
	closed bool
}

// NewConsumer creates a consumer group member subscribed to cfg.Topics.
func NewConsumer(cfg ConsumerConfig) (*KafkaConsumer, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("consumer group id is required")
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.GroupID),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("group_id", cfg.GroupID).
		Strs("topics", cfg.Topics).
		Msg("bus: kafka consumer created")

	return &KafkaConsumer{client: client, cfg: cfg}, nil
}

// Consume runs the poll loop until ctx is cancelled. Handler errors are
// logged and do not stop consumption.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("consumer is closed")
	}
	c.mu.Unlock()

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			c.client.AllowRebalance()
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return fmt.Errorf("consumer is closed")
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error().
				Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("bus: fetch error")
		})

		fetches.EachRecord(func(record *kgo.Record) {
			if err := handler(ctx, recordToMessage(record)); err != nil {
				log.Error().Err(err).
					Str("topic", record.Topic).
					Int32("partition", record.Partition).
					Int64("offset", record.Offset).
					Msg("bus: message handler error")
			}
			c.client.MarkCommitRecords(record)
		})

		c.client.AllowRebalance()
	}
}

// Close commits marked offsets and leaves the group.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		log.Warn().Err(err).Msg("bus: final commit failed")
	}
	c.client.Close()
	log.Info().Str("group", c.cfg.GroupID).Msg("bus: kafka consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// TopicNaming provides canonical topic names.
// Pattern: <domain>.<category>[.<variant>]
type TopicNaming struct{}

func (TopicNaming) MarketEvents() string    { return "md.tokens.events" }
func (TopicNaming) LifecycleEvents() string { return "lifecycle.events" }
func (TopicNaming) Alerts() string          { return "ops.alerts.core" }
func (TopicNaming) AuditEventStore() string { return "audit.event_store" }

// Topics is the global topic naming instance.
var Topics = TopicNaming{}

// TopicRetention maps topics to their retention in hours.
var TopicRetention = map[string]int{
	"md.tokens.events":  24,
	"lifecycle.events":  2160,
	"ops.alerts.core":   720,
	"audit.event_store": 8760,
}
