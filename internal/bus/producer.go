package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message represents a message to be published to or consumed from Kafka.
type Message struct {
	Topic     string
	Key       string // partition key
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes messages to Kafka/RedPanda.
type Producer interface {
	// Publish sends a Message synchronously, waiting for broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// PublishJSON marshals value as JSON and publishes synchronously.
	PublishJSON(ctx context.Context, topic, key string, value any) error
	// Close flushes pending records and shuts down the producer.
	Close()
}

// ProducerConfig configures a KafkaProducer.
type ProducerConfig struct {
	Brokers            []string      `yaml:"brokers"`
	InstanceID         string        `yaml:"instance_id"`
	MaxBufferedRecords int           `yaml:"max_buffered_records"`
	Linger             time.Duration `yaml:"linger"`
}

// KafkaProducer is a Kafka producer backed by franz-go.
type KafkaProducer struct {
	client         *kgo.Client
	defaultHeaders map[string]string
	mu             sync.RWMutex
	closed         bool
}

// NewProducer creates a Kafka producer. Lifecycle events are low volume and
// must not be lost, so every publish waits for all in-sync replicas.
func NewProducer(cfg ProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: no brokers configured")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "lanetrader"
	}
	if cfg.MaxBufferedRecords == 0 {
		cfg.MaxBufferedRecords = 10000
	}
	if cfg.Linger == 0 {
		cfg.Linger = 5 * time.Millisecond
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.InstanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("instance_id", cfg.InstanceID).
		Msg("bus: kafka producer created")

	return &KafkaProducer{
		client: client,
		defaultHeaders: map[string]string{
			"producer":       cfg.InstanceID,
			"schema_version": SchemaVersion,
		},
	}, nil
}

func (p *KafkaProducer) messageToRecord(msg Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+len(p.defaultHeaders)+1)
	for k, v := range p.defaultHeaders {
		if _, exists := msg.Headers[k]; !exists {
			headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if _, ok := msg.Headers["event_id"]; !ok {
		headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(uuid.New().String())})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

// Publish sends a Message synchronously, waiting for broker acknowledgement.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("producer is closed")
	}

	results := p.client.ProduceSync(ctx, p.messageToRecord(msg))
	if err := results.FirstErr(); err != nil {
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("bus: publish failed")
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}

	r := results[0].Record
	log.Debug().
		Str("topic", r.Topic).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("bus: message published")
	return nil
}

// PublishJSON marshals value as JSON and publishes synchronously.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

// Close flushes pending records and shuts down the producer.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("bus: flush on close failed")
	}
	p.client.Close()
	log.Info().Msg("bus: kafka producer closed")
}

// --- Stub producer for development/testing ---

// StubProducer implements Producer by buffering messages in memory.
// Used in paper mode without Kafka and in unit tests.
type StubProducer struct {
	mu       sync.Mutex
	messages []Message
	failNext bool
}

// NewStubProducer creates a new in-memory stub producer.
func NewStubProducer() *StubProducer {
	return &StubProducer{}
}

// SetFailNext makes the next publish return an error.
func (p *StubProducer) SetFailNext() {
	p.mu.Lock()
	p.failNext = true
	p.mu.Unlock()
}

// Messages returns a copy of everything published so far.
func (p *StubProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// MessagesOn returns messages published to topic.
func (p *StubProducer) MessagesOn(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return fmt.Errorf("stub: publish to %s failed", msg.Topic)
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *StubProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

func (p *StubProducer) Close() {
	log.Debug().Msg("bus: stub producer closed")
}
