package market

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"
)

// KafkaStream consumes market events published by an upstream indexer onto
// a Kafka topic.
type KafkaStream struct {
	consumer bus.Consumer
	buffer   int
	started  atomic.Bool

	decodeErrors atomic.Int64
}

// NewKafkaStream wraps a bus consumer subscribed to the market-events topic.
func NewKafkaStream(consumer bus.Consumer, buffer int) *KafkaStream {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaStream{consumer: consumer, buffer: buffer}
}

func (s *KafkaStream) Events(ctx context.Context) (<-chan Event, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("kafka stream: already started")
	}
	out := make(chan Event, s.buffer)

	go func() {
		defer close(out)
		err := s.consumer.Consume(ctx, func(ctx context.Context, msg bus.Message) error {
			var ev Event
			if err := sonnet.Unmarshal(msg.Value, &ev); err != nil {
				s.decodeErrors.Add(1)
				return fmt.Errorf("decode market event: %w", err)
			}
			if ev.Mint == "" && msg.Key != "" && ev.Kind != KindGap {
				ev.Mint = solana.Pubkey(msg.Key)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("kafka stream: consumer stopped")
			select {
			case out <- gapEvent("consumer stopped"):
			default:
			}
		}
	}()

	return out, nil
}

// DecodeErrors returns the count of undecodable records.
func (s *KafkaStream) DecodeErrors() int64 { return s.decodeErrors.Load() }
