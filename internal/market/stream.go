package market

import (
	"context"
	"time"
)

// Stream is a lazy, non-restartable sequence of market events. The returned
// channel is closed when ctx is cancelled or the stream ends for good.
type Stream interface {
	Events(ctx context.Context) (<-chan Event, error)
}

// SliceStream replays a fixed list of events. Used for paper runs fed from
// a capture file and in tests.
type SliceStream struct {
	events []Event
	delay  time.Duration
}

// NewSliceStream creates a replay stream; delay is inserted between events.
func NewSliceStream(events []Event, delay time.Duration) *SliceStream {
	return &SliceStream{events: events, delay: delay}
}

func (s *SliceStream) Events(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for _, ev := range s.events {
			if s.delay > 0 {
				select {
				case <-time.After(s.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func gapEvent(reason string) Event {
	return Event{Kind: KindGap, Timestamp: time.Now(), Gap: &GapNotice{Reason: reason}}
}
