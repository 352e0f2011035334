package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/rs/zerolog/log"
)

const (
	// TopicLifecycle carries every lifecycle event, keyed by mint.
	TopicLifecycle = "lifecycle.events"

	// TopicAlerts carries the high-priority subset (panic exit failures,
	// storage degradation) for the operator channel.
	TopicAlerts = "ops.alerts.core"

	publishTimeout = 5 * time.Second
)

// Archiver receives a copy of every event for long-term reporting.
type Archiver interface {
	WriteEvent(ctx context.Context, ev bus.LifecycleEvent) error
}

// Trail records the lifecycle of every token the bot touches. It keeps a
// bounded in-memory buffer for the HTTP surface and publishes every event
// to the lifecycle topic. Publishing is best effort: the store is the
// system of record, so a broker outage is logged and counted, never
// propagated to the caller.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	archive  Archiver
	entries  []bus.LifecycleEvent
	maxBuf   int

	recorded      atomic.Int64
	publishErrors atomic.Int64
	archiveErrors atomic.Int64
	alerts        atomic.Int64
}

// NewTrail creates a trail. A nil producer disables publishing; a maxBuf
// of 0 disables the in-memory buffer. Once the buffer is full the oldest
// entries are discarded.
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		producer: producer,
		entries:  make([]bus.LifecycleEvent, 0, maxBuf),
		maxBuf:   maxBuf,
	}
}

// SetArchive attaches the reporting archive. Must be called before Record.
func (t *Trail) SetArchive(a Archiver) { t.archive = a }

// Record buffers ev, publishes it, and forwards it to the archive.
func (t *Trail) Record(ctx context.Context, ev bus.LifecycleEvent) {
	t.recorded.Add(1)

	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = ev
		} else {
			t.entries = append(t.entries, ev)
		}
	}
	t.mu.Unlock()

	// Outlive a cancelled caller: the transition already committed.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if t.producer != nil {
		if err := t.producer.PublishJSON(pctx, TopicLifecycle, ev.Mint, ev); err != nil {
			t.publishErrors.Add(1)
			log.Error().Err(err).
				Str("type", string(ev.Type)).
				Str("mint", ev.Mint).
				Str("event_id", ev.EventID).
				Msg("audit: publish lifecycle event failed")
		}
		if ev.IsAlert() {
			t.alerts.Add(1)
			if err := t.producer.PublishJSON(pctx, TopicAlerts, ev.Mint, ev); err != nil {
				t.publishErrors.Add(1)
				log.Error().Err(err).
					Str("type", string(ev.Type)).
					Str("mint", ev.Mint).
					Msg("audit: publish alert failed")
			}
		}
	} else if ev.IsAlert() {
		t.alerts.Add(1)
	}

	if t.archive != nil {
		if err := t.archive.WriteEvent(pctx, ev); err != nil {
			t.archiveErrors.Add(1)
			log.Warn().Err(err).Str("event_id", ev.EventID).Msg("audit: archive write failed")
		}
	}
}

// ByPosition returns buffered events of one position, oldest first.
func (t *Trail) ByPosition(positionID string) []bus.LifecycleEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []bus.LifecycleEvent
	for _, e := range t.entries {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to n of the newest buffered events, oldest first.
// n <= 0 returns the whole buffer.
func (t *Trail) Recent(n int) []bus.LifecycleEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	src := t.entries
	if n > 0 && n < len(src) {
		src = src[len(src)-n:]
	}
	out := make([]bus.LifecycleEvent, len(src))
	copy(out, src)
	return out
}

// Len returns the number of buffered events.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stats returns trail counters.
type Stats struct {
	Recorded      int64 `json:"recorded"`
	Alerts        int64 `json:"alerts"`
	PublishErrors int64 `json:"publish_errors"`
	ArchiveErrors int64 `json:"archive_errors"`
	Buffered      int   `json:"buffered"`
}

func (t *Trail) Stats() Stats {
	return Stats{
		Recorded:      t.recorded.Load(),
		Alerts:        t.alerts.Load(),
		PublishErrors: t.publishErrors.Load(),
		ArchiveErrors: t.archiveErrors.Load(),
		Buffered:      t.Len(),
	}
}
