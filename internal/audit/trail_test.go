package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
)

const testMint = "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr"

type recordingArchive struct {
	mu     sync.Mutex
	events []bus.LifecycleEvent
	err    error
}

func (a *recordingArchive) WriteEvent(_ context.Context, ev bus.LifecycleEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, ev)
	return nil
}

func TestTrail_PublishesKeyedByMint(t *testing.T) {
	p := bus.NewStubProducer()
	tr := NewTrail(p, 10)

	ev := bus.NewLifecycleEvent("lifecycle", bus.EventPositionOpened, testMint)
	ev.PositionID = "pos-1"
	tr.Record(context.Background(), ev)

	msgs := p.MessagesOn(TopicLifecycle)
	require.Len(t, msgs, 1)
	assert.Equal(t, testMint, msgs[0].Key)

	var got bus.LifecycleEvent
	require.NoError(t, sonnet.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, ev.EventID, got.EventID)
	assert.Equal(t, bus.EventPositionOpened, got.Type)

	assert.Empty(t, p.MessagesOn(TopicAlerts), "ordinary events are not alerts")
	assert.Equal(t, int64(1), tr.Stats().Recorded)
}

func TestTrail_AlertsGoToBothTopics(t *testing.T) {
	p := bus.NewStubProducer()
	tr := NewTrail(p, 10)

	tr.Record(context.Background(), bus.NewLifecycleEvent("gateway", bus.EventPanicExitFailed, testMint))
	tr.Record(context.Background(), bus.NewLifecycleEvent("lifecycle", bus.EventStorageDegraded, ""))

	assert.Len(t, p.MessagesOn(TopicLifecycle), 2)
	assert.Len(t, p.MessagesOn(TopicAlerts), 2)
	assert.Equal(t, int64(2), tr.Stats().Alerts)
}

func TestTrail_PublishFailureIsCounted(t *testing.T) {
	p := bus.NewStubProducer()
	p.SetFailNext()
	tr := NewTrail(p, 10)

	tr.Record(context.Background(), bus.NewLifecycleEvent("lifecycle", bus.EventEntering, testMint))

	assert.Equal(t, int64(1), tr.Stats().PublishErrors)
	assert.Equal(t, 1, tr.Len(), "buffered even when the broker is down")
}

func TestTrail_CancelledContextStillPublishes(t *testing.T) {
	p := bus.NewStubProducer()
	tr := NewTrail(p, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr.Record(ctx, bus.NewLifecycleEvent("lifecycle", bus.EventPositionClosed, testMint))

	assert.Len(t, p.MessagesOn(TopicLifecycle), 1)
	assert.Equal(t, 0, tr.Len())
}

func TestTrail_BufferEvictsOldest(t *testing.T) {
	tr := NewTrail(nil, 3)
	var ids []string
	for i := 0; i < 5; i++ {
		ev := bus.NewLifecycleEvent("lifecycle", bus.EventTrancheFilled, testMint)
		ids = append(ids, ev.EventID)
		tr.Record(context.Background(), ev)
	}

	recent := tr.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, ids[2], recent[0].EventID)
	assert.Equal(t, ids[4], recent[2].EventID)

	last := tr.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, ids[4], last[0].EventID)
}

func TestTrail_ByPosition(t *testing.T) {
	tr := NewTrail(nil, 10)
	for _, id := range []string{"a", "b", "a"} {
		ev := bus.NewLifecycleEvent("lifecycle", bus.EventTrancheFilled, testMint)
		ev.PositionID = id
		tr.Record(context.Background(), ev)
	}
	assert.Len(t, tr.ByPosition("a"), 2)
	assert.Len(t, tr.ByPosition("b"), 1)
	assert.Empty(t, tr.ByPosition("c"))
}

func TestTrail_Archive(t *testing.T) {
	arch := &recordingArchive{}
	tr := NewTrail(nil, 0)
	tr.SetArchive(arch)

	tr.Record(context.Background(), bus.NewLifecycleEvent("lifecycle", bus.EventEntering, testMint))
	assert.Len(t, arch.events, 1)

	arch.err = errors.New("clickhouse down")
	tr.Record(context.Background(), bus.NewLifecycleEvent("lifecycle", bus.EventEntering, testMint))
	assert.Equal(t, int64(1), tr.Stats().ArchiveErrors)
}
