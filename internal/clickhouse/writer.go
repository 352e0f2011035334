package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/rs/zerolog/log"
)

const (
	tableFills  = "fills"
	tableEvents = "lifecycle_events"
)

// FlushFunc writes rows to table. Replaces the ClickHouse batch in tests.
type FlushFunc func(ctx context.Context, table string, rows [][]any) error

// ArchiveWriter batches fills and lifecycle events and flushes them to
// ClickHouse periodically or when the batch is full. The archive feeds
// reporting only; nothing reads it back.
type ArchiveWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration
	flushHook     FlushFunc

	mu         sync.Mutex
	fillBuf    [][]any
	eventBuf   [][]any
	closed     bool
	flushCount int64
	errorCount int64
	rowsOut    int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchiveWriter creates a writer that flushes on size or interval.
// database prefixes the table names; empty uses the connection default.
func NewArchiveWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *ArchiveWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &ArchiveWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// SetFlushHook routes flushes to fn instead of ClickHouse.
func (w *ArchiveWriter) SetFlushHook(fn FlushFunc) { w.flushHook = fn }

func (w *ArchiveWriter) table(name string) string {
	if w.database == "" {
		return name
	}
	return w.database + "." + name
}

// WriteFill buffers one gateway fill of positionID.
func (w *ArchiveWriter) WriteFill(ctx context.Context, positionID string, f execution.FillResult) error {
	row := []any{
		f.At.UTC(),
		positionID,
		f.OrderID,
		f.ClientOrderID,
		f.Venue,
		string(f.Mint),
		sideToEnum(f.Side),
		f.Quantity.InexactFloat64(),
		f.Price.InexactFloat64(),
		f.NotionalUSD().InexactFloat64(),
		f.FeeUSD.InexactFloat64(),
		boolToUInt8(f.Partial),
		boolToUInt8(f.Paper),
		uint16(f.Chunks),
		uint16(f.Attempts),
	}
	return w.add(ctx, &w.fillBuf, row)
}

// WriteEvent buffers one lifecycle event. It satisfies audit.Archiver.
func (w *ArchiveWriter) WriteEvent(ctx context.Context, ev bus.LifecycleEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]string{}
	}
	row := []any{
		ev.Timestamp.UTC(),
		ev.EventID,
		string(ev.Type),
		ev.Mint,
		ev.PositionID,
		ev.Lane,
		ev.State,
		ev.Tier,
		ev.Reason,
		ev.SizeUSD.InexactFloat64(),
		ev.Price.InexactFloat64(),
		ev.FeeUSD.InexactFloat64(),
		ev.Venue,
		details,
	}
	return w.add(ctx, &w.eventBuf, row)
}

func (w *ArchiveWriter) add(ctx context.Context, buf *[][]any, row []any) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("clickhouse: writer is closed")
	}
	*buf = append(*buf, row)
	full := len(w.fillBuf)+len(w.eventBuf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Start launches the background flush loop. Close stops it.
func (w *ArchiveWriter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	log.Info().
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Msg("clickhouse: archive writer started")

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(ctx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush writes all buffered rows. Rows of a failed table are dropped; the
// archive is not a system of record.
func (w *ArchiveWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	fills := w.fillBuf
	events := w.eventBuf
	w.fillBuf = nil
	w.eventBuf = nil
	w.mu.Unlock()

	if len(fills) == 0 && len(events) == 0 {
		return nil
	}

	var firstErr error
	for _, b := range []struct {
		table string
		rows  [][]any
	}{
		{w.table(tableFills), fills},
		{w.table(tableEvents), events},
	} {
		if len(b.rows) == 0 {
			continue
		}
		if err := w.send(ctx, b.table, b.rows); err != nil {
			log.Error().Err(err).Str("table", b.table).Int("count", len(b.rows)).Msg("clickhouse: flush failed")
			w.mu.Lock()
			w.errorCount++
			w.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.mu.Lock()
		w.rowsOut += int64(len(b.rows))
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.flushCount++
	w.mu.Unlock()

	log.Debug().
		Int("fills", len(fills)).
		Int("events", len(events)).
		Msg("clickhouse: batch flushed")
	return firstErr
}

func (w *ArchiveWriter) send(ctx context.Context, table string, rows [][]any) error {
	if w.flushHook != nil {
		return w.flushHook(ctx, table, rows)
	}
	if w.client == nil {
		return fmt.Errorf("clickhouse: no client")
	}
	batch, err := w.client.Conn().PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	return batch.Send()
}

func sideToEnum(side execution.Side) string {
	switch side {
	case execution.SideBuy:
		return "buy"
	case execution.SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Close stops the flush loop, flushes what is left and rejects further
// writes.
func (w *ArchiveWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	err := w.Flush(context.Background())

	w.mu.Lock()
	flushes, errors := w.flushCount, w.errorCount
	w.mu.Unlock()

	log.Info().
		Int64("total_flushes", flushes).
		Int64("errors", errors).
		Msg("clickhouse: archive writer closed")
	return err
}

// Stats returns writer statistics.
type Stats struct {
	Flushes       int64 `json:"flushes"`
	Errors        int64 `json:"errors"`
	RowsWritten   int64 `json:"rows_written"`
	PendingFills  int   `json:"pending_fills"`
	PendingEvents int   `json:"pending_events"`
}

func (w *ArchiveWriter) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Flushes:       w.flushCount,
		Errors:        w.errorCount,
		RowsWritten:   w.rowsOut,
		PendingFills:  len(w.fillBuf),
		PendingEvents: len(w.eventBuf),
	}
}
