// Package sqlite is the single-node Store backend.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

// Store implements store.Store on a SQLite file in WAL mode.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, store.Unavailable("open", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, store.Unavailable("ping", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, store.Unavailable("migrate", err)
	}
	log.Info().Str("path", path).Msg("store: sqlite opened")
	return &Store{db: db, path: path}, nil
}

// Fixed-width so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func (s *Store) LoadOpenPositions(ctx context.Context) ([]*position.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM positions
		WHERE state <> 'CLOSED'
		ORDER BY opened_at ASC, id ASC
	`)
	if err != nil {
		return nil, store.Unavailable("load positions", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, store.Unavailable("scan position", err)
		}
		p, err := store.DecodePosition([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("load positions", err)
	}
	return out, nil
}

func (s *Store) LoadPortfolioState(ctx context.Context) (portfolio.State, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM portfolio_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return portfolio.State{}, store.ErrNotFound
	}
	if err != nil {
		return portfolio.State{}, store.Unavailable("load portfolio", err)
	}
	return store.DecodePortfolio([]byte(doc))
}

func (s *Store) SavePortfolioState(ctx context.Context, st portfolio.State) error {
	return s.inTx(ctx, "save portfolio", func(tx *sql.Tx) error {
		return savePortfolio(ctx, tx, st)
	})
}

func (s *Store) AppendEvent(ctx context.Context, ev bus.LifecycleEvent) error {
	return s.inTx(ctx, "append event", func(tx *sql.Tx) error {
		return appendEvent(ctx, tx, ev)
	})
}

func (s *Store) Events(ctx context.Context, mint string, limit int) ([]bus.LifecycleEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM lifecycle_events
		WHERE (? = '' OR mint = ?)
		ORDER BY seq ASC
		LIMIT ?
	`, mint, mint, limit)
	if err != nil {
		return nil, store.Unavailable("load events", err)
	}
	defer rows.Close()

	var out []bus.LifecycleEvent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, store.Unavailable("scan event", err)
		}
		ev, err := store.DecodeEvent([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("load events", err)
	}
	return out, nil
}

func (s *Store) CommitTransition(ctx context.Context, tr store.Transition) error {
	return s.inTx(ctx, "commit", func(tx *sql.Tx) error {
		if tr.Position != nil {
			if err := upsertPosition(ctx, tx, tr.Position); err != nil {
				return err
			}
		}
		if tr.Portfolio != nil {
			if err := savePortfolio(ctx, tx, *tr.Portfolio); err != nil {
				return err
			}
		}
		for _, ev := range tr.Events {
			if err := appendEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return store.Unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Unavailable(op, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

func upsertPosition(ctx context.Context, tx *sql.Tx, p *position.Position) error {
	doc, err := store.EncodePosition(p)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO positions (id, mint, state, version, opened_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			updated_at = excluded.updated_at,
			doc = excluded.doc
		WHERE positions.version <= excluded.version
	`, p.ID, string(p.Mint), string(p.State), p.Version, ts(p.OpenedAt), ts(p.UpdatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("position %s version %d: %w", p.ID, p.Version, store.ErrConflict)
	}
	return nil
}

func savePortfolio(ctx context.Context, tx *sql.Tx, st portfolio.State) error {
	doc, err := store.EncodePortfolio(st)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO portfolio_state (id, version, updated_at, doc)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at,
			doc = excluded.doc
		WHERE portfolio_state.version <= excluded.version
	`, st.Version, ts(st.UpdatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("portfolio version %d: %w", st.Version, store.ErrConflict)
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, ev bus.LifecycleEvent) error {
	doc, err := store.EncodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lifecycle_events (event_id, mint, type, ts, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Mint, string(ev.Type), ts(ev.Timestamp), string(doc))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
