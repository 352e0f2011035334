// Package postgres is the production Store backend.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

// Store implements store.Store on a pgx pool. Each transition is one
// database transaction.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, store.Unavailable("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable("ping", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Str("host", config.ConnConfig.Host).Str("database", config.ConnConfig.Database).Msg("store: postgres connected")
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return store.Unavailable("migrate", err)
	}
	return nil
}

func (s *Store) LoadOpenPositions(ctx context.Context) ([]*position.Position, error) {
	rows, err := s.pool.Query(ctx, `
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
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, store.Unavailable("scan position", err)
		}
		p, err := store.DecodePosition(doc)
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
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM portfolio_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return portfolio.State{}, store.ErrNotFound
	}
	if err != nil {
		return portfolio.State{}, store.Unavailable("load portfolio", err)
	}
	return store.DecodePortfolio(doc)
}

func (s *Store) SavePortfolioState(ctx context.Context, st portfolio.State) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return savePortfolio(ctx, tx, st)
	})
	return store.Unavailable("save portfolio", err)
}

func (s *Store) AppendEvent(ctx context.Context, ev bus.LifecycleEvent) error {
	return appendEvent(ctx, s.pool, ev)
}

func (s *Store) Events(ctx context.Context, mint string, limit int) ([]bus.LifecycleEvent, error) {
	query := `SELECT doc FROM lifecycle_events WHERE ($1 = '' OR mint = $1) ORDER BY seq ASC`
	args := []any{mint}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Unavailable("load events", err)
	}
	defer rows.Close()

	var out []bus.LifecycleEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, store.Unavailable("scan event", err)
		}
		ev, err := store.DecodeEvent(doc)
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

// CommitTransition writes the position, the portfolio and the events in
// one transaction.
func (s *Store) CommitTransition(ctx context.Context, tr store.Transition) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
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
	return store.Unavailable("commit", err)
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.pool.Ping(ctx))
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p *position.Position) error {
	doc, err := store.EncodePosition(p)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO positions (id, mint, state, version, opened_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			doc = EXCLUDED.doc
		WHERE positions.version <= EXCLUDED.version
	`, p.ID, string(p.Mint), string(p.State), p.Version, p.OpenedAt, p.UpdatedAt, doc)
	if err != nil {
		return store.Unavailable("upsert position", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s version %d: %w", p.ID, p.Version, store.ErrConflict)
	}
	return nil
}

func savePortfolio(ctx context.Context, tx pgx.Tx, st portfolio.State) error {
	doc, err := store.EncodePortfolio(st)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO portfolio_state (id, version, updated_at, doc)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			doc = EXCLUDED.doc
		WHERE portfolio_state.version <= EXCLUDED.version
	`, st.Version, st.UpdatedAt, doc)
	if err != nil {
		return store.Unavailable("save portfolio", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio version %d: %w", st.Version, store.ErrConflict)
	}
	return nil
}

func appendEvent(ctx context.Context, db execer, ev bus.LifecycleEvent) error {
	doc, err := store.EncodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO lifecycle_events (event_id, mint, type, ts, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Mint, string(ev.Type), ev.Timestamp, doc)
	return store.Unavailable("append event", err)
}
