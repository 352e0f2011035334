// Package store persists positions, the portfolio state and the lifecycle
// event log. Every backend writes a Transition atomically: either the
// position, the portfolio and the events all land, or none do.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write carries an older version than
	// the stored record.
	ErrConflict = errors.New("store: version conflict")
)

// Transition is one durable state change.
type Transition struct {
	Position  *position.Position
	Portfolio *portfolio.State
	Events    []bus.LifecycleEvent
}

// Store is the durable backend of the lifecycle coordinator.
type Store interface {
	// LoadOpenPositions returns every position not yet closed, oldest first.
	LoadOpenPositions(ctx context.Context) ([]*position.Position, error)

	// LoadPortfolioState returns ErrNotFound before the first save.
	LoadPortfolioState(ctx context.Context) (portfolio.State, error)
	SavePortfolioState(ctx context.Context, st portfolio.State) error

	// AppendEvent is idempotent per event id.
	AppendEvent(ctx context.Context, ev bus.LifecycleEvent) error

	// Events returns the log for mint in insertion order; an empty mint
	// returns every event. limit <= 0 means no limit.
	Events(ctx context.Context, mint string, limit int) ([]bus.LifecycleEvent, error)

	CommitTransition(ctx context.Context, tr Transition) error

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string `yaml:"backend"` // memory | postgres | sqlite
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Backend:    "memory",
		SQLitePath: "lanetrader.db",
	}
}

// Unavailable wraps a backend error as errs.ErrStorageUnavailable.
// ErrNotFound and ErrConflict pass through unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, errs.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("store: %s: %w: %w", op, err, errs.ErrStorageUnavailable)
}

// EncodePosition and the other codec helpers give every backend the same
// document format.
func EncodePosition(p *position.Position) ([]byte, error) {
	b, err := sonnet.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("store: encode position %s: %w", p.ID, err)
	}
	return b, nil
}

func DecodePosition(doc []byte) (*position.Position, error) {
	var p position.Position
	if err := sonnet.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("store: decode position: %w", err)
	}
	return &p, nil
}

func EncodePortfolio(st portfolio.State) ([]byte, error) {
	b, err := sonnet.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("store: encode portfolio: %w", err)
	}
	return b, nil
}

func DecodePortfolio(doc []byte) (portfolio.State, error) {
	var st portfolio.State
	if err := sonnet.Unmarshal(doc, &st); err != nil {
		return portfolio.State{}, fmt.Errorf("store: decode portfolio: %w", err)
	}
	if st.Exposure == nil {
		st.Exposure = make(map[position.Lane]decimal.Decimal)
	}
	return st, nil
}

func EncodeEvent(ev bus.LifecycleEvent) ([]byte, error) {
	b, err := sonnet.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("store: encode event %s: %w", ev.EventID, err)
	}
	return b, nil
}

func DecodeEvent(doc []byte) (bus.LifecycleEvent, error) {
	var ev bus.LifecycleEvent
	if err := sonnet.Unmarshal(doc, &ev); err != nil {
		return bus.LifecycleEvent{}, fmt.Errorf("store: decode event: %w", err)
	}
	return ev, nil
}
