package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/errs"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/position"
)

// Memory is an in-process Store for paper runs and tests. Values are
// deep-copied on the way in and out.
type Memory struct {
	mu        sync.Mutex
	positions map[string]*position.Position
	portfolio *portfolio.State
	events    []bus.LifecycleEvent
	eventIDs  map[string]struct{}
	failNext  int
	closed    bool
	commits   int
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		positions: make(map[string]*position.Position),
		eventIDs:  make(map[string]struct{}),
	}
}

var _ Store = (*Memory)(nil)

// SetFailNext makes the next n write calls fail with ErrStorageUnavailable.
func (m *Memory) SetFailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// Commits returns the number of successful CommitTransition calls.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *Memory) check(op string) error {
	if m.closed {
		return Unavailable(op, fmt.Errorf("closed"))
	}
	if m.failNext > 0 {
		m.failNext--
		return Unavailable(op, fmt.Errorf("injected failure"))
	}
	return nil
}

func (m *Memory) LoadOpenPositions(_ context.Context) ([]*position.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, Unavailable("load positions", fmt.Errorf("closed"))
	}
	out := make([]*position.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) LoadPortfolioState(_ context.Context) (portfolio.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return portfolio.State{}, Unavailable("load portfolio", fmt.Errorf("closed"))
	}
	if m.portfolio == nil {
		return portfolio.State{}, ErrNotFound
	}
	return m.portfolio.Clone(), nil
}

func (m *Memory) SavePortfolioState(_ context.Context, st portfolio.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("save portfolio"); err != nil {
		return err
	}
	return m.putPortfolio(st)
}

func (m *Memory) putPortfolio(st portfolio.State) error {
	if m.portfolio != nil && st.Version < m.portfolio.Version {
		return fmt.Errorf("portfolio version %d < %d: %w", st.Version, m.portfolio.Version, ErrConflict)
	}
	c := st.Clone()
	m.portfolio = &c
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, ev bus.LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("append event"); err != nil {
		return err
	}
	m.appendEvent(ev)
	return nil
}

func (m *Memory) appendEvent(ev bus.LifecycleEvent) {
	if _, dup := m.eventIDs[ev.EventID]; dup {
		return
	}
	m.eventIDs[ev.EventID] = struct{}{}
	m.events = append(m.events, ev)
}

func (m *Memory) Events(_ context.Context, mint string, limit int) ([]bus.LifecycleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bus.LifecycleEvent
	for _, ev := range m.events {
		if mint != "" && ev.Mint != mint {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CommitTransition(_ context.Context, tr Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("commit"); err != nil {
		return err
	}

	// Validate everything before mutating anything.
	if tr.Position != nil {
		if prev, ok := m.positions[tr.Position.ID]; ok && tr.Position.Version < prev.Version {
			return fmt.Errorf("position %s version %d < %d: %w", tr.Position.ID, tr.Position.Version, prev.Version, ErrConflict)
		}
	}
	if tr.Portfolio != nil && m.portfolio != nil && tr.Portfolio.Version < m.portfolio.Version {
		return fmt.Errorf("portfolio version %d < %d: %w", tr.Portfolio.Version, m.portfolio.Version, ErrConflict)
	}

	if tr.Position != nil {
		m.positions[tr.Position.ID] = tr.Position.Clone()
	}
	if tr.Portfolio != nil {
		c := tr.Portfolio.Clone()
		m.portfolio = &c
	}
	for _, ev := range tr.Events {
		m.appendEvent(ev)
	}
	m.commits++
	return nil
}

// Position returns a stored position by id.
func (m *Memory) Position(id string) (*position.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory store closed: %w", errs.ErrStorageUnavailable)
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
