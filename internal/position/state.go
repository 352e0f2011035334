package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a token under management.
type State string

const (
	StateCandidate  State = "CANDIDATE"
	StateEvaluating State = "EVALUATING"
	StateEntering   State = "ENTERING"
	StateOpen       State = "OPEN"
	StateExiting    State = "EXITING"
	StateClosed     State = "CLOSED"
)

// transitions is the authoritative lifecycle table.
var transitions = map[State][]State{
	StateCandidate:  {StateEvaluating},
	StateEvaluating: {StateEntering, StateCandidate},
	StateEntering:   {StateOpen, StateExiting, StateClosed},
	StateOpen:       {StateExiting},
	StateExiting:    {StateOpen, StateExiting, StateClosed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the position to state. Closed is terminal and requires
// zero remaining size.
func (p *Position) Transition(to State, at time.Time) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("position %s: invalid transition %s -> %s", p.ID, p.State, to)
	}
	switch to {
	case StateClosed:
		if !p.Remaining.IsZero() {
			return fmt.Errorf("position %s: close with remaining %s", p.ID, p.Remaining)
		}
		t := at
		p.ClosedAt = &t
	case StateOpen:
		p.ExitKind = ExitNone
	}
	p.State = to
	p.touch(at)
	return nil
}

// BeginExit moves the position into Exiting. A panic may supersede an
// in-flight partial exit; nothing supersedes a panic.
func (p *Position) BeginExit(kind ExitKind, at time.Time) error {
	if p.State == StateExiting {
		switch {
		case p.ExitKind == ExitPanic:
			return fmt.Errorf("position %s: panic exit already in progress", p.ID)
		case kind != ExitPanic:
			return fmt.Errorf("position %s: exit already in progress", p.ID)
		}
		p.ExitKind = ExitPanic
		p.touch(at)
		return nil
	}
	if err := p.Transition(StateExiting, at); err != nil {
		return err
	}
	p.ExitKind = kind
	return nil
}

// Urgency of an exit instruction.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyPanic  Urgency = "panic"
)

// ExitInstruction asks the gateway to sell a fraction of remaining size.
// It is derived every tick and never persisted.
type ExitInstruction struct {
	Fraction decimal.Decimal `json:"fraction"` // of remaining size, 0 < f ≤ 1
	Urgency  Urgency         `json:"urgency"`
	Reason   string          `json:"reason"`
	// Level is the trim-ladder index, or -1.
	Level int `json:"level"`
}

// PanicExit returns a full-size panic instruction.
func PanicExit(reason string) ExitInstruction {
	return ExitInstruction{Fraction: decimal.NewFromInt(1), Urgency: UrgencyPanic, Reason: reason, Level: -1}
}

// FullExit returns a full-size non-panic instruction.
func FullExit(reason string) ExitInstruction {
	return ExitInstruction{Fraction: decimal.NewFromInt(1), Urgency: UrgencyNormal, Reason: reason, Level: -1}
}

// IsPanic reports whether the instruction is a panic exit.
func (i ExitInstruction) IsPanic() bool { return i.Urgency == UrgencyPanic }

// IsFull reports whether the instruction sells everything remaining.
func (i ExitInstruction) IsFull() bool { return i.Fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) }

// Quantity returns the token quantity to sell from remaining.
func (i ExitInstruction) Quantity(remaining decimal.Decimal) decimal.Decimal {
	if i.IsFull() {
		return remaining
	}
	if !i.Fraction.IsPositive() {
		return decimal.Zero
	}
	return remaining.Mul(i.Fraction)
}
