package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchemaVersion is stamped on every lifecycle event.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated IDs.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		TraceID:       uuid.New().String()[:16],
	}
}

// EventType names a lifecycle event.
type EventType string

const (
	EventCandidateRejected EventType = "CANDIDATE_REJECTED"
	EventEntering          EventType = "ENTERING"
	EventPositionOpened    EventType = "POSITION_OPENED"
	EventTrancheFilled     EventType = "TRANCHE_FILLED"
	EventPositionTrimmed   EventType = "POSITION_TRIMMED"
	EventExitStarted       EventType = "EXIT_STARTED"
	EventPanicExit         EventType = "PANIC_EXIT"
	EventPositionClosed    EventType = "POSITION_CLOSED"
	EventTierChanged       EventType = "TIER_CHANGED"
	EventEntryHalted       EventType = "ENTRY_HALTED"
	EventExecutionFailed   EventType = "EXECUTION_FAILED"
	EventPanicExitFailed   EventType = "ALERT_PANIC_EXIT_FAILED"
	EventModeChanged       EventType = "MODE_CHANGED"
	EventStorageDegraded   EventType = "STORAGE_DEGRADED"
)

// LifecycleEvent is emitted for every position transition and for the
// operational signals notifier and report collaborators render.
type LifecycleEvent struct {
	BaseEvent
	Type       EventType         `json:"type"`
	Mint       string            `json:"mint"`
	PositionID string            `json:"position_id,omitempty"`
	Lane       string            `json:"lane,omitempty"`
	State      string            `json:"state,omitempty"`
	Tier       string            `json:"tier,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	SizeUSD    decimal.Decimal   `json:"size_usd"`
	Price      decimal.Decimal   `json:"price"`
	FeeUSD     decimal.Decimal   `json:"fee_usd"`
	Venue      string            `json:"venue,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewLifecycleEvent creates an event for mint with a fresh BaseEvent.
func NewLifecycleEvent(producer string, typ EventType, mint string) LifecycleEvent {
	return LifecycleEvent{
		BaseEvent: NewBaseEvent(producer),
		Type:      typ,
		Mint:      mint,
	}
}

// WithDetail sets a detail key and returns the event for chaining.
func (e LifecycleEvent) WithDetail(key, value string) LifecycleEvent {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

// IsAlert reports whether the event must reach the high-priority channel.
func (e LifecycleEvent) IsAlert() bool {
	return e.Type == EventPanicExitFailed || e.Type == EventStorageDegraded
}
