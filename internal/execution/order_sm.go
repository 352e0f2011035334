package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// OrderState represents the current lifecycle state of one submission.
type OrderState string

const (
	OrderCreated       OrderState = "CREATED"
	OrderSubmitted     OrderState = "SUBMITTED"
	OrderPartialFilled OrderState = "PARTIAL"
	OrderFilled        OrderState = "FILLED"
	OrderRejected      OrderState = "REJECTED"
	// OrderUnknown is an ambiguous outcome awaiting reconciliation.
	OrderUnknown OrderState = "UNKNOWN"
)

// OrderEvent represents an event that triggers a state transition.
type OrderEvent string

const (
	EventSubmit      OrderEvent = "SUBMIT"
	EventReject      OrderEvent = "REJECT"
	EventPartialFill OrderEvent = "PARTIAL_FILL"
	EventFill        OrderEvent = "FILL"
	EventTimeout     OrderEvent = "TIMEOUT"
)

// Order tracks one submission attempt to one venue through a deterministic
// state machine. Safe for concurrent access.
type Order struct {
	mu sync.Mutex

	ClientOrderID string
	OrderID       string // assigned by the venue on fill
	Venue         string
	Mint          string
	Side          Side
	Quote         RouteQuote
	State         OrderState
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	FeeUSD        decimal.Decimal
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SubmittedAt   time.Time
	CompletedAt   time.Time
}

type transition struct {
	from  OrderState
	event OrderEvent
}

// transitions is the authoritative transition table. Every valid
// (currentState, event) pair maps to exactly one target state.
var transitions = map[transition]OrderState{
	{OrderCreated, EventSubmit}:        OrderSubmitted,
	{OrderCreated, EventReject}:        OrderRejected, // failed pre-submission checks
	{OrderSubmitted, EventFill}:        OrderFilled,
	{OrderSubmitted, EventPartialFill}: OrderPartialFilled,
	{OrderSubmitted, EventReject}:      OrderRejected,
	{OrderSubmitted, EventTimeout}:     OrderUnknown,
	// Reconciliation outcomes.
	{OrderUnknown, EventFill}:        OrderFilled,
	{OrderUnknown, EventPartialFill}: OrderPartialFilled,
	{OrderUnknown, EventReject}:      OrderRejected,
	{OrderUnknown, EventTimeout}:     OrderUnknown,
}

// NewOrder creates an Order in the CREATED state.
func NewOrder(clientOrderID string, ins Instruction, q RouteQuote) *Order {
	now := time.Now()
	return &Order{
		ClientOrderID: clientOrderID,
		Venue:         q.Venue,
		Mint:          string(ins.Mint),
		Side:          ins.Side,
		Quote:         q,
		State:         OrderCreated,
		FilledQty:     decimal.Zero,
		AvgFillPrice:  decimal.Zero,
		FeeUSD:        decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition advances the order through the state machine.
//
// data is interpreted based on the event type:
//   - EventFill, EventPartialFill: *FillResult
//   - EventReject, EventTimeout:   string reason or nil
//   - EventSubmit:                 nil
func (o *Order) Transition(event OrderEvent, data interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	prevState := o.State
	nextState, ok := transitions[transition{from: o.State, event: event}]
	if !ok {
		return fmt.Errorf("invalid transition: state=%s event=%s", o.State, event)
	}

	now := time.Now()
	switch event {
	case EventSubmit:
		o.SubmittedAt = now
	case EventFill, EventPartialFill:
		fr, ok := data.(*FillResult)
		if !ok || fr == nil {
			return fmt.Errorf("event %s requires *FillResult data, got %T", event, data)
		}
		if !fr.Quantity.IsPositive() {
			return fmt.Errorf("fill qty must be positive, got %s", fr.Quantity)
		}
		o.OrderID = fr.OrderID
		o.FilledQty = fr.Quantity
		o.AvgFillPrice = fr.Price
		o.FeeUSD = fr.FeeUSD
	case EventReject, EventTimeout:
		if reason, ok := data.(string); ok {
			o.Reason = reason
		}
	}

	o.State = nextState
	o.UpdatedAt = now
	if o.isTerminalLocked() {
		o.CompletedAt = now
	}

	log.Debug().
		Str("client_order_id", o.ClientOrderID).
		Str("venue", o.Venue).
		Str("mint", o.Mint).
		Str("prev_state", string(prevState)).
		Str("event", string(event)).
		Str("new_state", string(o.State)).
		Str("filled_qty", o.FilledQty.String()).
		Msg("order state transition")

	return nil
}

// IsTerminal returns true for FILLED, PARTIAL and REJECTED.
func (o *Order) IsTerminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isTerminalLocked()
}

func (o *Order) isTerminalLocked() bool {
	switch o.State {
	case OrderFilled, OrderPartialFilled, OrderRejected:
		return true
	default:
		return false
	}
}

// GetState returns the current state.
func (o *Order) GetState() OrderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.State
}

// OrderView is an immutable copy of an Order for reporting.
type OrderView struct {
	ClientOrderID string          `json:"client_order_id"`
	OrderID       string          `json:"order_id,omitempty"`
	Venue         string          `json:"venue"`
	Mint          string          `json:"mint"`
	Side          Side            `json:"side"`
	State         OrderState      `json:"state"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	FeePct        float64         `json:"fee_pct"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// View returns a snapshot of the order.
func (o *Order) View() OrderView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OrderView{
		ClientOrderID: o.ClientOrderID,
		OrderID:       o.OrderID,
		Venue:         o.Venue,
		Mint:          o.Mint,
		Side:          o.Side,
		State:         o.State,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		FeePct:        o.Quote.FeePct(),
		Reason:        o.Reason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}
