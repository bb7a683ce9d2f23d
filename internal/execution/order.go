package execution

import (
	"time"

	"github.com/deviazarina/trepod/internal/signal"
)

// State is a step of the order lifecycle.
type State string

const (
	Pending   State = "pending"
	Submitted State = "submitted"
	Filled    State = "filled"
	Rejected  State = "rejected"
	TimedOut  State = "timed_out"
	Open      State = "open"
	Modified  State = "modified"
	Closed    State = "closed"
)

var transitions = map[State][]State{
	Pending:   {Submitted},
	Submitted: {Filled, Rejected, TimedOut},
	Filled:    {Open},
	TimedOut:  {Filled}, // late fill found by reconciliation
	Open:      {Modified, Closed},
	Modified:  {Modified, Closed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }

// Transition is one recorded state change.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Order tracks one plan from submission to close.
type Order struct {
	ClientID   string           `json:"client_id"`
	PlanID     string           `json:"plan_id"`
	PositionID string           `json:"position_id,omitempty"`
	Symbol     string           `json:"symbol"`
	Direction  signal.Direction `json:"direction"`
	Size       float64          `json:"size"`
	StopLoss   float64          `json:"sl"`
	TakeProfit float64          `json:"tp"`
	Confidence float64          `json:"confidence"`
	FillPrice  float64          `json:"fill_price,omitempty"`
	Attempts   int              `json:"attempts"`
	State      State            `json:"state"`
	History    []Transition     `json:"history"`
}

// advance moves the order to next when legal and reports whether it did.
func (o *Order) advance(next State, at time.Time, note string) bool {
	if o.State != "" && !CanTransition(o.State, next) {
		return false
	}
	o.State = next
	o.History = append(o.History, Transition{State: next, At: at, Note: note})
	return true
}

func (o *Order) clone() Order {
	out := *o
	out.History = append([]Transition(nil), o.History...)
	return out
}
