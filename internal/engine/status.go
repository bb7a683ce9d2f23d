package engine

import (
	"sort"
	"time"

	"github.com/deviazarina/trepod/internal/execution"
	"github.com/deviazarina/trepod/internal/journal"
	"github.com/deviazarina/trepod/internal/plan"
	"github.com/deviazarina/trepod/internal/risk"
	"github.com/deviazarina/trepod/internal/signal"
)

// SymbolStatus is the latest decision state for one symbol.
type SymbolStatus struct {
	Symbol        string              `json:"symbol"`
	Suspended     bool                `json:"suspended"`
	SuspendReason string              `json:"suspend_reason,omitempty"`
	LastCycle     time.Time           `json:"last_cycle"`
	LastSignal    *signal.Signal      `json:"last_signal,omitempty"`
	LastPlan      *plan.ExecutionPlan `json:"last_plan,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
}

// Alert is a health event worth surfacing to an operator.
type Alert struct {
	Ts      time.Time `json:"ts"`
	Symbol  string    `json:"symbol,omitempty"`
	Message string    `json:"message"`
}

// StatusSnapshot is the full engine view pushed to dashboards.
type StatusSnapshot struct {
	Ts            time.Time             `json:"ts"`
	Running       bool                  `json:"running"`
	StartedAt     time.Time             `json:"started_at,omitempty"`
	MinConfidence float64               `json:"min_confidence"`
	Symbols       []SymbolStatus        `json:"symbols"`
	Positions     []execution.Position  `json:"positions"`
	Risk          risk.Snapshot         `json:"risk"`
	Alerts        []Alert               `json:"alerts"`
	RecentTrades  []journal.TradeRecord `json:"recent_trades,omitempty"`
}

// Status captures the current engine state.
func (c *Coordinator) Status() StatusSnapshot {
	out := StatusSnapshot{
		Ts:            c.now(),
		MinConfidence: c.Config().Strategy.MinConfidence,
		Positions:     c.ctrl.Positions(),
		Risk:          c.gate.Snapshot(),
	}
	if c.ledger != nil {
		out.RecentTrades = c.ledger.Snapshot()
	}

	c.mu.Lock()
	out.Running = c.running
	if c.running {
		out.StartedAt = c.startedAt
	}
	out.Symbols = make([]SymbolStatus, 0, len(c.symbols))
	for _, st := range c.symbols {
		cp := *st
		if st.LastSignal != nil {
			s := *st.LastSignal
			cp.LastSignal = &s
		}
		if st.LastPlan != nil {
			p := *st.LastPlan
			cp.LastPlan = &p
		}
		out.Symbols = append(out.Symbols, cp)
	}
	out.Alerts = append([]Alert(nil), c.alerts...)
	c.mu.Unlock()

	sort.Slice(out.Symbols, func(i, j int) bool { return out.Symbols[i].Symbol < out.Symbols[j].Symbol })
	return out
}

// Subscribe registers for periodic status snapshots. Slow subscribers miss
// snapshots rather than stall the engine. Call the returned func to unsubscribe.
func (c *Coordinator) Subscribe() (<-chan StatusSnapshot, func()) {
	ch := make(chan StatusSnapshot, 1)
	c.subMu.Lock()
	id := c.subID
	c.subID++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Coordinator) publish(st StatusSnapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
