// Package journal persists completed trades to append-only sinks.
package journal

import (
	"time"

	"github.com/deviazarina/trepod/internal/signal"
)

// Result labels a closed trade's outcome.
const (
	ResultWin       = "win"
	ResultLoss      = "loss"
	ResultBreakeven = "breakeven"
)

// TradeRecord is emitted once per closed position.
type TradeRecord struct {
	Timestamp  time.Time        `json:"timestamp"`
	PositionID string           `json:"position_id"`
	ClientID   string           `json:"client_id"`
	Symbol     string           `json:"symbol"`
	Direction  signal.Direction `json:"direction"`
	Size       float64          `json:"size"`
	Entry      float64          `json:"entry"`
	Exit       float64          `json:"exit"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	Confidence float64          `json:"confidence"`
	Result     string           `json:"result"`
	Profit     float64          `json:"profit"`
	Reason     string           `json:"reason"`
}

// ResultFor classifies a realized profit.
func ResultFor(profit float64) string {
	switch {
	case profit > 0:
		return ResultWin
	case profit < 0:
		return ResultLoss
	default:
		return ResultBreakeven
	}
}
