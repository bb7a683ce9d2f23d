package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/deviazarina/trepod/internal/metrics"
)

// Reconcile compares the book with the broker. Positions gone at the broker are
// settled as external closes unless a Close for them is in progress or they
// were booked after the broker listing was requested. Unknown broker positions
// carrying one of our client ids are adopted. Adoptions and gate/book exposure
// mismatches are drift: the gate is resynced from the book and the affected
// symbols are returned.
func (c *Controller) Reconcile(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	since := c.seq
	c.mu.Unlock()

	live, err := c.brokerPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	byID := make(map[string]Position, len(live))
	for _, p := range live {
		byID[p.ID] = p
	}

	drift := make(map[string]struct{})
	var gone []Position

	c.mu.Lock()
	for id, pos := range c.book {
		bp, ok := byID[id]
		if !ok {
			// a listing requested before the position was booked cannot contain it
			if !c.closing[id] && c.bookedAt[id] <= since {
				gone = append(gone, *pos)
			}
			continue
		}
		if bp.StopLoss > 0 {
			pos.StopLoss = bp.StopLoss
		}
		if bp.TakeProfit > 0 {
			pos.TakeProfit = bp.TakeProfit
		}
	}
	for _, bp := range live {
		if _, known := c.book[bp.ID]; known || !c.ours(bp.ClientID) {
			continue
		}
		order, tracked := c.orders[bp.ClientID]
		if tracked && (order.State == Pending || order.State == Submitted) {
			continue // the submitting call will book it
		}
		if tracked && order.State == Closed {
			continue // listed before our close settled
		}
		adopted := bp
		if tracked && adopted.Confidence == 0 {
			adopted.Confidence = order.Confidence
		}
		if adopted.OpenedAt.IsZero() {
			adopted.OpenedAt = c.now()
		}
		c.bookLocked(&adopted)
		c.gate.Adopt(adopted.Symbol, adopted.Size)
		if tracked {
			order.PositionID = adopted.ID
			order.FillPrice = adopted.EntryPrice
			c.advanceLocked(order, Filled, "adopted by reconciliation")
			c.advanceLocked(order, Open, "")
		}
		drift[strings.ToUpper(adopted.Symbol)] = struct{}{}
		c.log.Warn().Str("sym", adopted.Symbol).Str("id", adopted.ID).Str("client_id", adopted.ClientID).Msg("adopted untracked broker position")
	}
	metrics.OpenPositions.Set(float64(len(c.book)))
	c.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].ID < gone[j].ID })
	for _, pos := range gone {
		if _, err := c.closedExternally(ctx, pos, "closed at broker"); err != nil && !errors.Is(err, ErrUnknownPosition) {
			c.log.Error().Err(err).Str("id", pos.ID).Msg("settle external close")
		}
	}

	c.mu.Lock()
	bookExposure := c.exposureLocked()
	snap := c.gate.Snapshot()
	for sym := range union(bookExposure, snap.Exposure) {
		if math.Abs(bookExposure[sym]-snap.Exposure[sym]) > exposureDrift {
			drift[sym] = struct{}{}
		}
	}
	if len(drift) > 0 || snap.OpenCount != len(c.book) {
		c.gate.Resync(len(c.book), bookExposure)
	}
	c.mu.Unlock()

	out := make([]string, 0, len(drift))
	for sym := range drift {
		out = append(out, sym)
		metrics.ReconcileDrift.WithLabelValues(sym).Inc()
	}
	sort.Strings(out)
	if len(out) > 0 {
		c.log.Error().Strs("symbols", out).Msg("reconciliation drift")
	}
	return out, nil
}

func (c *Controller) exposureLocked() map[string]float64 {
	out := make(map[string]float64)
	for _, p := range c.book {
		out[strings.ToUpper(p.Symbol)] += p.Size
	}
	return out
}

func union(a, b map[string]float64) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
