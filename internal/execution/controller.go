package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deviazarina/trepod/internal/journal"
	"github.com/deviazarina/trepod/internal/metrics"
	"github.com/deviazarina/trepod/internal/plan"
	"github.com/deviazarina/trepod/internal/risk"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	levelEpsilon     = 1e-9
	exposureDrift    = 1e-6
	maxTrackedOrders = 512
)

// Config bounds how hard the controller tries before giving up on a call.
type Config struct {
	MaxRetries   int
	CallTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ClientPrefix string
	ContractSize map[string]float64 // units per lot, for profit estimates
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.ClientPrefix == "" {
		c.ClientPrefix = "scalper-"
	}
	sizes := make(map[string]float64, len(c.ContractSize))
	for sym, v := range c.ContractSize {
		sizes[strings.ToUpper(sym)] = v
	}
	c.ContractSize = sizes
	return c
}

// Backoff returns base * 2^attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// TradeRecorder receives one record per closed position.
type TradeRecorder interface {
	Record(journal.TradeRecord)
}

// Controller serializes lifecycle bookkeeping for every order and position.
// Lock order is controller then gate.
type Controller struct {
	mu sync.Mutex

	gw       Gateway
	gate     *risk.Gate
	cfg      Config
	log      zerolog.Logger
	recorder TradeRecorder
	marks    func(symbol string) (float64, bool)
	now      func() time.Time

	book     map[string]*Position
	bookedAt map[string]uint64 // book sequence at which each position was booked
	seq      uint64
	closing  map[string]bool
	orders   map[string]*Order
	orderIDs []string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Controller) { c.log = log.With().Str("component", "orders").Logger() }
}

// WithRecorder sets the closed-trade sink.
func WithRecorder(rec TradeRecorder) Option {
	return func(c *Controller) { c.recorder = rec }
}

// WithMarks supplies last prices used when a position closes without a deal record.
func WithMarks(marks func(symbol string) (float64, bool)) Option {
	return func(c *Controller) { c.marks = marks }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController wires a controller to a gateway and the shared risk gate.
func NewController(gw Gateway, gate *risk.Gate, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		gw:       gw,
		gate:     gate,
		cfg:      cfg.withDefaults(),
		log:      zerolog.Nop(),
		now:      time.Now,
		book:     make(map[string]*Position),
		bookedAt: make(map[string]uint64),
		closing:  make(map[string]bool),
		orders:   make(map[string]*Order),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call runs fn on a context detached from ctx cancellation and bounded by the
// call timeout. Anything other than a RejectError is reported as a ConnectionError.
func (c *Controller) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()
	err := fn(cctx)
	if err == nil {
		return nil
	}
	var rej *RejectError
	if errors.As(err, &rej) {
		return err
	}
	var conn *ConnectionError
	if errors.As(err, &conn) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}

func (c *Controller) wait(ctx context.Context, op string, attempt int) error {
	metrics.GatewayRetries.WithLabelValues(op).Inc()
	timer := time.NewTimer(Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Controller) brokerPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := c.call(ctx, "positions", func(cctx context.Context) error {
		var err error
		out, err = c.gw.Positions(cctx)
		return err
	})
	return out, err
}

func (c *Controller) find(ctx context.Context, match func(Position) bool) (Position, bool, error) {
	positions, err := c.brokerPositions(ctx)
	if err != nil {
		return Position{}, false, err
	}
	for _, p := range positions {
		if match(p) {
			return p, true, nil
		}
	}
	return Position{}, false, nil
}

// Submit sends p to the broker under reservation res. Exactly one of open
// position or error is returned; on error the reservation has been released.
func (c *Controller) Submit(ctx context.Context, p plan.ExecutionPlan, res *risk.Reservation) (Position, error) {
	order := &Order{
		ClientID:   c.cfg.ClientPrefix + uuid.NewString(),
		PlanID:     p.ID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Size:       p.Size,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Confidence: p.Confidence,
	}
	c.track(order)
	c.setState(order, Submitted, "")

	req := OrderRequest{
		ClientID:   order.ClientID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Size:       p.Size,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Comment:    p.Tier,
	}
	log := c.log.With().Str("sym", p.Symbol).Str("client_id", order.ClientID).Logger()
	byClient := func(pos Position) bool { return pos.ClientID == order.ClientID }

	ambiguous := false
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, "submit", attempt-1); err != nil {
				log.Warn().Err(err).Msg("submit interrupted between attempts")
				break
			}
		}
		if ambiguous {
			pos, found, err := c.find(ctx, byClient)
			if err != nil {
				log.Warn().Err(err).Int("attempt", attempt).Msg("reconcile before resubmit failed")
				continue
			}
			if found {
				return c.open(order, res, pos, "found by reconciliation"), nil
			}
			ambiguous = false
		}

		c.attempt(order)
		var result OrderResult
		err := c.call(ctx, "submit", func(cctx context.Context) error {
			var err error
			result, err = c.gw.SubmitOrder(cctx, req)
			return err
		})
		if err == nil && result.Status == StatusRejected {
			err = &RejectError{Op: "submit", Message: result.Message}
		}
		if err == nil {
			pos := Position{
				ID:         result.ID,
				ClientID:   order.ClientID,
				Symbol:     p.Symbol,
				Direction:  p.Direction,
				Size:       result.FilledSize,
				EntryPrice: result.FillPrice,
				StopLoss:   p.StopLoss,
				TakeProfit: p.TakeProfit,
				Confidence: p.Confidence,
			}
			return c.open(order, res, pos, ""), nil
		}
		var rej *RejectError
		if errors.As(err, &rej) {
			c.setState(order, Rejected, rej.Message)
			c.gate.Release(res)
			log.Info().Str("reason", rej.Message).Msg("order rejected")
			return Position{}, fmt.Errorf("submit %s: %w", p.Symbol, err)
		}
		ambiguous = true
		log.Warn().Err(err).Int("attempt", attempt).Msg("submit outcome unknown")
	}

	if ambiguous {
		pos, found, err := c.find(ctx, byClient)
		if err != nil {
			log.Error().Err(err).Msg("final reconciliation failed")
		} else if found {
			return c.open(order, res, pos, "found by final reconciliation"), nil
		}
	}
	c.setState(order, TimedOut, "")
	c.gate.Release(res)
	log.Error().Int("attempts", order.Attempts).Msg("order timed out")
	return Position{}, fmt.Errorf("submit %s after %d attempts: %w", p.Symbol, order.Attempts, ErrTimedOut)
}

// open books a filled position and commits its reservation in one step.
func (c *Controller) open(order *Order, res *risk.Reservation, pos Position, note string) Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pos.Size <= 0 {
		pos.Size = order.Size
	}
	if pos.ClientID == "" {
		pos.ClientID = order.ClientID
	}
	if pos.Confidence == 0 {
		pos.Confidence = order.Confidence
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = c.now()
	}
	if existing, ok := c.book[pos.ID]; ok {
		c.gate.Release(res)
		return *existing
	}
	if err := c.gate.Commit(res, pos.Size); err != nil {
		c.log.Warn().Err(err).Str("sym", pos.Symbol).Msg("reservation gone at fill, adopting")
		c.gate.Adopt(pos.Symbol, pos.Size)
	}
	stored := pos
	c.bookLocked(&stored)

	order.PositionID = pos.ID
	order.FillPrice = pos.EntryPrice
	c.advanceLocked(order, Filled, note)
	c.advanceLocked(order, Open, "")
	metrics.OpenPositions.Set(float64(len(c.book)))

	c.log.Info().
		Str("sym", pos.Symbol).
		Str("id", pos.ID).
		Str("dir", string(pos.Direction)).
		Float64("size", pos.Size).
		Float64("px", pos.EntryPrice).
		Float64("sl", pos.StopLoss).
		Float64("tp", pos.TakeProfit).
		Msg("position opened")
	return pos
}

func (c *Controller) bookLocked(pos *Position) {
	c.seq++
	c.book[pos.ID] = pos
	c.bookedAt[pos.ID] = c.seq
}

// Modify moves a position's protective levels. Identical levels are a no-op.
func (c *Controller) Modify(ctx context.Context, id string, sl, tp float64) error {
	c.mu.Lock()
	pos, ok := c.book[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("modify %s: %w", id, ErrUnknownPosition)
	}
	if sameLevel(pos.StopLoss, sl) && sameLevel(pos.TakeProfit, tp) {
		c.mu.Unlock()
		return nil
	}
	symbol := pos.Symbol
	c.mu.Unlock()

	applied := func(p Position) bool { return sameLevel(p.StopLoss, sl) && sameLevel(p.TakeProfit, tp) }
	byID := func(p Position) bool { return p.ID == id }

	ambiguous := false
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, "modify", attempt-1); err != nil {
				break
			}
		}
		if ambiguous {
			bp, found, err := c.find(ctx, byID)
			if err != nil {
				continue
			}
			if !found {
				return fmt.Errorf("modify %s %s: absent at broker: %w", symbol, id, ErrUnknownPosition)
			}
			if applied(bp) {
				c.applyLevels(id, sl, tp, "found by reconciliation")
				return nil
			}
			ambiguous = false
		}
		err := c.call(ctx, "modify", func(cctx context.Context) error {
			_, err := c.gw.ModifyOrder(cctx, id, sl, tp)
			return err
		})
		if err == nil {
			c.applyLevels(id, sl, tp, "")
			return nil
		}
		var rej *RejectError
		if errors.As(err, &rej) {
			return fmt.Errorf("modify %s: %w", symbol, err)
		}
		ambiguous = true
		c.log.Warn().Err(err).Str("sym", symbol).Int("attempt", attempt).Msg("modify outcome unknown")
	}
	if ambiguous {
		if bp, found, err := c.find(ctx, byID); err == nil && found && applied(bp) {
			c.applyLevels(id, sl, tp, "found by final reconciliation")
			return nil
		}
	}
	return fmt.Errorf("modify %s: %w", symbol, ErrTimedOut)
}

func (c *Controller) applyLevels(id string, sl, tp float64, note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.book[id]
	if !ok {
		return
	}
	pos.StopLoss, pos.TakeProfit = sl, tp
	if order, ok := c.orders[pos.ClientID]; ok {
		order.StopLoss, order.TakeProfit = sl, tp
		c.advanceLocked(order, Modified, note)
	}
}

// Close exits a position at market. A position that has vanished at the broker
// is treated as closed. When retries are exhausted the position stays open.
func (c *Controller) Close(ctx context.Context, id, reason string) (journal.TradeRecord, error) {
	c.mu.Lock()
	stored, ok := c.book[id]
	if !ok {
		c.mu.Unlock()
		return journal.TradeRecord{}, fmt.Errorf("close %s: %w", id, ErrUnknownPosition)
	}
	if c.closing[id] {
		c.mu.Unlock()
		return journal.TradeRecord{}, fmt.Errorf("close %s: %w", id, ErrCloseInProgress)
	}
	c.closing[id] = true
	pos := *stored
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.closing, id)
		c.mu.Unlock()
	}()

	byID := func(p Position) bool { return p.ID == id }
	ambiguous := false
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, "close", attempt-1); err != nil {
				break
			}
		}
		if ambiguous {
			_, found, err := c.find(ctx, byID)
			if err != nil {
				continue
			}
			if !found {
				return c.closedExternally(ctx, pos, reason)
			}
			ambiguous = false
		}
		var result Result
		err := c.call(ctx, "close", func(cctx context.Context) error {
			var err error
			result, err = c.gw.CloseOrder(cctx, id)
			return err
		})
		if err == nil {
			return c.finalize(pos, result.ClosePrice, result.Profit, reason)
		}
		var rej *RejectError
		if errors.As(err, &rej) {
			return journal.TradeRecord{}, fmt.Errorf("close %s: %w", pos.Symbol, err)
		}
		ambiguous = true
		c.log.Warn().Err(err).Str("sym", pos.Symbol).Int("attempt", attempt).Msg("close outcome unknown")
	}
	if ambiguous {
		if _, found, err := c.find(ctx, byID); err == nil && !found {
			return c.closedExternally(ctx, pos, reason)
		}
	}
	c.log.Error().Str("sym", pos.Symbol).Str("id", id).Msg("close timed out, position kept open")
	return journal.TradeRecord{}, fmt.Errorf("close %s %s: %w", pos.Symbol, id, ErrTimedOut)
}

// CloseAll closes every open position and joins the failures.
func (c *Controller) CloseAll(ctx context.Context, reason string) ([]journal.TradeRecord, error) {
	var (
		records []journal.TradeRecord
		errs    []error
	)
	for _, pos := range c.Positions() {
		rec, err := c.Close(ctx, pos.ID, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

// closedExternally settles a position the broker no longer reports, preferring
// the broker's deal record over the last known price.
func (c *Controller) closedExternally(ctx context.Context, pos Position, reason string) (journal.TradeRecord, error) {
	if history, ok := c.gw.(DealHistory); ok {
		var (
			deal  Deal
			found bool
		)
		err := c.call(ctx, "deal", func(cctx context.Context) error {
			var err error
			deal, found, err = history.Deal(cctx, pos.ID)
			return err
		})
		if err == nil && found {
			if deal.Reason != "" {
				reason = deal.Reason
			}
			return c.finalize(pos, deal.ClosePrice, deal.Profit, reason)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("id", pos.ID).Msg("deal lookup failed")
		}
	}
	exit := pos.EntryPrice
	if c.marks != nil {
		if px, ok := c.marks(pos.Symbol); ok && px > 0 {
			exit = px
		}
	}
	return c.finalize(pos, exit, c.estimateProfit(pos, exit), reason)
}

func (c *Controller) estimateProfit(pos Position, exit float64) float64 {
	contract := c.cfg.ContractSize[strings.ToUpper(pos.Symbol)]
	if contract <= 0 {
		contract = 1
	}
	return (exit - pos.EntryPrice) * pos.Direction.Sign() * pos.Size * contract
}

func (c *Controller) finalize(pos Position, exit, profit float64, reason string) (journal.TradeRecord, error) {
	c.mu.Lock()
	if _, ok := c.book[pos.ID]; !ok {
		c.mu.Unlock()
		return journal.TradeRecord{}, fmt.Errorf("close %s: already settled: %w", pos.ID, ErrUnknownPosition)
	}
	delete(c.book, pos.ID)
	delete(c.bookedAt, pos.ID)
	c.gate.Close(pos.Symbol, pos.Size, profit)
	if order, ok := c.orders[pos.ClientID]; ok {
		c.advanceLocked(order, Closed, reason)
	}
	metrics.OpenPositions.Set(float64(len(c.book)))
	c.mu.Unlock()

	rec := journal.TradeRecord{
		Timestamp:  c.now(),
		PositionID: pos.ID,
		ClientID:   pos.ClientID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Size:       pos.Size,
		Entry:      pos.EntryPrice,
		Exit:       exit,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
		Confidence: pos.Confidence,
		Result:     journal.ResultFor(profit),
		Profit:     profit,
		Reason:     reason,
	}
	if c.recorder != nil {
		c.recorder.Record(rec)
	}
	c.log.Info().
		Str("sym", pos.Symbol).
		Str("id", pos.ID).
		Float64("exit", exit).
		Float64("profit", profit).
		Str("reason", reason).
		Msg("position closed")
	return rec, nil
}

// RefreshAccount pulls the account state into the risk gate.
func (c *Controller) RefreshAccount(ctx context.Context) (Account, error) {
	var acct Account
	err := c.call(ctx, "account", func(cctx context.Context) error {
		var err error
		acct, err = c.gw.AccountState(cctx)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	c.gate.UpdateAccount(risk.Account{Balance: acct.Balance, Equity: acct.Equity, Margin: acct.Margin})
	return acct, nil
}

// Positions returns the open positions ordered by open time.
func (c *Controller) Positions() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.book))
	for _, p := range c.book {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// OpenCount is the size of the position book.
func (c *Controller) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.book)
}

// Orders returns copies of the tracked orders, oldest first.
func (c *Controller) Orders() []Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Order, 0, len(c.orderIDs))
	for _, id := range c.orderIDs {
		if o, ok := c.orders[id]; ok {
			out = append(out, o.clone())
		}
	}
	return out
}

// Order returns the order with the given client id.
func (c *Controller) Order(clientID string) (Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[clientID]
	if !ok {
		return Order{}, false
	}
	return o.clone(), true
}

func (c *Controller) track(order *Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(order, Pending, "")
	c.orders[order.ClientID] = order
	c.orderIDs = append(c.orderIDs, order.ClientID)
	if len(c.orderIDs) <= maxTrackedOrders {
		return
	}
	kept := c.orderIDs[:0]
	excess := len(c.orderIDs) - maxTrackedOrders
	for _, id := range c.orderIDs {
		o := c.orders[id]
		if excess > 0 && (o.State == Closed || o.State == Rejected || o.State == TimedOut) {
			delete(c.orders, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	c.orderIDs = kept
}

func (c *Controller) attempt(order *Order) {
	c.mu.Lock()
	order.Attempts++
	c.mu.Unlock()
}

func (c *Controller) setState(order *Order, state State, note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(order, state, note)
}

func (c *Controller) advanceLocked(order *Order, state State, note string) {
	if !order.advance(state, c.now(), note) {
		c.log.Warn().Str("client_id", order.ClientID).Str("from", string(order.State)).Str("to", string(state)).Msg("illegal order transition ignored")
		return
	}
	metrics.OrdersTotal.WithLabelValues(order.Symbol, string(order.Direction), string(state)).Inc()
}

func (c *Controller) ours(clientID string) bool {
	if clientID == "" {
		return false
	}
	if _, ok := c.orders[clientID]; ok {
		return true
	}
	return strings.HasPrefix(clientID, c.cfg.ClientPrefix)
}

func sameLevel(a, b float64) bool { return math.Abs(a-b) <= levelEpsilon }
