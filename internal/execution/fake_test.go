package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deviazarina/trepod/internal/journal"
)

var errLinkDown = errors.New("link down")

// fakeGateway is a scripted broker. Each scripted error is consumed by one call;
// when a submit error is scripted with ghostFill the order still fills.
type fakeGateway struct {
	mu sync.Mutex

	positions map[string]Position
	deals     map[string]Deal
	nextID    int
	price     float64

	submitErrs   []error
	ghostFill    bool
	modifyErrs   []error
	closeErrs    []error
	positionErrs []error
	closeRemoves bool // a failing close still removes the position

	submitCalls   int
	modifyCalls   int
	closeCalls    int
	positionCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{positions: make(map[string]Position), deals: make(map[string]Deal), price: 1.1}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeGateway) fillLocked(req OrderRequest) Position {
	f.nextID++
	pos := Position{
		ID:         fmt.Sprintf("pos-%d", f.nextID),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Size:       req.Size,
		EntryPrice: f.price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   time.Unix(int64(1700000000+f.nextID), 0),
	}
	f.positions[pos.ID] = pos
	return pos
}

func (f *fakeGateway) SubmitOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if err := pop(&f.submitErrs); err != nil {
		if f.ghostFill {
			var conn *ConnectionError
			if errors.As(err, &conn) {
				f.fillLocked(req)
			}
		}
		return OrderResult{}, err
	}
	pos := f.fillLocked(req)
	return OrderResult{ID: pos.ID, Status: StatusFilled, FillPrice: pos.EntryPrice, FilledSize: pos.Size}, nil
}

func (f *fakeGateway) ModifyOrder(_ context.Context, id string, sl, tp float64) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifyCalls++
	if err := pop(&f.modifyErrs); err != nil {
		return Result{}, err
	}
	pos, ok := f.positions[id]
	if !ok {
		return Result{}, &RejectError{Op: "modify", Code: 404, Message: "no such position"}
	}
	pos.StopLoss, pos.TakeProfit = sl, tp
	f.positions[id] = pos
	return Result{}, nil
}

func (f *fakeGateway) removeLocked(id string, reason string) (Result, bool) {
	pos, ok := f.positions[id]
	if !ok {
		return Result{}, false
	}
	delete(f.positions, id)
	profit := (f.price - pos.EntryPrice) * pos.Direction.Sign() * pos.Size * 100000
	f.deals[id] = Deal{PositionID: id, ClosePrice: f.price, Profit: profit, Reason: reason}
	return Result{ClosePrice: f.price, Profit: profit}, true
}

func (f *fakeGateway) CloseOrder(_ context.Context, id string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if err := pop(&f.closeErrs); err != nil {
		if f.closeRemoves {
			f.removeLocked(id, "manual")
		}
		return Result{}, err
	}
	res, ok := f.removeLocked(id, "manual")
	if !ok {
		return Result{}, &RejectError{Op: "close", Code: 404, Message: "no such position"}
	}
	return res, nil
}

func (f *fakeGateway) Positions(context.Context) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	if err := pop(&f.positionErrs); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeGateway) AccountState(context.Context) (Account, error) {
	return Account{Balance: 10000, Equity: 10000}, nil
}

func (f *fakeGateway) Deal(_ context.Context, id string) (Deal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deals[id]
	return d, ok, nil
}

func (f *fakeGateway) calls() (submits, modifies, closes, queries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.modifyCalls, f.closeCalls, f.positionCalls
}

type memRecorder struct {
	mu      sync.Mutex
	records []journal.TradeRecord
}

func (m *memRecorder) Record(rec journal.TradeRecord) {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
}

func (m *memRecorder) all() []journal.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.TradeRecord(nil), m.records...)
}
