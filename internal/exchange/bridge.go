package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deviazarina/trepod/internal/execution"
	"github.com/deviazarina/trepod/internal/signal"
)

// BridgeGateway talks JSON over HTTP to a sidecar that fronts the broker
// terminal. 4xx answers are broker refusals; transport failures and 5xx are
// connection errors whose outcome is unknown.
type BridgeGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// BridgeOption customizes a BridgeGateway.
type BridgeOption func(*BridgeGateway)

// WithBridgeToken sends a bearer token with every request.
func WithBridgeToken(token string) BridgeOption {
	return func(b *BridgeGateway) { b.token = token }
}

// WithHTTPClient swaps the HTTP client.
func WithHTTPClient(c *http.Client) BridgeOption {
	return func(b *BridgeGateway) {
		if c != nil {
			b.client = c
		}
	}
}

// NewBridgeGateway targets the bridge at baseURL.
func NewBridgeGateway(baseURL string, opts ...BridgeOption) *BridgeGateway {
	b := &BridgeGateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type bridgeOrder struct {
	ClientID   string          `json:"client_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	StopLoss   decimal.Decimal `json:"sl"`
	TakeProfit decimal.Decimal `json:"tp"`
	Comment    string          `json:"comment,omitempty"`
}

type bridgeOrderResult struct {
	Ticket  string          `json:"ticket"`
	Status  string          `json:"status"`
	Price   decimal.Decimal `json:"price"`
	Volume  decimal.Decimal `json:"volume"`
	Message string          `json:"message"`
}

type bridgeLevels struct {
	StopLoss   decimal.Decimal `json:"sl"`
	TakeProfit decimal.Decimal `json:"tp"`
}

type bridgeResult struct {
	Price  decimal.Decimal `json:"price"`
	Profit decimal.Decimal `json:"profit"`
}

type bridgePosition struct {
	Ticket     string          `json:"ticket"`
	ClientID   string          `json:"client_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	PriceOpen  decimal.Decimal `json:"price_open"`
	StopLoss   decimal.Decimal `json:"sl"`
	TakeProfit decimal.Decimal `json:"tp"`
	Time       int64           `json:"time"`
}

type bridgeAccount struct {
	Balance decimal.Decimal `json:"balance"`
	Equity  decimal.Decimal `json:"equity"`
	Margin  decimal.Decimal `json:"margin"`
}

type bridgeDeal struct {
	Ticket string          `json:"ticket"`
	Price  decimal.Decimal `json:"price"`
	Profit decimal.Decimal `json:"profit"`
	Reason string          `json:"reason"`
	Time   int64           `json:"time"`
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var errBridgeNotFound = errors.New("not found")

func sideOf(d signal.Direction) string {
	if d == signal.Short {
		return "sell"
	}
	return "buy"
}

func directionOf(side string) signal.Direction {
	switch strings.ToLower(side) {
	case "sell", "short":
		return signal.Short
	case "buy", "long":
		return signal.Long
	}
	return signal.None
}

func (b *BridgeGateway) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return &execution.ConnectionError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &execution.ConnectionError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return errBridgeNotFound
	case resp.StatusCode >= 500:
		return &execution.ConnectionError{Op: op, Err: fmt.Errorf("bridge status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	case resp.StatusCode >= 400:
		var be bridgeError
		if err := json.Unmarshal(data, &be); err != nil || be.Message == "" {
			be.Message = strings.TrimSpace(string(data))
		}
		if be.Code == 0 {
			be.Code = resp.StatusCode
		}
		return &execution.RejectError{Op: op, Code: be.Code, Message: be.Message}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &execution.ConnectionError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// SubmitOrder places a market order.
func (b *BridgeGateway) SubmitOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	var res bridgeOrderResult
	err := b.do(ctx, "submit", http.MethodPost, "/orders", bridgeOrder{
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       sideOf(req.Direction),
		Volume:     decimal.NewFromFloat(req.Size),
		StopLoss:   decimal.NewFromFloat(req.StopLoss),
		TakeProfit: decimal.NewFromFloat(req.TakeProfit),
		Comment:    req.Comment,
	}, &res)
	if err != nil {
		return execution.OrderResult{}, err
	}
	status := execution.StatusFilled
	if strings.EqualFold(res.Status, string(execution.StatusRejected)) {
		status = execution.StatusRejected
	}
	return execution.OrderResult{
		ID:         res.Ticket,
		Status:     status,
		FillPrice:  res.Price.InexactFloat64(),
		FilledSize: res.Volume.InexactFloat64(),
		Message:    res.Message,
	}, nil
}

// ModifyOrder changes a position's stop-loss and take-profit.
func (b *BridgeGateway) ModifyOrder(ctx context.Context, id string, sl, tp float64) (execution.Result, error) {
	var res bridgeResult
	err := b.do(ctx, "modify", http.MethodPut, "/positions/"+url.PathEscape(id), bridgeLevels{
		StopLoss:   decimal.NewFromFloat(sl),
		TakeProfit: decimal.NewFromFloat(tp),
	}, &res)
	if err != nil {
		return execution.Result{}, err
	}
	return execution.Result{ClosePrice: res.Price.InexactFloat64(), Profit: res.Profit.InexactFloat64()}, nil
}

// CloseOrder closes a position at market.
func (b *BridgeGateway) CloseOrder(ctx context.Context, id string) (execution.Result, error) {
	var res bridgeResult
	if err := b.do(ctx, "close", http.MethodDelete, "/positions/"+url.PathEscape(id), nil, &res); err != nil {
		return execution.Result{}, err
	}
	return execution.Result{ClosePrice: res.Price.InexactFloat64(), Profit: res.Profit.InexactFloat64()}, nil
}

// Positions lists open positions in the order the bridge reports them.
func (b *BridgeGateway) Positions(ctx context.Context) ([]execution.Position, error) {
	var rows []bridgePosition
	if err := b.do(ctx, "positions", http.MethodGet, "/positions", nil, &rows); err != nil {
		if errors.Is(err, errBridgeNotFound) {
			return nil, &execution.ConnectionError{Op: "positions", Err: err}
		}
		return nil, err
	}
	out := make([]execution.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, execution.Position{
			ID:         r.Ticket,
			ClientID:   r.ClientID,
			Symbol:     r.Symbol,
			Direction:  directionOf(r.Side),
			Size:       r.Volume.InexactFloat64(),
			EntryPrice: r.PriceOpen.InexactFloat64(),
			StopLoss:   r.StopLoss.InexactFloat64(),
			TakeProfit: r.TakeProfit.InexactFloat64(),
			OpenedAt:   time.Unix(r.Time, 0).UTC(),
		})
	}
	return out, nil
}

// AccountState reads balance, equity, and used margin.
func (b *BridgeGateway) AccountState(ctx context.Context) (execution.Account, error) {
	var acct bridgeAccount
	if err := b.do(ctx, "account", http.MethodGet, "/account", nil, &acct); err != nil {
		if errors.Is(err, errBridgeNotFound) {
			return execution.Account{}, &execution.ConnectionError{Op: "account", Err: err}
		}
		return execution.Account{}, err
	}
	return execution.Account{
		Balance: acct.Balance.InexactFloat64(),
		Equity:  acct.Equity.InexactFloat64(),
		Margin:  acct.Margin.InexactFloat64(),
	}, nil
}

// Deal looks up how a position closed.
func (b *BridgeGateway) Deal(ctx context.Context, positionID string) (execution.Deal, bool, error) {
	var d bridgeDeal
	err := b.do(ctx, "deal", http.MethodGet, "/deals/"+url.PathEscape(positionID), nil, &d)
	if errors.Is(err, errBridgeNotFound) {
		return execution.Deal{}, false, nil
	}
	if err != nil {
		return execution.Deal{}, false, err
	}
	return execution.Deal{
		PositionID: positionID,
		ClosePrice: d.Price.InexactFloat64(),
		Profit:     d.Profit.InexactFloat64(),
		Reason:     d.Reason,
		ClosedAt:   time.Unix(d.Time, 0).UTC(),
	}, true, nil
}
