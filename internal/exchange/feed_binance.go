package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deviazarina/trepod/internal/metrics"
	"github.com/deviazarina/trepod/internal/signal"
)

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTrade struct {
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type binanceBookTicker struct {
	Bid string `json:"b"`
	Ask string `json:"a"`
}

func (f *Feed) binanceStreamURL() (string, error) {
	symbols := f.Symbols()
	if len(symbols) == 0 {
		return "", fmt.Errorf("binance feed requires at least one symbol")
	}
	streams := make([]string, 0, len(symbols)*2)
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@trade", lower+"@bookTicker")
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.binanceURL, strings.Join(streams, "/")), nil
}

func (f *Feed) runBinance(ctx context.Context, out chan<- signal.Tick) error {
	url, err := f.binanceStreamURL()
	if err != nil {
		return err
	}
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.consumeBinanceStream(ctx, url, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Dur("backoff", backoff).Msg("binance feed disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (f *Feed) consumeBinanceStream(ctx context.Context, url string, out chan<- signal.Tick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.log.Info().Str("provider", ProviderBinance).Strs("symbols", f.Symbols()).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		tick, ok := f.decodeBinance(message)
		if !ok {
			continue
		}
		select {
		case out <- tick:
			metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeBinance converts one combined-stream frame into a tick.
func (f *Feed) decodeBinance(message []byte) (signal.Tick, bool) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		f.log.Warn().Err(err).Msg("failed to decode binance message")
		return signal.Tick{}, false
	}
	symbol, kind := parseBinanceStream(env.Stream)
	switch kind {
	case "trade":
		var trade binanceTrade
		if err := json.Unmarshal(env.Data, &trade); err != nil {
			f.log.Warn().Err(err).Msg("failed to decode binance trade")
			return signal.Tick{}, false
		}
		px, err := strconv.ParseFloat(trade.Price, 64)
		if err != nil {
			f.log.Warn().Err(err).Msg("invalid price from binance")
			return signal.Tick{}, false
		}
		qty, err := strconv.ParseFloat(trade.Quantity, 64)
		if err != nil {
			f.log.Warn().Err(err).Msg("invalid quantity from binance")
			return signal.Tick{}, false
		}
		side := 1
		if trade.IsBuyerMaker {
			side = -1
		}
		return signal.Tick{Symbol: symbol, Price: px, Size: qty, Side: side, Ts: time.UnixMilli(trade.TradeTime)}, true
	case "bookTicker":
		var book binanceBookTicker
		if err := json.Unmarshal(env.Data, &book); err != nil {
			f.log.Warn().Err(err).Msg("failed to decode binance book ticker")
			return signal.Tick{}, false
		}
		bid, errBid := strconv.ParseFloat(book.Bid, 64)
		ask, errAsk := strconv.ParseFloat(book.Ask, 64)
		if errBid != nil || errAsk != nil || bid <= 0 || ask <= 0 {
			f.log.Warn().Str("bid", book.Bid).Str("ask", book.Ask).Msg("invalid book ticker from binance")
			return signal.Tick{}, false
		}
		return signal.Tick{Symbol: symbol, Bid: bid, Ask: ask, Ts: time.Now()}, true
	default:
		return signal.Tick{}, false
	}
}

func parseBinanceStream(stream string) (symbol, kind string) {
	parts := strings.SplitN(stream, "@", 2)
	symbol = strings.ToUpper(parts[0])
	if len(parts) == 2 {
		kind = parts[1]
	}
	return symbol, kind
}
