package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/deviazarina/trepod/internal/signal"
)

func TestFeedRunEmitsTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewFeed(ProviderStub, []string{"eurusd", "EURUSD"}, zerolog.Nop(),
		WithTickInterval(10*time.Millisecond),
		WithStubQuotes(map[string]StubQuote{"EURUSD": {Price: 1.1, Spread: 0.0001, Step: 0.00005}}, 42),
	)
	if got := feed.Symbols(); len(got) != 1 || got[0] != "EURUSD" {
		t.Fatalf("expected deduplicated symbols, got %v", got)
	}
	ticks := make(chan signal.Tick, 1)
	go func() {
		_ = feed.Run(ctx, ticks)
	}()

	select {
	case tk := <-ticks:
		if tk.Symbol != "EURUSD" {
			t.Fatalf("unexpected symbol %s", tk.Symbol)
		}
		if tk.Ask <= tk.Bid || tk.Price < 1.09 || tk.Price > 1.11 {
			t.Fatalf("unexpected quote %+v", tk)
		}
		cancel()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
}

func TestParseBinanceStream(t *testing.T) {
	cases := map[string][2]string{
		"btcusdt@trade":      {"BTCUSDT", "trade"},
		"ethusdt@bookTicker": {"ETHUSDT", "bookTicker"},
		"dogeusdt":           {"DOGEUSDT", ""},
	}
	for stream, want := range cases {
		sym, kind := parseBinanceStream(stream)
		if sym != want[0] || kind != want[1] {
			t.Fatalf("%s: got %s/%s", stream, sym, kind)
		}
	}
}

func TestDecodeBinance(t *testing.T) {
	feed := NewFeed(ProviderBinance, []string{"BTCUSDT"}, zerolog.Nop())
	tk, ok := feed.decodeBinance([]byte(`{"stream":"btcusdt@trade","data":{"p":"65000.5","q":"0.01","T":1700000000000,"m":true}}`))
	if !ok || tk.Price != 65000.5 || tk.Size != 0.01 || tk.Side != -1 {
		t.Fatalf("unexpected trade tick %+v", tk)
	}
	tk, ok = feed.decodeBinance([]byte(`{"stream":"btcusdt@bookTicker","data":{"b":"64999.9","a":"65000.1"}}`))
	if !ok || tk.Bid != 64999.9 || tk.Ask != 65000.1 || tk.Size != 0 {
		t.Fatalf("unexpected book tick %+v", tk)
	}
	if _, ok := feed.decodeBinance([]byte(`{"stream":"btcusdt@trade","data":{"p":"x","q":"1"}}`)); ok {
		t.Fatalf("expected invalid price to be dropped")
	}
}

func TestBinanceFeedOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "btcusdt@bookTicker") {
			http.Error(w, "missing stream", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@trade","data":{"p":"100","q":"2","T":1700000000000,"m":false}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := NewFeed(ProviderBinance, []string{"BTCUSDT"}, zerolog.Nop(), WithBinanceURL("ws"+strings.TrimPrefix(server.URL, "http")))
	ticks := make(chan signal.Tick, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- feed.Run(ctx, ticks) }()

	select {
	case tk := <-ticks:
		if tk.Symbol != "BTCUSDT" || tk.Price != 100 || tk.Side != 1 {
			t.Fatalf("unexpected tick %+v", tk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for websocket tick")
	}
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop after cancel")
	}
}

func TestBinanceRequiresSymbols(t *testing.T) {
	feed := NewFeed(ProviderBinance, nil, zerolog.Nop())
	if err := feed.Run(context.Background(), make(chan signal.Tick)); err == nil {
		t.Fatalf("expected error without symbols")
	}
}
