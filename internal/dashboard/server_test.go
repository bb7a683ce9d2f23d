package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/deviazarina/trepod/internal/config"
	"github.com/deviazarina/trepod/internal/engine"
	"github.com/deviazarina/trepod/internal/journal"
)

type fakeEngine struct {
	mu       sync.Mutex
	running  bool
	patches  []config.Patch
	resumed  []string
	closeErr error
	trades   []journal.TradeRecord
	updates  chan engine.StatusSnapshot
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{updates: make(chan engine.StatusSnapshot, 4)}
}

func (f *fakeEngine) Status() engine.StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.StatusSnapshot{
		Running:      f.running,
		Symbols:      []engine.SymbolStatus{{Symbol: "EURUSD"}},
		RecentTrades: append([]journal.TradeRecord(nil), f.trades...),
	}
}

func (f *fakeEngine) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return engine.ErrRunning
	}
	f.running = true
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *fakeEngine) EmergencyCloseAll(context.Context) ([]journal.TradeRecord, error) {
	f.Stop()
	return []journal.TradeRecord{{Symbol: "EURUSD", Reason: "emergency_stop"}}, f.closeErr
}

func (f *fakeEngine) UpdateConfig(p config.Patch) (*config.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, p)
	cfg := &config.Config{}
	if p.MinConfidence != nil {
		cfg.Strategy.MinConfidence = *p.MinConfidence
	}
	if p.MaxDailyTrades != nil {
		cfg.Risk.MaxDailyTrades = *p.MaxDailyTrades
	}
	return cfg, nil
}

func (f *fakeEngine) Resume(symbol string) error {
	if !strings.EqualFold(symbol, "EURUSD") {
		return fmt.Errorf("%s: %w", symbol, engine.ErrUnknownSymbol)
	}
	f.mu.Lock()
	f.resumed = append(f.resumed, symbol)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Subscribe() (<-chan engine.StatusSnapshot, func()) {
	return f.updates, func() {}
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestStatusEndpoint(t *testing.T) {
	eng := newFakeEngine()
	for i := 0; i < 30; i++ {
		eng.trades = append(eng.trades, journal.TradeRecord{PositionID: fmt.Sprint(i)})
	}
	srv := New(eng, zerolog.Nop())

	rec, resp := do(t, srv.Handler(), http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK || resp.Status != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	data := resp.Data.(map[string]any)
	if trades := data["recent_trades"].([]any); len(trades) != 20 {
		t.Fatalf("expected default of 20 recent trades, got %d", len(trades))
	}

	_, resp = do(t, srv.Handler(), http.MethodGet, "/api/status?trades=5", "")
	if trades := resp.Data.(map[string]any)["recent_trades"].([]any); len(trades) != 5 {
		t.Fatalf("expected 5 recent trades, got %d", len(trades))
	}

	rec, _ = do(t, srv.Handler(), http.MethodGet, "/api/status?trades=9999", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for trades above limit, got %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	eng := newFakeEngine()
	srv := New(eng, zerolog.Nop())

	if rec, _ := do(t, srv.Handler(), http.MethodPost, "/api/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start: unexpected status %d", rec.Code)
	}
	if rec, _ := do(t, srv.Handler(), http.MethodPost, "/api/start", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second start: expected 409, got %d", rec.Code)
	}
	rec, resp := do(t, srv.Handler(), http.MethodPost, "/api/stop", "")
	if rec.Code != http.StatusOK || resp.Data.(map[string]any)["running"] != false {
		t.Fatalf("stop: unexpected response %d %+v", rec.Code, resp)
	}
}

func TestEmergencyClose(t *testing.T) {
	eng := newFakeEngine()
	srv := New(eng, zerolog.Nop())

	rec, resp := do(t, srv.Handler(), http.MethodPost, "/api/emergency-close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if closed := resp.Data.(map[string]any)["closed"].([]any); len(closed) != 1 {
		t.Fatalf("expected one closed record, got %v", closed)
	}

	eng.closeErr = errors.New("close EURUSD: gateway call timed out")
	rec, resp = do(t, srv.Handler(), http.MethodPost, "/api/emergency-close", "")
	if rec.Code != http.StatusInternalServerError || !strings.Contains(resp.Data.(map[string]any)["error"].(string), "timed out") {
		t.Fatalf("expected partial failure report, got %d %+v", rec.Code, resp)
	}
}

func TestPatchConfig(t *testing.T) {
	eng := newFakeEngine()
	srv := New(eng, zerolog.Nop())

	rec, resp := do(t, srv.Handler(), http.MethodPatch, "/api/config", `{"min_confidence":0.7,"max_daily_trades":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %+v", rec.Code, resp)
	}
	data := resp.Data.(map[string]any)
	if data["min_confidence"] != 0.7 || data["max_daily_trades"] != float64(5) {
		t.Fatalf("unexpected data %+v", data)
	}
	if len(eng.patches) != 1 || eng.patches[0].MaxConcurrentPositions != nil {
		t.Fatalf("unexpected patches %+v", eng.patches)
	}

	cases := map[string]string{
		"out of range": `{"min_confidence":1.5}`,
		"negative":     `{"max_daily_loss":-1}`,
		"empty":        `{}`,
		"malformed":    `{"min_confidence":`,
	}
	for name, body := range cases {
		if rec, _ := do(t, srv.Handler(), http.MethodPatch, "/api/config", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
	if len(eng.patches) != 1 {
		t.Fatalf("invalid patches reached the engine")
	}
}

func TestResume(t *testing.T) {
	eng := newFakeEngine()
	srv := New(eng, zerolog.Nop())

	if rec, _ := do(t, srv.Handler(), http.MethodPost, "/api/symbols/EURUSD/resume", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec, _ := do(t, srv.Handler(), http.MethodPost, "/api/symbols/GBPJPY/resume", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown symbol, got %d", rec.Code)
	}
}

func TestStatusStream(t *testing.T) {
	eng := newFakeEngine()
	server := httptest.NewServer(New(eng, zerolog.Nop()).Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first engine.StatusSnapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial status: %v", err)
	}
	if len(first.Symbols) != 1 || first.Running {
		t.Fatalf("unexpected initial status %+v", first)
	}

	eng.updates <- engine.StatusSnapshot{Running: true}
	var next engine.StatusSnapshot
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read pushed status: %v", err)
	}
	if !next.Running {
		t.Fatalf("expected pushed snapshot, got %+v", next)
	}
}
