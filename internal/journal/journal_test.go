package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deviazarina/trepod/internal/signal"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func sample(symbol string, profit float64) TradeRecord {
	return TradeRecord{
		Timestamp:  time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC),
		PositionID: "p-1",
		ClientID:   "scalper-1",
		Symbol:     symbol,
		Direction:  signal.Long,
		Size:       0.1,
		Entry:      1.1001,
		Exit:       1.1019,
		StopLoss:   1.09975,
		TakeProfit: 1.1019,
		Confidence: 0.9,
		Result:     ResultFor(profit),
		Profit:     profit,
		Reason:     "take_profit",
	}
}

func TestResultFor(t *testing.T) {
	if ResultFor(1) != ResultWin || ResultFor(-1) != ResultLoss || ResultFor(0) != ResultBreakeven {
		t.Fatalf("unexpected result classification")
	}
}

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades", "trades.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink returned error: %v", err)
	}
	if err := sink.Write(context.Background(), sample("EURUSD", 18)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(context.Background(), sample("XAUUSD", -3.5)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sink.Write(context.Background(), sample("EURUSD", 1)); err == nil {
		t.Fatalf("expected write after close to fail")
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	var got []TradeRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec TradeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 2 || got[1].Symbol != "XAUUSD" || got[1].Result != ResultLoss {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestLedgerLimit(t *testing.T) {
	ledger := NewLedger(2)
	for _, sym := range []string{"A", "B", "C"} {
		_ = ledger.Write(context.Background(), sample(sym, 1))
	}
	got := ledger.Snapshot()
	if len(got) != 2 || got[0].Symbol != "B" || got[1].Symbol != "C" {
		t.Fatalf("unexpected ledger contents %+v", got)
	}
	ledger.Reset()
	if len(ledger.Snapshot()) != 0 {
		t.Fatalf("expected empty ledger after reset")
	}
}

type failingSink struct {
	mu     sync.Mutex
	calls  int
	closed bool
}

func (f *failingSink) Write(context.Context, TradeRecord) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("down")
}

func (f *failingSink) Close() error {
	f.closed = true
	return nil
}

func TestJournalFansOutAndDrains(t *testing.T) {
	var buf strings.Builder
	ledger := NewLedger(0)
	bad := &failingSink{}
	j := NewJournal(zerolog.New(&syncWriter{b: &buf}), 1, time.Second, bad, ledger)
	for i := 0; i < 5; i++ {
		j.Record(sample("EURUSD", float64(i)))
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(ledger.Snapshot()) != 5 {
		t.Fatalf("expected 5 records in ledger, got %d", len(ledger.Snapshot()))
	}
	if bad.calls != 5 || !bad.closed {
		t.Fatalf("failing sink calls=%d closed=%v", bad.calls, bad.closed)
	}
	if !strings.Contains(buf.String(), "journal write failed") {
		t.Fatalf("expected write failure to be logged, got %s", buf.String())
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestJournalRecordAfterClose(t *testing.T) {
	var buf strings.Builder
	ledger := NewLedger(0)
	j := NewJournal(zerolog.New(&syncWriter{b: &buf}), 1, time.Second, ledger)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	j.Record(sample("EURUSD", 1))
	if len(ledger.Snapshot()) != 0 {
		t.Fatalf("record stored after close")
	}
	if !strings.Contains(buf.String(), "journal closed") {
		t.Fatalf("expected late record to be logged, got %s", buf.String())
	}
}

// overlapSink notes whether two writes ever ran at the same time.
type overlapSink struct {
	active  atomic.Int32
	overlap atomic.Bool
	writes  atomic.Int32
}

func (o *overlapSink) Write(context.Context, TradeRecord) error {
	if o.active.Add(1) > 1 {
		o.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	o.active.Add(-1)
	o.writes.Add(1)
	return nil
}

func (o *overlapSink) Close() error { return nil }

func TestJournalSerializesSinkWrites(t *testing.T) {
	sink := &overlapSink{}
	j := NewJournal(zerolog.Nop(), 1, time.Second, sink)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < 5; k++ {
				j.Record(sample("EURUSD", float64(i*10+k)))
			}
		}(i)
	}
	wg.Wait()
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.writes.Load() != 40 {
		t.Fatalf("expected 40 writes, got %d", sink.writes.Load())
	}
	if sink.overlap.Load() {
		t.Fatalf("sink saw concurrent writes")
	}
}

type syncWriter struct {
	mu sync.Mutex
	b  *strings.Builder
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkKeysBySymbol(t *testing.T) {
	fw := &fakeWriter{}
	sink := &KafkaSink{writer: fw, topic: "trades"}
	if err := sink.Write(context.Background(), sample("XAUUSD", 2)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(fw.msgs) != 1 || string(fw.msgs[0].Key) != "XAUUSD" {
		t.Fatalf("unexpected messages %+v", fw.msgs)
	}
	var rec TradeRecord
	if err := json.Unmarshal(fw.msgs[0].Value, &rec); err != nil || rec.Profit != 2 {
		t.Fatalf("unexpected payload %s (%v)", fw.msgs[0].Value, err)
	}
	_ = sink.Close()
	if !fw.closed {
		t.Fatalf("expected writer closed")
	}
}

func TestSinkConfigValidation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Topic: "trades"}); err == nil {
		t.Fatalf("expected missing brokers error")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected missing topic error")
	}
	if _, err := NewRedisSink(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected missing redis addr error")
	}
	if _, err := NewClickHouseSink(context.Background(), ClickHouseConfig{Host: "localhost", Table: "trades; DROP"}); err == nil {
		t.Fatalf("expected invalid table error")
	}
}

func TestClickHouseDSN(t *testing.T) {
	dsn := clickHouseDSN(ClickHouseConfig{Host: "ch", User: "u", Password: "p", Database: "scalper", DialTimeout: 2 * time.Second})
	if dsn != "clickhouse://u:p@ch:9000/scalper?dial_timeout=2s" {
		t.Fatalf("unexpected dsn %s", dsn)
	}
	if !strings.Contains(createTradesTable("trades"), "MergeTree ORDER BY (symbol, ts)") {
		t.Fatalf("unexpected schema")
	}
}
