package journal

import (
	"context"
	"sync"
)

// Ledger keeps trade records in memory for status views and tests.
type Ledger struct {
	mu      sync.Mutex
	records []TradeRecord
	limit   int
}

// NewLedger creates a ledger retaining at most limit records (0 keeps all).
func NewLedger(limit int) *Ledger {
	if limit < 0 {
		limit = 0
	}
	return &Ledger{limit: limit}
}

// Write appends rec, evicting the oldest entry past the limit.
func (l *Ledger) Write(_ context.Context, rec TradeRecord) error {
	l.mu.Lock()
	l.records = append(l.records, rec)
	if l.limit > 0 && len(l.records) > l.limit {
		l.records = append(l.records[:0], l.records[len(l.records)-l.limit:]...)
	}
	l.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the retained records.
func (l *Ledger) Snapshot() []TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TradeRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Reset clears all stored records.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.records = l.records[:0]
	l.mu.Unlock()
}

// Close is a no-op.
func (l *Ledger) Close() error { return nil }
