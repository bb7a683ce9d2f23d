package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink stores trade records.
type Sink interface {
	Write(ctx context.Context, rec TradeRecord) error
	Close() error
}

// Journal fans records out to every sink from a background goroutine so callers
// never block on slow storage. Sinks see one Write at a time.
type Journal struct {
	sinks        []Sink
	log          zerolog.Logger
	writeTimeout time.Duration
	ch           chan TradeRecord
	done         chan struct{}
	once         sync.Once

	writeMu sync.Mutex
	stateMu sync.RWMutex
	closed  bool
}

// NewJournal starts the writer goroutine. Close drains pending records.
func NewJournal(log zerolog.Logger, buffer int, writeTimeout time.Duration, sinks ...Sink) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	j := &Journal{
		sinks:        sinks,
		log:          log.With().Str("component", "journal").Logger(),
		writeTimeout: writeTimeout,
		ch:           make(chan TradeRecord, buffer),
		done:         make(chan struct{}),
	}
	go j.run()
	return j
}

// Record queues rec for every sink. When the buffer is full the record is written
// synchronously rather than dropped. Records arriving after Close are logged and
// discarded.
func (j *Journal) Record(rec TradeRecord) {
	j.stateMu.RLock()
	defer j.stateMu.RUnlock()
	if j.closed {
		j.log.Error().
			Str("sym", rec.Symbol).
			Str("position", rec.PositionID).
			Float64("profit", rec.Profit).
			Str("reason", rec.Reason).
			Msg("journal closed, record not stored")
		return
	}
	select {
	case j.ch <- rec:
	default:
		j.log.Warn().Str("sym", rec.Symbol).Msg("journal buffer full, writing inline")
		j.write(rec)
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for rec := range j.ch {
		j.write(rec)
	}
}

func (j *Journal) write(rec TradeRecord) {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	for _, sink := range j.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
		if err := sink.Write(ctx, rec); err != nil {
			j.log.Error().Err(err).Str("sym", rec.Symbol).Str("position", rec.PositionID).Msg("journal write failed")
		}
		cancel()
	}
}

// Close flushes queued records and closes every sink.
func (j *Journal) Close() error {
	var errs []error
	j.once.Do(func() {
		j.stateMu.Lock()
		j.closed = true
		close(j.ch)
		j.stateMu.Unlock()
		<-j.done
		for _, sink := range j.sinks {
			if err := sink.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
