package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseConfig configures the ClickHouse trade table sink.
type ClickHouseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	Table       string
	DialTimeout time.Duration
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseSink inserts one row per trade through database/sql.
type ClickHouseSink struct {
	db     *sql.DB
	insert string
}

// NewClickHouseSink opens the pool, pings it, and ensures the table exists.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if cfg.Host == "" {
		return nil, errors.New("clickhouse host is required")
	}
	if cfg.Table == "" {
		cfg.Table = "trades"
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", cfg.Table)
	}
	db, err := sql.Open("clickhouse", clickHouseDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	sink := newClickHouseSink(db, cfg.Table)
	if _, err := db.ExecContext(ctx, createTradesTable(cfg.Table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse init schema: %w", err)
	}
	return sink, nil
}

func newClickHouseSink(db *sql.DB, table string) *ClickHouseSink {
	return &ClickHouseSink{
		db: db,
		insert: fmt.Sprintf(`INSERT INTO %s (ts, position_id, client_id, symbol, direction, size, entry, exit, stop_loss, take_profit, confidence, result, profit, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table),
	}
}

func createTradesTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	ts DateTime64(3, 'UTC'),
	position_id String,
	client_id String,
	symbol LowCardinality(String),
	direction LowCardinality(String),
	size Float64,
	entry Float64,
	exit Float64,
	stop_loss Float64,
	take_profit Float64,
	confidence Float64,
	result LowCardinality(String),
	profit Float64,
	reason String
) ENGINE = MergeTree ORDER BY (symbol, ts)`, table)
}

func clickHouseDSN(cfg ClickHouseConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 9000
	}
	dsn := fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s", cfg.User, cfg.Password, cfg.Host, port, cfg.Database)
	if cfg.DialTimeout > 0 {
		dsn += fmt.Sprintf("?dial_timeout=%s", cfg.DialTimeout)
	}
	return dsn
}

// Write inserts rec.
func (s *ClickHouseSink) Write(ctx context.Context, rec TradeRecord) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		rec.Timestamp.UTC(), rec.PositionID, rec.ClientID, rec.Symbol, string(rec.Direction),
		rec.Size, rec.Entry, rec.Exit, rec.StopLoss, rec.TakeProfit,
		rec.Confidence, rec.Result, rec.Profit, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *ClickHouseSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
