package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// clickhouseDDL documents the expected table; create it once per deployment:
//
//	CREATE TABLE IF NOT EXISTS request_logs (
//	    id            UUID,
//	    model         LowCardinality(String),
//	    served_model  LowCardinality(String),
//	    account       UInt8,
//	    rotations     UInt8,
//	    input_tokens  UInt32,
//	    output_tokens UInt32,
//	    latency_ms    UInt32,
//	    status        UInt16,
//	    stream        Bool,
//	    created_at    DateTime
//	) ENGINE = MergeTree ORDER BY (created_at)

// ClickHouseSink writes request batches to a ClickHouse table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects using a clickhouse:// DSN and verifies the
// connection with a ping.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse connect: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.Model,
			e.ServedModel,
			e.Account,
			e.Rotations,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Stream,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("logger: append entry: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
