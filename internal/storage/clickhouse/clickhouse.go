// Package clickhouse mirrors finished request logs into ClickHouse for
// analytics. It is an optional secondary sink; SQLite stays the primary
// store and the gateway runs fine without this package configured.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// Store writes request logs to a ClickHouse table.
type Store struct {
	conn  driver.Conn
	table string
}

// Config connects the analytics sink.
type Config struct {
	Addr     string // host:port
	Database string
	Username string
	Password string
	Table    string // default "request_logs"
}

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "request_logs"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Store{conn: conn, table: cfg.Table}, nil
}

// EnsureSchema creates the request log table if it does not exist.
// Structured fields are stored as JSON strings; ClickHouse reads them
// with JSONExtract at query time.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id                  String,
		api_key_id          String,
		upstream_id         String,
		method              LowCardinality(String),
		path                String,
		model               LowCardinality(String),
		prompt_tokens       UInt32,
		completion_tokens   UInt32,
		total_tokens        UInt32,
		status_code         UInt16,
		duration_ms         UInt32,
		routing_duration_ms UInt32,
		ttft_ms             UInt32,
		is_stream           UInt8,
		routing_type        LowCardinality(String),
		group_name          LowCardinality(String),
		failover_count      UInt8,
		failover_history    String,
		routing_decision    String,
		session_id          String,
		affinity_hit        UInt8,
		error_message       String,
		billing_status      LowCardinality(String),
		cost_usd            Float64,
		created_at          DateTime64(3, 'UTC')
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (created_at, upstream_id)`, s.table)
	return s.conn.Exec(ctx, ddl)
}

// InsertRequestLogs appends a batch of logs. Partial batches are not
// retried here; the recorder re-buffers on error.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i := range logs {
		l := &logs[i]
		var billingStatus string
		var costUSD float64
		if l.Billing != nil {
			billingStatus = l.Billing.Status
			costUSD = l.Billing.FinalCostUSD
		}
		err := batch.Append(
			l.ID, l.APIKeyID, l.UpstreamID, l.Method, l.Path, l.Model,
			uint32(l.Usage.PromptTokens), uint32(l.Usage.CompletionTokens),
			uint32(l.Usage.TotalTokens),
			uint16(l.StatusCode), uint32(l.DurationMs), uint32(l.RoutingDurationMs),
			uint32(l.TTFTMs), boolToUint8(l.IsStream),
			string(l.RoutingType), l.GroupName, uint8(l.FailoverCount),
			jsonColumn(l.FailoverHistory), jsonColumn(l.Decision),
			l.SessionID, boolToUint8(l.AffinityHit), l.ErrorMessage,
			billingStatus, costUSD, l.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return batch.Send()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func jsonColumn(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
