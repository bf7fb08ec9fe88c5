package sqlite

import (
	"context"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// InsertRequestLogs writes a batch of finished request logs in one
// transaction. The recorder flushes batches, never single rows.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO request_logs (id, api_key_id, upstream_id, method, path, model,
		 usage, status_code, duration_ms, routing_duration_ms, ttft_ms, is_stream,
		 routing_type, group_name, lb_strategy, failover_count, failover_history,
		 routing_decision, session_id, affinity_hit, affinity_migrated,
		 session_id_compensated, header_diff, error_message, billing, billing_status,
		 cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range logs {
		l := &logs[i]
		usage, err := marshalJSON(l.Usage)
		if err != nil {
			return err
		}
		history, err := marshalJSON(l.FailoverHistory)
		if err != nil {
			return err
		}
		decision, err := marshalJSON(l.Decision)
		if err != nil {
			return err
		}
		diff, err := marshalJSON(l.HeaderDiff)
		if err != nil {
			return err
		}
		billing, err := marshalJSON(l.Billing)
		if err != nil {
			return err
		}
		var billingStatus string
		var costUSD float64
		if l.Billing != nil {
			billingStatus = l.Billing.Status
			costUSD = l.Billing.FinalCostUSD
		}
		_, err = stmt.ExecContext(ctx,
			l.ID, l.APIKeyID, l.UpstreamID, l.Method, l.Path, l.Model,
			usage, l.StatusCode, l.DurationMs, l.RoutingDurationMs, l.TTFTMs,
			boolToInt(l.IsStream), string(l.RoutingType), l.GroupName,
			string(l.LBStrategy), l.FailoverCount, history, decision,
			l.SessionID, boolToInt(l.AffinityHit), boolToInt(l.AffinityMigrated),
			boolToInt(l.SessionIDComped), diff, l.ErrorMessage, billing,
			billingStatus, costUSD, l.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SpendSince sums billed cost per upstream for requests created at or after
// since. Upstreams with no billed spend are absent from the map.
func (s *Store) SpendSince(ctx context.Context, since time.Time) (map[string]float64, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT upstream_id, SUM(cost_usd) FROM request_logs
		 WHERE created_at >= ? AND billing_status = ? AND upstream_id != ''
		 GROUP BY upstream_id`,
		since.UTC().Format(time.RFC3339), gateway.BillingStatusBilled,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var spend float64
		if err := rows.Scan(&id, &spend); err != nil {
			return nil, err
		}
		out[id] = spend
	}
	return out, rows.Err()
}
