package sqlite

import (
	"context"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// ResolveModelPrice returns the winning price row for a model. A manual
// override beats a synced catalog row for the same model.
func (s *Store) ResolveModelPrice(ctx context.Context, model string) (*gateway.ModelPrice, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT model, source, input_per_mtok, output_per_mtok,
		 cache_read_per_mtok, cache_write_per_mtok, updated_at
		 FROM model_prices WHERE model = ?
		 ORDER BY CASE source WHEN ? THEN 0 ELSE 1 END
		 LIMIT 1`,
		model, gateway.PriceSourceManualOverride,
	)
	var p gateway.ModelPrice
	var updatedAt string
	err := row.Scan(&p.Model, &p.Source, &p.InputPerMTok, &p.OutputPerMTok,
		&p.CacheReadPerM, &p.CacheWritePerM, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}

// UpsertModelPrices writes a batch of price rows in one transaction.
// Catalog syncs pass thousands of rows at once.
func (s *Store) UpsertModelPrices(ctx context.Context, prices []gateway.ModelPrice) error {
	if len(prices) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO model_prices (model, source, input_per_mtok, output_per_mtok,
		 cache_read_per_mtok, cache_write_per_mtok, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model, source) DO UPDATE SET
		 input_per_mtok=excluded.input_per_mtok, output_per_mtok=excluded.output_per_mtok,
		 cache_read_per_mtok=excluded.cache_read_per_mtok,
		 cache_write_per_mtok=excluded.cache_write_per_mtok,
		 updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range prices {
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, p.Model, p.Source,
			p.InputPerMTok, p.OutputPerMTok, p.CacheReadPerM, p.CacheWritePerM,
			updated.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListModelPrices returns every price row.
func (s *Store) ListModelPrices(ctx context.Context) ([]*gateway.ModelPrice, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, source, input_per_mtok, output_per_mtok,
		 cache_read_per_mtok, cache_write_per_mtok, updated_at
		 FROM model_prices ORDER BY model, source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ModelPrice
	for rows.Next() {
		var p gateway.ModelPrice
		var updatedAt string
		if err := rows.Scan(&p.Model, &p.Source, &p.InputPerMTok, &p.OutputPerMTok,
			&p.CacheReadPerM, &p.CacheWritePerM, &updatedAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			p.UpdatedAt = t
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
