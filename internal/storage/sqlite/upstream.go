package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

const upstreamColumns = `id, name, base_url, provider_type, capabilities, priority, weight,
 is_active, allowed_models, model_redirects, credential_enc, timeout_seconds,
 daily_spending_limit, monthly_spending_limit, billing_input_mult, billing_output_mult,
 circuit_breaker, affinity_migration, created_at, updated_at`

// UpsertUpstream inserts or replaces an upstream row by ID.
func (s *Store) UpsertUpstream(ctx context.Context, u *gateway.Upstream) error {
	caps, err := marshalJSON(u.Capabilities)
	if err != nil {
		return err
	}
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return err
	}
	redirects, err := marshalJSON(u.ModelRedirects)
	if err != nil {
		return err
	}
	cb, err := marshalJSON(u.CircuitBreaker)
	if err != nil {
		return err
	}
	am, err := marshalJSON(u.AffinityMigration)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	created := now
	if !u.CreatedAt.IsZero() {
		created = u.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO upstreams (id, name, base_url, provider_type, capabilities, priority, weight,
		 is_active, allowed_models, model_redirects, credential_enc, timeout_seconds,
		 daily_spending_limit, monthly_spending_limit, billing_input_mult, billing_output_mult,
		 circuit_breaker, affinity_migration, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name, base_url=excluded.base_url, provider_type=excluded.provider_type,
		 capabilities=excluded.capabilities, priority=excluded.priority, weight=excluded.weight,
		 is_active=excluded.is_active, allowed_models=excluded.allowed_models,
		 model_redirects=excluded.model_redirects, credential_enc=excluded.credential_enc,
		 timeout_seconds=excluded.timeout_seconds,
		 daily_spending_limit=excluded.daily_spending_limit,
		 monthly_spending_limit=excluded.monthly_spending_limit,
		 billing_input_mult=excluded.billing_input_mult,
		 billing_output_mult=excluded.billing_output_mult,
		 circuit_breaker=excluded.circuit_breaker,
		 affinity_migration=excluded.affinity_migration,
		 updated_at=excluded.updated_at`,
		u.ID, u.Name, u.BaseURL, u.ProviderType, caps, u.Priority, u.Weight,
		boolToInt(u.IsActive), models, redirects, u.CredentialEnc, u.TimeoutSeconds,
		nullFloat(u.DailySpendingLimit), nullFloat(u.MonthlySpendingLimit),
		u.BillingInputMult, u.BillingOutputMult, cb, am, created, now,
	)
	return err
}

// GetUpstream retrieves one upstream by ID.
func (s *Store) GetUpstream(ctx context.Context, id string) (*gateway.Upstream, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams WHERE id = ?`, id)
	return scanUpstream(row)
}

// ListUpstreams returns every upstream, inactive ones included, ordered by tier.
func (s *Store) ListUpstreams(ctx context.Context) ([]*gateway.Upstream, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUpstream(s scanner) (*gateway.Upstream, error) {
	var u gateway.Upstream
	var caps, models, redirects, cb, am sql.NullString
	var daily, monthly sql.NullFloat64
	var isActive int
	var createdAt, updatedAt sql.NullString

	err := s.Scan(
		&u.ID, &u.Name, &u.BaseURL, &u.ProviderType, &caps, &u.Priority, &u.Weight,
		&isActive, &models, &redirects, &u.CredentialEnc, &u.TimeoutSeconds,
		&daily, &monthly, &u.BillingInputMult, &u.BillingOutputMult,
		&cb, &am, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	u.IsActive = isActive != 0
	if err := unmarshalJSON(caps, &u.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(models, &u.AllowedModels); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(redirects, &u.ModelRedirects); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cb, &u.CircuitBreaker); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(am, &u.AffinityMigration); err != nil {
		return nil, err
	}
	if daily.Valid {
		v := daily.Float64
		u.DailySpendingLimit = &v
	}
	if monthly.Valid {
		v := monthly.Float64
		u.MonthlySpendingLimit = &v
	}
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		u.UpdatedAt = *t
	}
	return &u, nil
}
