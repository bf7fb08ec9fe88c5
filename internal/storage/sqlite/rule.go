package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// UpsertRule inserts or replaces a compensation rule by ID.
func (s *Store) UpsertRule(ctx context.Context, r *gateway.CompensationRule) error {
	caps, err := marshalJSON(r.Capabilities)
	if err != nil {
		return err
	}
	sources, err := marshalJSON(r.Sources)
	if err != nil {
		return err
	}
	mode := r.Mode
	if mode == "" {
		mode = gateway.CompensateMissingOnly
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO compensation_rules (id, capabilities, sources, target_header, mode, built_in, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 capabilities=excluded.capabilities, sources=excluded.sources,
		 target_header=excluded.target_header, mode=excluded.mode,
		 built_in=excluded.built_in, enabled=excluded.enabled`,
		r.ID, caps, sources, r.TargetHeader, mode,
		boolToInt(r.BuiltIn), boolToInt(r.Enabled),
	)
	return err
}

// ListCompensationRules returns every rule, disabled ones included.
func (s *Store) ListCompensationRules(ctx context.Context) ([]*gateway.CompensationRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, capabilities, sources, target_header, mode, built_in, enabled
		 FROM compensation_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.CompensationRule
	for rows.Next() {
		var r gateway.CompensationRule
		var caps, sources sql.NullString
		var builtIn, enabled int
		if err := rows.Scan(&r.ID, &caps, &sources, &r.TargetHeader, &r.Mode, &builtIn, &enabled); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(caps, &r.Capabilities); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(sources, &r.Sources); err != nil {
			return nil, err
		}
		r.BuiltIn = builtIn != 0
		r.Enabled = enabled != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}
