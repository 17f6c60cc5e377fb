package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/spinelabs/spine/internal/baseline"
)

// maxVersionRetries bounds the retry loop when two inserts race for the
// same next version.
const maxVersionRetries = 3

// InsertBaseline assigns the next version for (device, command) and
// writes it back to b. The INSERT..SELECT computes max+1 in one
// statement; losing the race trips the primary key and is retried with a
// fresh max.
func (s *Store) InsertBaseline(ctx context.Context, b *baseline.Baseline) error {
	for attempt := 0; ; attempt++ {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO baselines (device_id, command, version, raw_output, normalized_output, notes, created_at, updated_at)
			SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, $7
			FROM baselines
			WHERE device_id = $1 AND command = $2
			RETURNING version`,
			b.DeviceID, b.Command, b.RawOutput, b.Normalized, b.Notes, b.CreatedAt, b.UpdatedAt,
		).Scan(&b.Version)
		if pgCode(err) == codeUniqueViolation && attempt < maxVersionRetries {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to insert baseline: %w", err)
		}
		return nil
	}
}

const baselineColumns = `device_id, command, version, raw_output, normalized_output, notes, created_at, updated_at`

func scanBaseline(row pgx.Row) (*baseline.Baseline, error) {
	b := &baseline.Baseline{}
	err := row.Scan(&b.DeviceID, &b.Command, &b.Version, &b.RawOutput,
		&b.Normalized, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, baseline.ErrBaselineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	return b, nil
}

func (s *Store) GetBaseline(ctx context.Context, deviceID, command string, version int) (*baseline.Baseline, error) {
	return scanBaseline(s.pool.QueryRow(ctx,
		`SELECT `+baselineColumns+` FROM baselines WHERE device_id = $1 AND command = $2 AND version = $3`,
		deviceID, command, version))
}

func (s *Store) LatestBaseline(ctx context.Context, deviceID, command string) (*baseline.Baseline, error) {
	return scanBaseline(s.pool.QueryRow(ctx,
		`SELECT `+baselineColumns+` FROM baselines WHERE device_id = $1 AND command = $2 ORDER BY version DESC LIMIT 1`,
		deviceID, command))
}

func (s *Store) ListBaselines(ctx context.Context, deviceID, command string) ([]baseline.BaselineMeta, error) {
	query := `SELECT device_id, command, version, notes, created_at FROM baselines WHERE device_id = $1`
	args := []any{deviceID}
	if command != "" {
		query += ` AND command = $2`
		args = append(args, command)
	}
	query += ` ORDER BY command, version DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	defer rows.Close()

	var out []baseline.BaselineMeta
	for rows.Next() {
		var m baseline.BaselineMeta
		if err := rows.Scan(&m.DeviceID, &m.Command, &m.Version, &m.Notes, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) PruneVersions(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM baselines
		WHERE (device_id, command, version) IN (
			SELECT device_id, command, version FROM (
				SELECT device_id, command, version,
				       ROW_NUMBER() OVER (PARTITION BY device_id, command ORDER BY version DESC) AS rn
				FROM baselines
			) ranked
			WHERE rn > $1
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune baselines: %w", err)
	}
	return tag.RowsAffected(), nil
}
