package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spinelabs/spine/internal/netstate"
)

func (s *Store) GetBlob(ctx context.Context, deviceID, command string) (*netstate.Blob, error) {
	blob := &netstate.Blob{}
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, command, payload, updated_at
		FROM command_blobs
		WHERE device_id = $1 AND command = $2`,
		deviceID, command,
	).Scan(&blob.DeviceID, &blob.Command, &blob.Payload, &blob.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, netstate.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return blob, nil
}

func (s *Store) UpsertBlob(ctx context.Context, blob *netstate.Blob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO command_blobs (device_id, command, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, command) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		blob.DeviceID, blob.Command, blob.Payload, blob.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert blob: %w", err)
	}
	return nil
}

func (s *Store) DeleteBlobs(ctx context.Context, deviceID, command string) (int64, error) {
	query := `DELETE FROM command_blobs WHERE device_id = $1`
	args := []any{deviceID}
	if command != "" {
		query += ` AND command = $2`
		args = append(args, command)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete blobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteBlobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM command_blobs WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune blobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListBlobs(ctx context.Context, deviceID string) ([]netstate.Blob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, command, payload, updated_at
		FROM command_blobs
		WHERE device_id = $1
		ORDER BY command`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var out []netstate.Blob
	for rows.Next() {
		var b netstate.Blob
		if err := rows.Scan(&b.DeviceID, &b.Command, &b.Payload, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListBlobMetas(ctx context.Context) ([]netstate.BlobMeta, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, command, updated_at
		FROM command_blobs
		ORDER BY device_id, command`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blob metadata: %w", err)
	}
	defer rows.Close()

	var out []netstate.BlobMeta
	for rows.Next() {
		var m netstate.BlobMeta
		if err := rows.Scan(&m.DeviceID, &m.Command, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
