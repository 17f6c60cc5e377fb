package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/spinelabs/spine/internal/credstore"
)

func (s *Store) GetCredential(ctx context.Context, owner, name string) (*credstore.Row, error) {
	row := &credstore.Row{}
	err := s.pool.QueryRow(ctx, `
		SELECT owner, name, username, secret, updated_at
		FROM credentials
		WHERE owner = $1 AND name = $2`,
		owner, name,
	).Scan(&row.Owner, &row.Name, &row.Username, &row.Secret, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credstore.ErrCredentialRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return row, nil
}

func (s *Store) UpsertCredential(ctx context.Context, row *credstore.Row) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (owner, name, username, secret, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner, name) DO UPDATE
		SET username = EXCLUDED.username,
		    secret = EXCLUDED.secret,
		    updated_at = EXCLUDED.updated_at`,
		row.Owner, row.Name, row.Username, row.Secret, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, owner, name string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM credentials WHERE owner = $1 AND name = $2`, owner, name)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *Store) ListCredentials(ctx context.Context, owner string) ([]credstore.Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner, name, username, secret, updated_at
		FROM credentials
		WHERE owner = $1
		ORDER BY name`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []credstore.Row
	for rows.Next() {
		var r credstore.Row
		if err := rows.Scan(&r.Owner, &r.Name, &r.Username, &r.Secret, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
