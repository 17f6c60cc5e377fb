// Package credstore manages per-user device login credentials. Secrets are
// encrypted with AES-256-GCM before they reach the database and only
// decrypted in memory at connection time. Credentials are strictly scoped
// to their owner: no lookup ever crosses user boundaries.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrMissingCredentials is returned when the owner has no credential under
// the requested name and no default credential either.
var ErrMissingCredentials = errors.New("no credentials configured")

// DefaultName is the credential name used when a device does not reference
// a specific secret group.
const DefaultName = "default"

// Credential is a decrypted device login owned by a user. Password is
// plaintext and must never be logged or persisted.
type Credential struct {
	Owner    string
	Name     string
	Username string
	Password string
}

// Row is the persisted shape of a credential. Secret holds the GCM
// nonce-prefixed ciphertext of the password.
type Row struct {
	Owner     string
	Name      string
	Username  string
	Secret    []byte
	UpdatedAt time.Time
}

// Rows is the persistence surface the store needs. The postgres
// implementation lives in the store package.
type Rows interface {
	GetCredential(ctx context.Context, owner, name string) (*Row, error)
	UpsertCredential(ctx context.Context, row *Row) error
	DeleteCredential(ctx context.Context, owner, name string) error
	ListCredentials(ctx context.Context, owner string) ([]Row, error)
}

// ErrCredentialRowNotFound is returned by Rows implementations when no row
// matches (owner, name).
var ErrCredentialRowNotFound = errors.New("credential row not found")

type StoreConfig struct {
	Logger *slog.Logger
	Rows   Rows
	Cipher *Cipher
}

func (c *StoreConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Rows == nil {
		return errors.New("rows is required")
	}
	if c.Cipher == nil {
		return errors.New("cipher is required")
	}
	return nil
}

// Store resolves credentials by (owner, name), falling back to the owner's
// default credential when no row matches the requested name.
type Store struct {
	cfg *StoreConfig
	log *slog.Logger
}

func NewStore(cfg *StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, log: cfg.Logger}, nil
}

// Get returns the decrypted credential named name and owned by owner. An
// empty name means the owner's default. Resolution never leaves the owner's
// rows; other users' credentials are invisible here.
func (s *Store) Get(ctx context.Context, owner, name string) (*Credential, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if name == "" {
		name = DefaultName
	}

	row, err := s.cfg.Rows.GetCredential(ctx, owner, name)
	if errors.Is(err, ErrCredentialRowNotFound) && name != DefaultName {
		row, err = s.cfg.Rows.GetCredential(ctx, owner, DefaultName)
	}
	if errors.Is(err, ErrCredentialRowNotFound) {
		return nil, fmt.Errorf("%w for user %s (name %s)", ErrMissingCredentials, owner, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	password, err := s.cfg.Cipher.Decrypt(row.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential %s/%s: %w", owner, row.Name, err)
	}
	return &Credential{
		Owner:    row.Owner,
		Name:     row.Name,
		Username: row.Username,
		Password: string(password),
	}, nil
}

// Put encrypts and stores a credential, replacing any existing row with the
// same (owner, name).
func (s *Store) Put(ctx context.Context, cred *Credential) error {
	if cred.Owner == "" {
		return errors.New("owner is required")
	}
	if cred.Username == "" {
		return errors.New("username is required")
	}
	if cred.Name == "" {
		cred.Name = DefaultName
	}
	secret, err := s.cfg.Cipher.Encrypt([]byte(cred.Password))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	err = s.cfg.Rows.UpsertCredential(ctx, &Row{
		Owner:     cred.Owner,
		Name:      cred.Name,
		Username:  cred.Username,
		Secret:    secret,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	s.log.Info("credential updated", "owner", cred.Owner, "name", cred.Name, "username", cred.Username)
	return nil
}

func (s *Store) Delete(ctx context.Context, owner, name string) error {
	if name == "" {
		name = DefaultName
	}
	if err := s.cfg.Rows.DeleteCredential(ctx, owner, name); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	s.log.Info("credential deleted", "owner", owner, "name", name)
	return nil
}

// List returns the owner's credentials without secrets.
func (s *Store) List(ctx context.Context, owner string) ([]Credential, error) {
	rows, err := s.cfg.Rows.ListCredentials(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	creds := make([]Credential, 0, len(rows))
	for _, row := range rows {
		creds = append(creds, Credential{
			Owner:    row.Owner,
			Name:     row.Name,
			Username: row.Username,
		})
	}
	return creds, nil
}
