package credstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestCredStore_Cipher_RoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)

	sealed, err := c.Encrypt([]byte("sw0rdf1sh"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("sw0rdf1sh")))

	plaintext, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sw0rdf1sh", string(plaintext))

	// A second encryption of the same plaintext uses a fresh nonce.
	sealed2, err := c.Encrypt([]byte("sw0rdf1sh"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestCredStore_Cipher_RejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := NewCipher(make([]byte, 16))
	require.Error(t, err)

	c := newTestCipher(t)

	_, err = c.Decrypt([]byte("short"))
	require.Error(t, err)

	sealed, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Decrypt(sealed)
	require.Error(t, err)
}

func TestCredStore_Store(t *testing.T) {
	t.Parallel()

	newStore := func(t *testing.T) (*Store, *MemoryRows) {
		t.Helper()
		rows := NewMemoryRows()
		store, err := NewStore(&StoreConfig{
			Logger: newTestLogger(),
			Rows:   rows,
			Cipher: newTestCipher(t),
		})
		require.NoError(t, err)
		return store, rows
	}

	t.Run("put_then_get_round_trips", func(t *testing.T) {
		t.Parallel()
		store, rows := newStore(t)
		ctx := context.Background()

		err := store.Put(ctx, &Credential{Owner: "alice", Name: "lab", Username: "netops", Password: "hunter2"})
		require.NoError(t, err)

		// The persisted secret must not contain the plaintext.
		row, err := rows.GetCredential(ctx, "alice", "lab")
		require.NoError(t, err)
		assert.False(t, bytes.Contains(row.Secret, []byte("hunter2")))

		cred, err := store.Get(ctx, "alice", "lab")
		require.NoError(t, err)
		assert.Equal(t, "netops", cred.Username)
		assert.Equal(t, "hunter2", cred.Password)
	})

	t.Run("missing_name_falls_back_to_owners_default", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		ctx := context.Background()

		err := store.Put(ctx, &Credential{Owner: "alice", Username: "svc-noc", Password: "fallback"})
		require.NoError(t, err)

		cred, err := store.Get(ctx, "alice", "core-secrets")
		require.NoError(t, err)
		assert.Equal(t, "svc-noc", cred.Username)
		assert.Equal(t, "fallback", cred.Password)
		assert.Equal(t, DefaultName, cred.Name)
	})

	t.Run("lookup_never_crosses_owners", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, &Credential{Owner: "bob", Username: "bob-svc", Password: "bobpass"}))

		_, err := store.Get(ctx, "alice", "")
		require.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("no_row_no_default_is_missing_credentials", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)

		_, err := store.Get(context.Background(), "alice", "core-secrets")
		require.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("list_scopes_to_owner_and_omits_secrets", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, &Credential{Owner: "alice", Name: "a", Username: "u1", Password: "p1"}))
		require.NoError(t, store.Put(ctx, &Credential{Owner: "alice", Name: "b", Username: "u2", Password: "p2"}))
		require.NoError(t, store.Put(ctx, &Credential{Owner: "bob", Name: "c", Username: "u3", Password: "p3"}))

		creds, err := store.List(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, creds, 2)
		for _, c := range creds {
			assert.Equal(t, "alice", c.Owner)
			assert.Empty(t, c.Password)
		}
	})

	t.Run("delete_removes_row", func(t *testing.T) {
		t.Parallel()
		store, _ := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, &Credential{Owner: "alice", Name: "a", Username: "u", Password: "p"}))
		require.NoError(t, store.Delete(ctx, "alice", "a"))

		_, err := store.Get(ctx, "alice", "a")
		require.ErrorIs(t, err, ErrMissingCredentials)
	})
}
