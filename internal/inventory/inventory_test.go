package inventory

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInventory_HTTPSource_GetDevice(t *testing.T) {
	t.Parallel()

	t.Run("returns_matching_device", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
			assert.Equal(t, "9f2d", r.URL.Query().Get("id"))
			writeJSON(t, w, devicePage{Results: []Device{{
				ID:          "9f2d",
				Name:        "core-sw-01",
				PrimaryIP:   "10.0.0.1",
				Platform:    "Catalyst 9300",
				Driver:      "cisco_ios",
				SecretGroup: "campus",
				Status:      "active",
			}}})
		}))
		defer srv.Close()

		source, err := NewHTTPSource(&HTTPSourceConfig{
			Logger:  newTestLogger(),
			BaseURL: srv.URL,
			Token:   "secret",
		})
		require.NoError(t, err)

		dev, err := source.GetDevice(context.Background(), "9f2d")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", dev.PrimaryIP)
		assert.Equal(t, "cisco_ios", dev.Driver)
		assert.Equal(t, "campus", dev.SecretGroup)
	})

	t.Run("empty_result_is_not_found", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, devicePage{})
		}))
		defer srv.Close()

		source, err := NewHTTPSource(&HTTPSourceConfig{
			Logger:  newTestLogger(),
			BaseURL: srv.URL,
		})
		require.NoError(t, err)

		_, err = source.GetDevice(context.Background(), "ghost")
		require.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("server_error_is_surfaced", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		source, err := NewHTTPSource(&HTTPSourceConfig{
			Logger:  newTestLogger(),
			BaseURL: srv.URL,
		})
		require.NoError(t, err)

		_, err = source.GetDevice(context.Background(), "9f2d")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrDeviceNotFound)
	})
}

func TestInventory_HTTPSource_ListDevices_Paginates(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "" {
			writeJSON(t, w, devicePage{
				Results: []Device{{ID: "d1", Name: "core-sw-01"}},
				Next:    "/api/devices/?status=active&offset=1",
			})
			return
		}
		writeJSON(t, w, devicePage{Results: []Device{{ID: "d2", Name: "edge-rtr-01"}}})
	}))
	defer srv.Close()

	source, err := NewHTTPSource(&HTTPSourceConfig{
		Logger:  newTestLogger(),
		BaseURL: srv.URL,
	})
	require.NoError(t, err)

	devices, err := source.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "core-sw-01", devices[0].Name)
	assert.Equal(t, "edge-rtr-01", devices[1].Name)
}

func TestInventory_CachedSource(t *testing.T) {
	t.Parallel()

	t.Run("second_lookup_hits_cache", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		upstream := &mockSource{
			GetDeviceFunc: func(ctx context.Context, id string) (*Device, error) {
				calls.Add(1)
				return &Device{ID: id, Name: "core-sw-01", PrimaryIP: "10.0.0.1"}, nil
			},
		}

		source, err := NewCachedSource(&CachedSourceConfig{
			Logger: newTestLogger(),
			Source: upstream,
			TTL:    time.Minute,
		})
		require.NoError(t, err)

		for range 3 {
			dev, err := source.GetDevice(context.Background(), "d1")
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.1", dev.PrimaryIP)
		}
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("not_found_is_not_cached", func(t *testing.T) {
		t.Parallel()

		backing := NewMemorySource()
		source, err := NewCachedSource(&CachedSourceConfig{
			Logger: newTestLogger(),
			Source: backing,
			TTL:    time.Minute,
		})
		require.NoError(t, err)

		_, err = source.GetDevice(context.Background(), "d1")
		require.ErrorIs(t, err, ErrDeviceNotFound)

		backing.PutDevice(Device{ID: "d1", Name: "core-sw-01", PrimaryIP: "10.0.0.1"})

		dev, err := source.GetDevice(context.Background(), "d1")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", dev.PrimaryIP)
	})

	t.Run("list_seeds_device_lookups", func(t *testing.T) {
		t.Parallel()

		var getCalls atomic.Int64
		upstream := &mockSource{
			GetDeviceFunc: func(ctx context.Context, id string) (*Device, error) {
				getCalls.Add(1)
				return nil, ErrDeviceNotFound
			},
			ListDevicesFunc: func(ctx context.Context) ([]Device, error) {
				return []Device{{ID: "d1", Name: "core-sw-01"}, {ID: "d2", Name: "edge-rtr-01"}}, nil
			},
		}

		source, err := NewCachedSource(&CachedSourceConfig{
			Logger: newTestLogger(),
			Source: upstream,
			TTL:    time.Minute,
		})
		require.NoError(t, err)

		_, err = source.ListDevices(context.Background())
		require.NoError(t, err)

		dev, err := source.GetDevice(context.Background(), "d2")
		require.NoError(t, err)
		assert.Equal(t, "edge-rtr-01", dev.Name)
		assert.Equal(t, int64(0), getCalls.Load())
	})
}

type mockSource struct {
	GetDeviceFunc   func(ctx context.Context, id string) (*Device, error)
	ListDevicesFunc func(ctx context.Context) ([]Device, error)
}

func (m *mockSource) GetDevice(ctx context.Context, id string) (*Device, error) {
	return m.GetDeviceFunc(ctx, id)
}

func (m *mockSource) ListDevices(ctx context.Context) ([]Device, error) {
	return m.ListDevicesFunc(ctx)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}
