package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type HTTPSourceConfig struct {
	Logger     *slog.Logger
	BaseURL    string
	Token      string
	HTTPClient HTTPClient
}

func (c *HTTPSourceConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return nil
}

// HTTPSource reads devices from the inventory service REST API.
type HTTPSource struct {
	cfg *HTTPSourceConfig
	log *slog.Logger
}

func NewHTTPSource(cfg *HTTPSourceConfig) (*HTTPSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPSource{cfg: cfg, log: cfg.Logger}, nil
}

func (s *HTTPSource) GetDevice(ctx context.Context, id string) (*Device, error) {
	endpoint := "/api/devices/?id=" + url.QueryEscape(id) + "&status=active"
	var page devicePage
	if err := s.get(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return &page.Results[0], nil
}

func (s *HTTPSource) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	endpoint := "/api/devices/?status=active"
	for endpoint != "" {
		var page devicePage
		if err := s.get(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		devices = append(devices, page.Results...)
		endpoint = page.Next
	}
	return devices, nil
}

type devicePage struct {
	Results []Device `json:"results"`
	Next    string   `json:"next"`
}

func (s *HTTPSource) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+s.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("inventory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrDeviceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inventory request failed with status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode inventory response: %w", err)
	}
	return nil
}
