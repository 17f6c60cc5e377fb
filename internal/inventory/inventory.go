// Package inventory resolves devices against the source-of-truth inventory
// service. The inventory owns device records; this package only reads them.
// Lookups are read-through cached so that a discovery run over a few
// hundred devices does not hammer the inventory API.
package inventory

import (
	"context"
	"errors"
)

// ErrDeviceNotFound is returned when the inventory has no active device
// with the requested id.
var ErrDeviceNotFound = errors.New("device not found in inventory")

// Device is the slice of the inventory record the execution pipeline
// needs: where to connect, which command dialect to speak, and which of the
// caller's credentials to use.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PrimaryIP   string `json:"primary_ip"`
	Platform    string `json:"platform"`
	Driver      string `json:"driver"`
	SecretGroup string `json:"secret_group"`
	Status      string `json:"status"`
	Site        string `json:"site"`
	Role        string `json:"role"`
}

// Source provides device lookups. Implementations must treat ID as the
// unique key and return ErrDeviceNotFound for unknown or inactive devices.
type Source interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
}
