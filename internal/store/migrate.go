package store

import (
	"context"
	"fmt"
)

// migrations run in listed order at startup. Every statement is
// idempotent, so a crash between two of them re-runs cleanly.
var migrations = []struct {
	name string
	stmt string
}{
	{"users", `
		CREATE TABLE IF NOT EXISTS users (
			username      TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},

	{"credentials", `
		CREATE TABLE IF NOT EXISTS credentials (
			owner      TEXT NOT NULL,
			name       TEXT NOT NULL,
			username   TEXT NOT NULL,
			secret     BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (owner, name)
		)`},

	{"command_blobs", `
		CREATE TABLE IF NOT EXISTS command_blobs (
			device_id  TEXT NOT NULL,
			command    TEXT NOT NULL,
			payload    BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (device_id, command)
		)`},
	{"command_blobs_updated_idx", `
		CREATE INDEX IF NOT EXISTS command_blobs_updated_idx
		ON command_blobs (updated_at)`},

	{"topo_devices", `
		CREATE TABLE IF NOT EXISTS topo_devices (
			device_id         TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			primary_ip        TEXT NOT NULL DEFAULT '',
			platform          TEXT NOT NULL DEFAULT '',
			last_updated      TIMESTAMPTZ,
			cache_valid_until TIMESTAMPTZ,
			polling_enabled   BOOLEAN NOT NULL DEFAULT TRUE
		)`},

	{"topo_interfaces", `
		CREATE TABLE IF NOT EXISTS topo_interfaces (
			device_id   TEXT NOT NULL REFERENCES topo_devices (device_id) ON DELETE CASCADE,
			pos         INT NOT NULL,
			name        TEXT NOT NULL,
			mac         TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			protocol    TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			speed       TEXT NOT NULL DEFAULT '',
			duplex      TEXT NOT NULL DEFAULT '',
			mtu         TEXT NOT NULL DEFAULT '',
			vlan        TEXT NOT NULL DEFAULT ''
		)`},
	{"topo_interfaces_device_idx", `
		CREATE INDEX IF NOT EXISTS topo_interfaces_device_idx
		ON topo_interfaces (device_id)`},

	{"topo_ips", `
		CREATE TABLE IF NOT EXISTS topo_ips (
			device_id      TEXT NOT NULL REFERENCES topo_devices (device_id) ON DELETE CASCADE,
			pos            INT NOT NULL,
			interface_name TEXT NOT NULL DEFAULT '',
			address        TEXT NOT NULL,
			prefix_length  INT NOT NULL DEFAULT 0,
			version        INT NOT NULL DEFAULT 4,
			is_primary     BOOLEAN NOT NULL DEFAULT FALSE
		)`},
	{"topo_ips_device_idx", `
		CREATE INDEX IF NOT EXISTS topo_ips_device_idx
		ON topo_ips (device_id)`},
	{"topo_ips_address_idx", `
		CREATE INDEX IF NOT EXISTS topo_ips_address_idx
		ON topo_ips (split_part(address, '/', 1))`},

	{"topo_arp", `
		CREATE TABLE IF NOT EXISTS topo_arp (
			device_id      TEXT NOT NULL REFERENCES topo_devices (device_id) ON DELETE CASCADE,
			pos            INT NOT NULL,
			ip             TEXT NOT NULL,
			mac            TEXT NOT NULL DEFAULT '',
			interface_name TEXT NOT NULL DEFAULT '',
			age            TEXT NOT NULL DEFAULT '',
			arp_type       TEXT NOT NULL DEFAULT ''
		)`},
	{"topo_arp_device_idx", `
		CREATE INDEX IF NOT EXISTS topo_arp_device_idx
		ON topo_arp (device_id)`},

	{"topo_mac", `
		CREATE TABLE IF NOT EXISTS topo_mac (
			device_id      TEXT NOT NULL REFERENCES topo_devices (device_id) ON DELETE CASCADE,
			pos            INT NOT NULL,
			mac            TEXT NOT NULL,
			vlan           TEXT NOT NULL DEFAULT '',
			interface_name TEXT NOT NULL DEFAULT '',
			entry_type     TEXT NOT NULL DEFAULT ''
		)`},
	{"topo_mac_device_idx", `
		CREATE INDEX IF NOT EXISTS topo_mac_device_idx
		ON topo_mac (device_id)`},
	{"topo_mac_mac_idx", `
		CREATE INDEX IF NOT EXISTS topo_mac_mac_idx
		ON topo_mac (lower(mac))`},

	{"topo_cdp", `
		CREATE TABLE IF NOT EXISTS topo_cdp (
			device_id          TEXT NOT NULL REFERENCES topo_devices (device_id) ON DELETE CASCADE,
			pos                INT NOT NULL,
			local_interface    TEXT NOT NULL DEFAULT '',
			neighbor_name      TEXT NOT NULL DEFAULT '',
			neighbor_ip        TEXT NOT NULL DEFAULT '',
			neighbor_interface TEXT NOT NULL DEFAULT '',
			platform           TEXT NOT NULL DEFAULT '',
			capabilities       TEXT NOT NULL DEFAULT ''
		)`},
	{"topo_cdp_device_idx", `
		CREATE INDEX IF NOT EXISTS topo_cdp_device_idx
		ON topo_cdp (device_id)`},

	{"topo_routes", `
		CREATE TABLE IF NOT EXISTS topo_routes (
			device_id           TEXT NOT NULL REFERENCES topo_devices (device_id) ON DELETE CASCADE,
			pos                 INT NOT NULL,
			route_type          TEXT NOT NULL,
			destination_network TEXT NOT NULL DEFAULT '',
			nexthop_ip          TEXT NOT NULL DEFAULT '',
			metric              INT NOT NULL DEFAULT 0,
			distance            INT NOT NULL DEFAULT 0,
			interface_name      TEXT NOT NULL DEFAULT '',
			area                TEXT NOT NULL DEFAULT '',
			ospf_type           TEXT NOT NULL DEFAULT '',
			local_pref          INT NOT NULL DEFAULT 0,
			weight              INT NOT NULL DEFAULT 0,
			as_path             TEXT NOT NULL DEFAULT '',
			origin              TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT ''
		)`},
	{"topo_routes_device_type_idx", `
		CREATE INDEX IF NOT EXISTS topo_routes_device_type_idx
		ON topo_routes (device_id, route_type)`},

	{"baselines", `
		CREATE TABLE IF NOT EXISTS baselines (
			device_id         TEXT NOT NULL,
			command           TEXT NOT NULL,
			version           INT NOT NULL,
			raw_output        TEXT NOT NULL DEFAULT '',
			normalized_output TEXT NOT NULL DEFAULT '',
			notes             TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (device_id, command, version)
		)`},

	{"scheduled_tasks", `
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			task            TEXT NOT NULL,
			kwargs          JSONB NOT NULL DEFAULT 'null',
			every_seconds   INT NOT NULL DEFAULT 0,
			crontab         TEXT NOT NULL DEFAULT '',
			enabled         BOOLEAN NOT NULL DEFAULT TRUE,
			one_off         BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at      TIMESTAMPTZ,
			last_run_at     TIMESTAMPTZ,
			total_run_count INT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ
		)`},

	{"task_ownership", `
		CREATE TABLE IF NOT EXISTS task_ownership (
			scheduled_task_id TEXT PRIMARY KEY REFERENCES scheduled_tasks (id) ON DELETE CASCADE,
			owner_username    TEXT NOT NULL,
			owner_user_id     TEXT NOT NULL DEFAULT ''
		)`},

	{"config_tunables", `
		CREATE TABLE IF NOT EXISTS config_tunables (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m.stmt); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	s.log.Debug("migrations applied", "count", len(migrations))
	return nil
}
