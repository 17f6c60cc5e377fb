package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spinelabs/spine/internal/netstate"
)

// Replace swaps one kind's rows for one device inside a transaction. The
// parent upsert takes the device row lock, so concurrent replaces for the
// same device serialize on it instead of interleaving deletes and inserts.
func (s *Store) Replace(ctx context.Context, meta netstate.DeviceMeta, set *netstate.TypedSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO topo_devices (device_id, name, primary_ip, platform, last_updated, cache_valid_until, polling_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO UPDATE
		SET name = EXCLUDED.name,
		    primary_ip = EXCLUDED.primary_ip,
		    platform = EXCLUDED.platform,
		    last_updated = EXCLUDED.last_updated,
		    cache_valid_until = EXCLUDED.cache_valid_until,
		    polling_enabled = EXCLUDED.polling_enabled`,
		meta.ID, meta.Name, meta.PrimaryIP, meta.Platform,
		nullableTime(meta.LastUpdated), nullableTime(meta.CacheValidUntil), meta.PollingEnabled)
	if err != nil {
		return replaceErr(err)
	}

	switch set.Kind {
	case netstate.KindInterfaces:
		err = replaceInterfaces(ctx, tx, meta.ID, set)
	case netstate.KindARP:
		err = replaceARP(ctx, tx, meta.ID, set.ARP)
	case netstate.KindCDP:
		err = replaceCDP(ctx, tx, meta.ID, set.CDP)
	case netstate.KindMAC:
		err = replaceMAC(ctx, tx, meta.ID, set.MAC)
	case netstate.KindRouteStatic, netstate.KindRouteOSPF, netstate.KindRouteBGP:
		rt, _ := set.Kind.RouteType()
		err = replaceRoutes(ctx, tx, meta.ID, rt, set.Routes)
	default:
		return fmt.Errorf("unknown typed kind %q", set.Kind)
	}
	if err != nil {
		return replaceErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return replaceErr(err)
	}
	return nil
}

func replaceErr(err error) error {
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", netstate.ErrReplaceConflict, err)
	}
	return fmt.Errorf("failed to replace topology rows: %w", err)
}

func replaceInterfaces(ctx context.Context, tx pgx.Tx, deviceID string, set *netstate.TypedSet) error {
	if _, err := tx.Exec(ctx, `DELETE FROM topo_interfaces WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM topo_ips WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	if len(set.Interfaces) > 0 {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"topo_interfaces"},
			[]string{"device_id", "pos", "name", "mac", "status", "protocol", "description", "speed", "duplex", "mtu", "vlan"},
			pgx.CopyFromSlice(len(set.Interfaces), func(i int) ([]any, error) {
				r := set.Interfaces[i]
				return []any{deviceID, i, r.Name, r.MAC, r.Status, r.Protocol, r.Description, r.Speed, r.Duplex, r.MTU, r.VLAN}, nil
			}))
		if err != nil {
			return err
		}
	}
	if len(set.IPs) > 0 {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"topo_ips"},
			[]string{"device_id", "pos", "interface_name", "address", "prefix_length", "version", "is_primary"},
			pgx.CopyFromSlice(len(set.IPs), func(i int) ([]any, error) {
				r := set.IPs[i]
				return []any{deviceID, i, r.InterfaceName, r.Address, r.PrefixLength, r.Version, r.IsPrimary}, nil
			}))
		if err != nil {
			return err
		}
	}
	return nil
}

func replaceARP(ctx context.Context, tx pgx.Tx, deviceID string, rows []netstate.ARPEntry) error {
	if _, err := tx.Exec(ctx, `DELETE FROM topo_arp WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"topo_arp"},
		[]string{"device_id", "pos", "ip", "mac", "interface_name", "age", "arp_type"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{deviceID, i, r.IP, r.MAC, r.InterfaceName, r.Age, r.ARPType}, nil
		}))
	return err
}

func replaceMAC(ctx context.Context, tx pgx.Tx, deviceID string, rows []netstate.MACTableEntry) error {
	if _, err := tx.Exec(ctx, `DELETE FROM topo_mac WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"topo_mac"},
		[]string{"device_id", "pos", "mac", "vlan", "interface_name", "entry_type"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{deviceID, i, r.MAC, r.VLAN, r.InterfaceName, r.EntryType}, nil
		}))
	return err
}

func replaceCDP(ctx context.Context, tx pgx.Tx, deviceID string, rows []netstate.CDPNeighbor) error {
	if _, err := tx.Exec(ctx, `DELETE FROM topo_cdp WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"topo_cdp"},
		[]string{"device_id", "pos", "local_interface", "neighbor_name", "neighbor_ip", "neighbor_interface", "platform", "capabilities"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{deviceID, i, r.LocalInterface, r.NeighborName, r.NeighborIP, r.NeighborInterface, r.Platform, r.Capabilities}, nil
		}))
	return err
}

func replaceRoutes(ctx context.Context, tx pgx.Tx, deviceID string, rt netstate.RouteType, rows []netstate.Route) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM topo_routes WHERE device_id = $1 AND route_type = $2`, deviceID, string(rt)); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"topo_routes"},
		[]string{"device_id", "pos", "route_type", "destination_network", "nexthop_ip", "metric", "distance",
			"interface_name", "area", "ospf_type", "local_pref", "weight", "as_path", "origin", "status"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{deviceID, i, string(rt), r.DestinationNetwork, r.NexthopIP, r.Metric, r.Distance,
				r.InterfaceName, r.Area, r.OSPFType, r.LocalPref, r.Weight, r.ASPath, r.Origin, r.Status}, nil
		}))
	return err
}

const deviceColumns = `device_id, name, primary_ip, platform, last_updated, cache_valid_until, polling_enabled`

func scanDevice(row pgx.Row) (*netstate.DeviceMeta, error) {
	meta := &netstate.DeviceMeta{}
	var lastUpdated, validUntil *time.Time
	err := row.Scan(&meta.ID, &meta.Name, &meta.PrimaryIP, &meta.Platform,
		&lastUpdated, &validUntil, &meta.PollingEnabled)
	if err != nil {
		return nil, err
	}
	meta.LastUpdated = timeValue(lastUpdated)
	meta.CacheValidUntil = timeValue(validUntil)
	return meta, nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*netstate.DeviceMeta, error) {
	meta, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM topo_devices WHERE device_id = $1`, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", netstate.ErrTopoDeviceNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device: %w", err)
	}
	return meta, nil
}

func (s *Store) ListDevices(ctx context.Context, ids []string) ([]netstate.DeviceMeta, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(ids) == 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+deviceColumns+` FROM topo_devices ORDER BY device_id`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+deviceColumns+` FROM topo_devices WHERE device_id = ANY($1) ORDER BY device_id`, ids)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var metas []netstate.DeviceMeta
	for rows.Next() {
		meta, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, *meta)
	}
	return metas, rows.Err()
}

func (s *Store) Interfaces(ctx context.Context, deviceID string) ([]netstate.Interface, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, name, mac, status, protocol, description, speed, duplex, mtu, vlan
		FROM topo_interfaces
		WHERE device_id = $1
		ORDER BY pos`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	defer rows.Close()

	var out []netstate.Interface
	for rows.Next() {
		var r netstate.Interface
		if err := rows.Scan(&r.DeviceID, &r.Name, &r.MAC, &r.Status, &r.Protocol,
			&r.Description, &r.Speed, &r.Duplex, &r.MTU, &r.VLAN); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) IPs(ctx context.Context, deviceID string) ([]netstate.IPAddress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, interface_name, address, prefix_length, version, is_primary
		FROM topo_ips
		WHERE device_id = $1
		ORDER BY pos`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ip addresses: %w", err)
	}
	defer rows.Close()

	var out []netstate.IPAddress
	for rows.Next() {
		var r netstate.IPAddress
		if err := rows.Scan(&r.DeviceID, &r.InterfaceName, &r.Address,
			&r.PrefixLength, &r.Version, &r.IsPrimary); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ARP(ctx context.Context, deviceID string) ([]netstate.ARPEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, ip, mac, interface_name, age, arp_type
		FROM topo_arp
		WHERE device_id = $1
		ORDER BY pos`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list arp entries: %w", err)
	}
	defer rows.Close()

	var out []netstate.ARPEntry
	for rows.Next() {
		var r netstate.ARPEntry
		if err := rows.Scan(&r.DeviceID, &r.IP, &r.MAC, &r.InterfaceName, &r.Age, &r.ARPType); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MAC(ctx context.Context, deviceID string) ([]netstate.MACTableEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, mac, vlan, interface_name, entry_type
		FROM topo_mac
		WHERE device_id = $1
		ORDER BY pos`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mac entries: %w", err)
	}
	defer rows.Close()

	var out []netstate.MACTableEntry
	for rows.Next() {
		var r netstate.MACTableEntry
		if err := rows.Scan(&r.DeviceID, &r.MAC, &r.VLAN, &r.InterfaceName, &r.EntryType); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CDP(ctx context.Context, deviceID string) ([]netstate.CDPNeighbor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, local_interface, neighbor_name, neighbor_ip, neighbor_interface, platform, capabilities
		FROM topo_cdp
		WHERE device_id = $1
		ORDER BY pos`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cdp neighbors: %w", err)
	}
	defer rows.Close()

	var out []netstate.CDPNeighbor
	for rows.Next() {
		var r netstate.CDPNeighbor
		if err := rows.Scan(&r.DeviceID, &r.LocalInterface, &r.NeighborName, &r.NeighborIP,
			&r.NeighborInterface, &r.Platform, &r.Capabilities); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Routes(ctx context.Context, deviceID string, types []netstate.RouteType) ([]netstate.Route, error) {
	query := `
		SELECT device_id, route_type, destination_network, nexthop_ip, metric, distance,
		       interface_name, area, ospf_type, local_pref, weight, as_path, origin, status
		FROM topo_routes
		WHERE device_id = $1`
	args := []any{deviceID}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		query += ` AND route_type = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY route_type, pos`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer rows.Close()

	var out []netstate.Route
	for rows.Next() {
		var r netstate.Route
		var rt string
		if err := rows.Scan(&r.DeviceID, &rt, &r.DestinationNetwork, &r.NexthopIP, &r.Metric, &r.Distance,
			&r.InterfaceName, &r.Area, &r.OSPFType, &r.LocalPref, &r.Weight, &r.ASPath, &r.Origin, &r.Status); err != nil {
			return nil, err
		}
		r.Type = netstate.RouteType(rt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FindDevicesByIP(ctx context.Context, ip string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT device_id
		FROM topo_ips
		WHERE split_part(address, '/', 1) = split_part($1, '/', 1)
		ORDER BY device_id`, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to find devices by ip: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}

func (s *Store) FindMACEntries(ctx context.Context, mac string) ([]netstate.MACTableEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, mac, vlan, interface_name, entry_type
		FROM topo_mac
		WHERE lower(mac) = lower($1)
		ORDER BY device_id, pos`, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to find mac entries: %w", err)
	}
	defer rows.Close()

	var out []netstate.MACTableEntry
	for rows.Next() {
		var r netstate.MACTableEntry
		if err := rows.Scan(&r.DeviceID, &r.MAC, &r.VLAN, &r.InterfaceName, &r.EntryType); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (*netstate.TopoStats, error) {
	stats := &netstate.TopoStats{Routes: make(map[string]int)}
	for _, c := range []struct {
		dst   *int
		query string
	}{
		{&stats.Devices, `SELECT COUNT(*) FROM topo_devices`},
		{&stats.Interfaces, `SELECT COUNT(*) FROM topo_interfaces`},
		{&stats.IPs, `SELECT COUNT(*) FROM topo_ips`},
		{&stats.ARP, `SELECT COUNT(*) FROM topo_arp`},
		{&stats.MAC, `SELECT COUNT(*) FROM topo_mac`},
		{&stats.CDP, `SELECT COUNT(*) FROM topo_cdp`},
	} {
		if err := s.pool.QueryRow(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count topology rows: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT route_type, COUNT(*) FROM topo_routes GROUP BY route_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count routes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rt string
		var n int
		if err := rows.Scan(&rt, &n); err != nil {
			return nil, err
		}
		stats.Routes[rt] = n
	}
	return stats, rows.Err()
}
