package storage

import (
	"database/sql"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
)

// Host operations

// UpsertHost inserts or updates a host keyed by (connection, remote id)
func (db *DB) UpsertHost(h models.Host) error {
	_, err := db.conn.Exec(`
		INSERT INTO hosts
		(connection_id, host_id, host_name, visible_name, ip_address, status, available, templates_count, items_count, last_check, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, host_id) DO UPDATE SET
			host_name = excluded.host_name,
			visible_name = excluded.visible_name,
			ip_address = excluded.ip_address,
			status = excluded.status,
			available = excluded.available,
			templates_count = excluded.templates_count,
			items_count = excluded.items_count,
			last_check = excluded.last_check,
			last_sync = excluded.last_sync
	`, h.ConnectionID, h.HostID, h.HostName, h.VisibleName, nullString(h.IPAddress),
		h.Status, h.Available, h.TemplatesCount, h.ItemsCount,
		nullTime(h.LastCheck), nullTime(h.LastSync))
	return err
}

const hostColumns = `id, connection_id, host_id, host_name, visible_name, ip_address,
	status, available, templates_count, items_count, last_check, last_sync`

// GetHosts returns all hosts for a connection
func (db *DB) GetHosts(connectionID int64) ([]models.Host, error) {
	rows, err := db.conn.Query(`
		SELECT `+hostColumns+`
		FROM hosts
		WHERE connection_id = ?
		ORDER BY host_name
	`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHosts(rows)
}

// GetHostByRemoteID returns a host by its remote identifier
func (db *DB) GetHostByRemoteID(connectionID int64, hostID string) (*models.Host, error) {
	row := db.conn.QueryRow(`
		SELECT `+hostColumns+`
		FROM hosts
		WHERE connection_id = ? AND host_id = ?
	`, connectionID, hostID)
	return scanHost(row)
}

// GetHostsByStatus returns hosts for a connection filtered by status
func (db *DB) GetHostsByStatus(connectionID int64, status string) ([]models.Host, error) {
	rows, err := db.conn.Query(`
		SELECT `+hostColumns+`
		FROM hosts
		WHERE connection_id = ? AND status = ?
		ORDER BY host_name
	`, connectionID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHosts(rows)
}

// CountHosts returns the number of hosts for a connection
func (db *DB) CountHosts(connectionID int64) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM hosts WHERE connection_id = ?`, connectionID).Scan(&count)
	return count, err
}

// HostStats summarizes hosts for a connection
type HostStats struct {
	Total       int `json:"total_hosts"`
	Enabled     int `json:"enabled_hosts"`
	Disabled    int `json:"disabled_hosts"`
	Maintenance int `json:"maintenance_hosts"`
	Available   int `json:"available_hosts"`
	Unavailable int `json:"unavailable_hosts"`
	Unknown     int `json:"unknown_hosts"`
	Healthy     int `json:"healthy_hosts"`
}

// GetHostStats returns aggregate host counts for a connection
func (db *DB) GetHostStats(connectionID int64) (*HostStats, error) {
	var s HostStats
	err := db.conn.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'enabled' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'disabled' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'maintenance' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN available = 'available' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN available = 'unavailable' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN available = 'unknown' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'enabled' AND available = 'available' THEN 1 ELSE 0 END), 0)
		FROM hosts
		WHERE connection_id = ?
	`, connectionID).Scan(&s.Total, &s.Enabled, &s.Disabled, &s.Maintenance,
		&s.Available, &s.Unavailable, &s.Unknown, &s.Healthy)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanHosts(rows *sql.Rows) ([]models.Host, error) {
	var hosts []models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

func scanHost(row rowScanner) (*models.Host, error) {
	var h models.Host
	var visibleName, ipAddress sql.NullString
	var lastCheck, lastSync sql.NullTime

	err := row.Scan(&h.ID, &h.ConnectionID, &h.HostID, &h.HostName, &visibleName,
		&ipAddress, &h.Status, &h.Available, &h.TemplatesCount, &h.ItemsCount,
		&lastCheck, &lastSync)
	if err != nil {
		return nil, err
	}

	if visibleName.Valid {
		h.VisibleName = visibleName.String
	}
	if ipAddress.Valid {
		h.IPAddress = ipAddress.String
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		h.LastCheck = &t
	}
	if lastSync.Valid {
		t := lastSync.Time
		h.LastSync = &t
	}

	return &h, nil
}
