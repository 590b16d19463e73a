package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
)

// Audit log operations

// SaveAuditLog appends one audit record and returns its id
func (db *DB) SaveAuditLog(entry models.AuditLog) (int64, error) {
	oldValues, err := marshalPayload(entry.OldValues)
	if err != nil {
		return 0, err
	}
	newValues, err := marshalPayload(entry.NewValues)
	if err != nil {
		return 0, err
	}

	result, err := db.conn.Exec(`
		INSERT INTO audit_logs
		(user_id, connection_id, action, resource_type, resource_id, old_values, new_values,
		 status, error_message, execution_time_ms, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.UserID, nullInt64(entry.ConnectionID), entry.Action, entry.ResourceType,
		nullString(entry.ResourceID), oldValues, newValues, entry.Status,
		nullString(entry.ErrorMessage), entry.ExecutionTimeMs,
		nullString(entry.IPAddress), nullString(entry.UserAgent))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const auditColumns = `id, user_id, connection_id, action, resource_type, resource_id,
	old_values, new_values, status, error_message, execution_time_ms, ip_address, user_agent, created_at`

// GetAuditLogs returns recent audit records, newest first
func (db *DB) GetAuditLogs(limit int) ([]models.AuditLog, error) {
	rows, err := db.conn.Query(`
		SELECT `+auditColumns+`
		FROM audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditLogs(rows)
}

// GetAuditLogsByConnection returns recent audit records for one connection
func (db *DB) GetAuditLogsByConnection(connectionID int64, limit int) ([]models.AuditLog, error) {
	rows, err := db.conn.Query(`
		SELECT `+auditColumns+`
		FROM audit_logs
		WHERE connection_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditLogs(rows)
}

// CleanupOldAuditLogs deletes audit records older than the cutoff
func (db *DB) CleanupOldAuditLogs(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := db.conn.Exec(`DELETE FROM audit_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanAuditLogs(rows *sql.Rows) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *entry)
	}
	return logs, rows.Err()
}

func scanAuditLog(row rowScanner) (*models.AuditLog, error) {
	var a models.AuditLog
	var connectionID sql.NullInt64
	var resourceID, oldValues, newValues, errMsg, ipAddress, userAgent sql.NullString
	var execTime sql.NullInt64

	err := row.Scan(&a.ID, &a.UserID, &connectionID, &a.Action, &a.ResourceType,
		&resourceID, &oldValues, &newValues, &a.Status, &errMsg, &execTime,
		&ipAddress, &userAgent, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	if connectionID.Valid {
		id := connectionID.Int64
		a.ConnectionID = &id
	}
	if resourceID.Valid {
		a.ResourceID = resourceID.String
	}
	if oldValues.Valid && oldValues.String != "" {
		if err := json.Unmarshal([]byte(oldValues.String), &a.OldValues); err != nil {
			return nil, err
		}
	}
	if newValues.Valid && newValues.String != "" {
		if err := json.Unmarshal([]byte(newValues.String), &a.NewValues); err != nil {
			return nil, err
		}
	}
	if errMsg.Valid {
		a.ErrorMessage = errMsg.String
	}
	if execTime.Valid {
		a.ExecutionTimeMs = execTime.Int64
	}
	if ipAddress.Valid {
		a.IPAddress = ipAddress.String
	}
	if userAgent.Valid {
		a.UserAgent = userAgent.String
	}

	return &a, nil
}
