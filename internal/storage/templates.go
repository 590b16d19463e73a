package storage

import (
	"database/sql"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
)

// Template operations

// UpsertTemplate inserts or updates a template keyed by (connection, remote id)
func (db *DB) UpsertTemplate(t models.Template) error {
	_, err := db.conn.Exec(`
		INSERT INTO templates
		(connection_id, template_id, name, description, template_type, items_count, triggers_count, history_retention, trends_retention, is_optimized, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, template_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			template_type = excluded.template_type,
			items_count = excluded.items_count,
			triggers_count = excluded.triggers_count,
			history_retention = excluded.history_retention,
			trends_retention = excluded.trends_retention,
			is_optimized = excluded.is_optimized,
			last_sync = excluded.last_sync
	`, t.ConnectionID, t.TemplateID, t.Name, t.Description, t.TemplateType,
		t.ItemsCount, t.TriggersCount, t.HistoryRetention, t.TrendsRetention,
		t.IsOptimized, nullTime(t.LastSync))
	return err
}

const templateColumns = `id, connection_id, template_id, name, description, template_type,
	items_count, triggers_count, history_retention, trends_retention, is_optimized, last_sync`

// GetTemplates returns all templates for a connection
func (db *DB) GetTemplates(connectionID int64) ([]models.Template, error) {
	rows, err := db.conn.Query(`
		SELECT `+templateColumns+`
		FROM templates
		WHERE connection_id = ?
		ORDER BY name
	`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTemplates(rows)
}

// GetTemplate returns a single template by local ID
func (db *DB) GetTemplate(id int64) (*models.Template, error) {
	row := db.conn.QueryRow(`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	return scanTemplate(row)
}

// GetTemplateByRemoteID returns a template by its remote identifier
func (db *DB) GetTemplateByRemoteID(connectionID int64, templateID string) (*models.Template, error) {
	row := db.conn.QueryRow(`
		SELECT `+templateColumns+`
		FROM templates
		WHERE connection_id = ? AND template_id = ?
	`, connectionID, templateID)
	return scanTemplate(row)
}

// GetTemplatesNeedingOptimization returns non-system templates not yet optimized
func (db *DB) GetTemplatesNeedingOptimization(connectionID int64) ([]models.Template, error) {
	rows, err := db.conn.Query(`
		SELECT `+templateColumns+`
		FROM templates
		WHERE connection_id = ? AND is_optimized = 0 AND template_type != 'system'
		ORDER BY name
	`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTemplates(rows)
}

// MarkTemplateOptimized flips the optimized flag for a single template
func (db *DB) MarkTemplateOptimized(connectionID int64, templateID string, when time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE templates
		SET is_optimized = 1, last_sync = ?
		WHERE connection_id = ? AND template_id = ?
	`, when, connectionID, templateID)
	return err
}

// MarkTemplatesOptimized flips the optimized flag for a set of remote template ids
// and returns the number of rows updated.
func (db *DB) MarkTemplatesOptimized(connectionID int64, templateIDs []string, when time.Time) (int64, error) {
	var updated int64
	for _, id := range templateIDs {
		result, err := db.conn.Exec(`
			UPDATE templates
			SET is_optimized = 1, last_sync = ?
			WHERE connection_id = ? AND template_id = ?
		`, when, connectionID, id)
		if err != nil {
			return updated, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return updated, err
		}
		updated += n
	}
	return updated, nil
}

// GetLastOptimizationTime returns the newest last_sync among optimized
// templates of a connection, or nil when none are optimized.
func (db *DB) GetLastOptimizationTime(connectionID int64) (*time.Time, error) {
	var last sql.NullTime
	err := db.conn.QueryRow(`
		SELECT MAX(last_sync) FROM templates
		WHERE connection_id = ? AND is_optimized = 1
	`, connectionID).Scan(&last)
	if err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

// CountTemplates returns the number of templates for a connection
func (db *DB) CountTemplates(connectionID int64) (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM templates WHERE connection_id = ?`, connectionID).Scan(&count)
	return count, err
}

// TemplateStats summarizes templates for a connection
type TemplateStats struct {
	Total             int `json:"total_templates"`
	System            int `json:"system_templates"`
	Custom            int `json:"custom_templates"`
	Imported          int `json:"imported_templates"`
	Optimized         int `json:"optimized_templates"`
	NeedsOptimization int `json:"needs_optimization"`
}

// GetTemplateStats returns aggregate template counts for a connection
func (db *DB) GetTemplateStats(connectionID int64) (*TemplateStats, error) {
	var s TemplateStats
	err := db.conn.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN template_type = 'system' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN template_type = 'custom' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN template_type = 'imported' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_optimized = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_optimized = 0 AND template_type != 'system' THEN 1 ELSE 0 END), 0)
		FROM templates
		WHERE connection_id = ?
	`, connectionID).Scan(&s.Total, &s.System, &s.Custom, &s.Imported, &s.Optimized, &s.NeedsOptimization)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanTemplates(rows *sql.Rows) ([]models.Template, error) {
	var templates []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	var t models.Template
	var description sql.NullString
	var lastSync sql.NullTime

	err := row.Scan(&t.ID, &t.ConnectionID, &t.TemplateID, &t.Name, &description,
		&t.TemplateType, &t.ItemsCount, &t.TriggersCount, &t.HistoryRetention,
		&t.TrendsRetention, &t.IsOptimized, &lastSync)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		t.Description = description.String
	}
	if lastSync.Valid {
		ts := lastSync.Time
		t.LastSync = &ts
	}

	return &t, nil
}
