package storage

import (
	"database/sql"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
)

// Optimization rule operations

// AddRule adds a new optimization rule
func (db *DB) AddRule(r models.OptimizationRule) (int64, error) {
	result, err := db.conn.Exec(`
		INSERT INTO optimization_rules
		(name, description, environment, template_pattern, history_from, history_to, trends_from, trends_to, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Name, r.Description, defaultString(r.Environment, "all"), nullString(r.TemplatePattern),
		nullString(r.HistoryFrom), r.HistoryTo, nullString(r.TrendsFrom), r.TrendsTo, r.IsActive)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const ruleColumns = `id, name, description, environment, template_pattern,
	history_from, history_to, trends_from, trends_to, is_active`

// GetRules returns all optimization rules ordered by id
func (db *DB) GetRules() ([]models.OptimizationRule, error) {
	rows, err := db.conn.Query(`SELECT ` + ruleColumns + ` FROM optimization_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRules(rows)
}

// GetActiveRules returns active rules in deterministic order (id ascending)
// so that first-match-wins selection is stable across runs.
func (db *DB) GetActiveRules() ([]models.OptimizationRule, error) {
	rows, err := db.conn.Query(`SELECT ` + ruleColumns + ` FROM optimization_rules WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRules(rows)
}

// GetRule returns a single rule by ID
func (db *DB) GetRule(id int64) (*models.OptimizationRule, error) {
	row := db.conn.QueryRow(`SELECT `+ruleColumns+` FROM optimization_rules WHERE id = ?`, id)
	return scanRule(row)
}

// UpdateRule updates an existing rule
func (db *DB) UpdateRule(r models.OptimizationRule) error {
	_, err := db.conn.Exec(`
		UPDATE optimization_rules
		SET name = ?, description = ?, environment = ?, template_pattern = ?,
		    history_from = ?, history_to = ?, trends_from = ?, trends_to = ?, is_active = ?
		WHERE id = ?
	`, r.Name, r.Description, defaultString(r.Environment, "all"), nullString(r.TemplatePattern),
		nullString(r.HistoryFrom), r.HistoryTo, nullString(r.TrendsFrom), r.TrendsTo, r.IsActive, r.ID)
	return err
}

// DeleteRule deletes a rule
func (db *DB) DeleteRule(id int64) error {
	_, err := db.conn.Exec("DELETE FROM optimization_rules WHERE id = ?", id)
	return err
}

func scanRules(rows *sql.Rows) ([]models.OptimizationRule, error) {
	var rules []models.OptimizationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*models.OptimizationRule, error) {
	var r models.OptimizationRule
	var description, pattern, historyFrom, trendsFrom sql.NullString

	err := row.Scan(&r.ID, &r.Name, &description, &r.Environment, &pattern,
		&historyFrom, &r.HistoryTo, &trendsFrom, &r.TrendsTo, &r.IsActive)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		r.Description = description.String
	}
	if pattern.Valid {
		r.TemplatePattern = pattern.String
	}
	if historyFrom.Valid {
		r.HistoryFrom = historyFrom.String
	}
	if trendsFrom.Valid {
		r.TrendsFrom = trendsFrom.String
	}

	return &r, nil
}
