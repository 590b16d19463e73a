package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the entity
// operations work inside and outside a transaction.
type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// DB handles database operations
type DB struct {
	conn querier
	root *sql.DB
}

// New creates a new database connection and initializes schema
func New(dbPath string) (*DB, error) {
	// _parseTime=true: Parse TIME columns into time.Time
	// _busy_timeout=5000: Wait up to 5 seconds for locks
	// _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	dsn := dbPath + "?_parseTime=true&_busy_timeout=5000&_journal_mode=WAL"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db := &DB{conn: conn, root: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.root.Close()
}

// Transaction runs fn against a transactional view of the store. The
// transaction is rolled back if fn returns an error, committed otherwise.
func (db *DB) Transaction(fn func(tx *DB) error) error {
	tx, err := db.root.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&DB{conn: tx, root: db.root}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// initSchema creates the database tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT,
		url TEXT NOT NULL,
		token TEXT,
		environment TEXT NOT NULL DEFAULT 'production',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		max_requests_per_minute INTEGER NOT NULL DEFAULT 60,
		timeout_seconds INTEGER NOT NULL DEFAULT 30,
		last_connection_test TIMESTAMP,
		connection_status TEXT NOT NULL DEFAULT 'inactive',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		template_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		template_type TEXT NOT NULL DEFAULT 'custom',
		items_count INTEGER NOT NULL DEFAULT 0,
		triggers_count INTEGER NOT NULL DEFAULT 0,
		history_retention TEXT NOT NULL DEFAULT '7d',
		trends_retention TEXT NOT NULL DEFAULT '30d',
		is_optimized BOOLEAN NOT NULL DEFAULT 0,
		last_sync TIMESTAMP,
		UNIQUE(connection_id, template_id),
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_templates_connection ON templates(connection_id);
	CREATE INDEX IF NOT EXISTS idx_templates_type ON templates(template_type);
	CREATE INDEX IF NOT EXISTS idx_templates_optimized ON templates(connection_id, is_optimized);

	CREATE TABLE IF NOT EXISTS hosts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		host_id TEXT NOT NULL,
		host_name TEXT NOT NULL,
		visible_name TEXT,
		ip_address TEXT,
		status TEXT NOT NULL DEFAULT 'enabled',
		available TEXT NOT NULL DEFAULT 'unknown',
		templates_count INTEGER NOT NULL DEFAULT 0,
		items_count INTEGER NOT NULL DEFAULT 0,
		last_check TIMESTAMP,
		last_sync TIMESTAMP,
		UNIQUE(connection_id, host_id),
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_hosts_connection ON hosts(connection_id);
	CREATE INDEX IF NOT EXISTS idx_hosts_status ON hosts(status, available);

	CREATE TABLE IF NOT EXISTS background_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_type TEXT NOT NULL,
		connection_id INTEGER,
		parameters TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error_message TEXT,
		result_data TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON background_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_type ON background_jobs(job_type, created_at DESC);

	CREATE TABLE IF NOT EXISTS optimization_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT,
		environment TEXT NOT NULL DEFAULT 'all',
		template_pattern TEXT,
		history_from TEXT,
		history_to TEXT NOT NULL DEFAULT '7d',
		trends_from TEXT,
		trends_to TEXT NOT NULL DEFAULT '30d',
		is_active BOOLEAN NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		connection_id INTEGER,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		old_values TEXT,
		new_values TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		execution_time_ms INTEGER,
		ip_address TEXT,
		user_agent TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action, created_at DESC);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Connection operations

// AddConnection adds a new connection
func (db *DB) AddConnection(c models.Connection) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO connections (name, description, url, token, environment, is_active, max_requests_per_minute, timeout_seconds, connection_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Description, c.URL, c.Token, c.Environment, c.IsActive,
		c.MaxRequestsPerMinute, c.TimeoutSeconds, defaultString(c.ConnectionStatus, models.ConnectionInactive),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const connectionColumns = `id, name, description, url, token, environment, is_active,
	max_requests_per_minute, timeout_seconds, last_connection_test, connection_status,
	created_at, updated_at`

// GetConnections returns all connections
func (db *DB) GetConnections() ([]models.Connection, error) {
	rows, err := db.conn.Query(`SELECT ` + connectionColumns + ` FROM connections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanConnections(rows)
}

// GetActiveConnections returns connections flagged active
func (db *DB) GetActiveConnections() ([]models.Connection, error) {
	rows, err := db.conn.Query(`SELECT ` + connectionColumns + ` FROM connections WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanConnections(rows)
}

// GetConnection returns a single connection by ID
func (db *DB) GetConnection(id int64) (*models.Connection, error) {
	row := db.conn.QueryRow(`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)

	c, err := scanConnection(row)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateConnection updates an existing connection. An empty token keeps
// the stored credential (the token is write-only for callers).
func (db *DB) UpdateConnection(c models.Connection) error {
	if c.Token != "" {
		_, err := db.conn.Exec(`
			UPDATE connections
			SET name = ?, description = ?, url = ?, token = ?, environment = ?, is_active = ?,
			    max_requests_per_minute = ?, timeout_seconds = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, c.Name, c.Description, c.URL, c.Token, c.Environment, c.IsActive,
			c.MaxRequestsPerMinute, c.TimeoutSeconds, c.ID)
		return err
	}

	_, err := db.conn.Exec(`
		UPDATE connections
		SET name = ?, description = ?, url = ?, environment = ?, is_active = ?,
		    max_requests_per_minute = ?, timeout_seconds = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, c.Name, c.Description, c.URL, c.Environment, c.IsActive,
		c.MaxRequestsPerMinute, c.TimeoutSeconds, c.ID)
	return err
}

// UpdateConnectionStatus records the outcome of a connection test or sync
func (db *DB) UpdateConnectionStatus(id int64, status string, testedAt time.Time) error {
	_, err := db.conn.Exec(`
		UPDATE connections
		SET connection_status = ?, last_connection_test = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, testedAt, id)
	return err
}

// DeleteConnection deletes a connection and cascades to its templates and hosts
func (db *DB) DeleteConnection(id int64) error {
	_, err := db.conn.Exec("DELETE FROM connections WHERE id = ?", id)
	return err
}

func scanConnections(rows *sql.Rows) ([]models.Connection, error) {
	var connections []models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *c)
	}
	return connections, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	var c models.Connection
	var description, token sql.NullString
	var lastTest sql.NullTime

	err := row.Scan(&c.ID, &c.Name, &description, &c.URL, &token, &c.Environment,
		&c.IsActive, &c.MaxRequestsPerMinute, &c.TimeoutSeconds, &lastTest,
		&c.ConnectionStatus, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		c.Description = description.String
	}
	if token.Valid {
		c.Token = token.String
	}
	if lastTest.Valid {
		t := lastTest.Time
		c.LastConnectionTest = &t
	}

	return &c, nil
}

// GetLastSyncTime returns the newest last_sync across templates and hosts
// for a connection, or nil when nothing has synced yet.
func (db *DB) GetLastSyncTime(connectionID int64) (*time.Time, error) {
	var last sql.NullTime
	err := db.conn.QueryRow(`
		SELECT MAX(last_sync) FROM (
			SELECT last_sync FROM templates WHERE connection_id = ?
			UNION ALL
			SELECT last_sync FROM hosts WHERE connection_id = ?
		)
	`, connectionID, connectionID).Scan(&last)
	if err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
