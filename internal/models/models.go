package models

import "time"

// Connection environments
const (
	EnvLocal      = "local"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Connection statuses
const (
	ConnectionActive   = "active"
	ConnectionInactive = "inactive"
	ConnectionError    = "error"
)

// Template types
const (
	TemplateSystem   = "system"
	TemplateCustom   = "custom"
	TemplateImported = "imported"
)

// Host statuses
const (
	HostEnabled     = "enabled"
	HostDisabled    = "disabled"
	HostMaintenance = "maintenance"
)

// Host availability
const (
	AvailabilityUnknown     = "unknown"
	AvailabilityAvailable   = "available"
	AvailabilityUnavailable = "unavailable"
)

// Job statuses
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Audit outcomes
const (
	AuditSuccess = "success"
	AuditFailed  = "failed"
	AuditPartial = "partial"
)

// Connection represents a registered remote Zabbix server reachable through
// the MCP gateway.
type Connection struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	Description          string     `json:"description"`
	URL                  string     `json:"url"`
	Token                string     `json:"-"` // write-only credential, never serialized
	Environment          string     `json:"environment"` // local, staging, production
	IsActive             bool       `json:"is_active"`
	MaxRequestsPerMinute int        `json:"max_requests_per_minute"`
	TimeoutSeconds       int        `json:"timeout_seconds"`
	LastConnectionTest   *time.Time `json:"last_connection_test,omitempty"`
	ConnectionStatus     string     `json:"connection_status"` // active, inactive, error
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Template mirrors one monitoring template on a remote Zabbix server.
type Template struct {
	ID               int64      `json:"id"`
	ConnectionID     int64      `json:"connection_id"`
	TemplateID       string     `json:"template_id"` // remote id, unique per connection
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	TemplateType     string     `json:"template_type"` // system, custom, imported
	ItemsCount       int        `json:"items_count"`
	TriggersCount    int        `json:"triggers_count"`
	HistoryRetention string     `json:"history_retention"`
	TrendsRetention  string     `json:"trends_retention"`
	IsOptimized      bool       `json:"is_optimized"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
}

// NeedsOptimization reports whether the template is a candidate for
// retention optimization. System templates are never candidates.
func (t Template) NeedsOptimization() bool {
	return !t.IsOptimized && t.TemplateType != TemplateSystem
}

// Host mirrors one monitored host on a remote Zabbix server.
type Host struct {
	ID             int64      `json:"id"`
	ConnectionID   int64      `json:"connection_id"`
	HostID         string     `json:"host_id"` // remote id, unique per connection
	HostName       string     `json:"host_name"`
	VisibleName    string     `json:"visible_name"`
	IPAddress      string     `json:"ip_address,omitempty"`
	Status         string     `json:"status"`    // enabled, disabled, maintenance
	Available      string     `json:"available"` // unknown, available, unavailable
	TemplatesCount int        `json:"templates_count"`
	ItemsCount     int        `json:"items_count"`
	LastCheck      *time.Time `json:"last_check,omitempty"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
}

// IsHealthy reports whether the host is enabled and currently reachable.
func (h Host) IsHealthy() bool {
	return h.Status == HostEnabled && h.Available == AvailabilityAvailable
}

// DisplayName returns the visible name, falling back to the technical name.
func (h Host) DisplayName() string {
	if h.VisibleName != "" {
		return h.VisibleName
	}
	return h.HostName
}

// BackgroundJob is a persisted, progress-tracked record of one long-running
// operation.
type BackgroundJob struct {
	ID                 int64                  `json:"id"`
	JobType            string                 `json:"job_type"`
	ConnectionID       *int64                 `json:"connection_id,omitempty"`
	Parameters         map[string]interface{} `json:"parameters,omitempty"`
	Status             string                 `json:"status"`
	ProgressPercentage int                    `json:"progress_percentage"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	ResultData         map[string]interface{} `json:"result_data,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// IsFinished reports whether the job reached a terminal state.
func (j BackgroundJob) IsFinished() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// OptimizationRule is a retention-reduction policy matched against templates
// by environment and name pattern.
type OptimizationRule struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	Environment     string `json:"environment"` // "all" or a specific environment
	TemplatePattern string `json:"template_pattern,omitempty"`
	HistoryFrom     string `json:"history_from"`
	HistoryTo       string `json:"history_to"`
	TrendsFrom      string `json:"trends_from"`
	TrendsTo        string `json:"trends_to"`
	IsActive        bool   `json:"is_active"`
}

// AuditLog is an immutable record of one mutating action.
type AuditLog struct {
	ID              int64                  `json:"id"`
	UserID          int64                  `json:"user_id"`
	ConnectionID    *int64                 `json:"connection_id,omitempty"`
	Action          string                 `json:"action"`
	ResourceType    string                 `json:"resource_type"`
	ResourceID      string                 `json:"resource_id,omitempty"`
	OldValues       map[string]interface{} `json:"old_values,omitempty"`
	NewValues       map[string]interface{} `json:"new_values,omitempty"`
	Status          string                 `json:"status"` // success, failed, partial
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	IPAddress       string                 `json:"ip_address,omitempty"`
	UserAgent       string                 `json:"user_agent,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Config represents application configuration
type Config struct {
	Database    DatabaseConfig     `yaml:"database"`
	Server      ServerConfig       `yaml:"server"`
	Gateway     GatewayConfig      `yaml:"gateway"`
	Sync        SyncConfig         `yaml:"sync"`
	Jobs        JobsConfig         `yaml:"jobs"`
	Connections []ConnectionConfig `yaml:"connections"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GatewayConfig contains MCP gateway settings
type GatewayConfig struct {
	URL string `yaml:"url"`
}

// SyncConfig contains reconciliation settings
type SyncConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// JobsConfig contains background job settings
type JobsConfig struct {
	Workers        int `yaml:"workers"`
	QueueSize      int `yaml:"queue_size"`
	MaxTries       int `yaml:"max_tries"`
	BackoffSeconds int `yaml:"backoff_seconds"`
	RetentionDays  int `yaml:"retention_days"`
}

// ConnectionConfig seeds a connection at first startup
type ConnectionConfig struct {
	Name                 string `yaml:"name"`
	Description          string `yaml:"description"`
	URL                  string `yaml:"url"`
	Token                string `yaml:"token"`
	Environment          string `yaml:"environment"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	MaxRequestsPerMinute int    `yaml:"max_requests_per_minute"`
}
