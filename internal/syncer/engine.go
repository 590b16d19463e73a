// Package syncer reconciles remote Zabbix state into the local store.
package syncer

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/audit"
	"github.com/zabbix-fleet/zabbix-fleet/internal/gateway"
	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
)

// Engine pulls templates and hosts through the gateway and upserts them
// locally. Syncs for the same connection are serialized; different
// connections may sync concurrently.
type Engine struct {
	db     *storage.DB
	client *gateway.Client
	audit  *audit.Recorder

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a sync engine
func New(db *storage.DB, client *gateway.Client, recorder *audit.Recorder) *Engine {
	return &Engine{
		db:     db,
		client: client,
		audit:  recorder,
		locks:  make(map[int64]*sync.Mutex),
	}
}

func (e *Engine) connLock(connectionID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[connectionID] = lock
	}
	return lock
}

// StageResult counts one sync stage
type StageResult struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

// Result reports one full reconciliation pass
type Result struct {
	Templates       StageResult `json:"templates"`
	Hosts           StageResult `json:"hosts"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
}

// SyncAll reconciles templates, hosts and connection status. All gateway
// fetches happen before the write transaction opens so the SQLite write lock
// is never held across a network call; the transaction itself does only
// local upserts. A stage failure (list call) persists nothing; per-record
// failures are only counted.
func (e *Engine) SyncAll(conn *models.Connection, actor int64) (*Result, error) {
	lock := e.connLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	var result Result

	err := func() error {
		templates, err := e.client.GetTemplates(conn)
		if err != nil {
			return err
		}
		hosts, err := e.client.GetHosts(conn)
		if err != nil {
			return err
		}
		stats := e.client.ConnectionStats(conn)

		return e.db.Transaction(func(tx *storage.DB) error {
			result.Templates = e.applyTemplates(tx, conn, templates)
			result.Hosts = e.applyHosts(tx, conn, hosts)
			return tx.UpdateConnectionStatus(conn.ID, stats.ConnectionStatus, stats.LastCheck)
		})
	}()

	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	entry := audit.Entry{
		Actor:        actor,
		ConnectionID: &conn.ID,
		Action:       "sync_all",
		ResourceType: "zabbix_connection",
		ResourceID:   fmt.Sprintf("%d", conn.ID),
		Duration:     time.Since(start),
	}

	if err != nil {
		e.audit.Failure(entry, err.Error())
		log.Printf("Sync failed for connection %s: %v", conn.Name, err)
		return nil, err
	}

	entry.NewValues = map[string]interface{}{
		"templates_synced": result.Templates.Synced,
		"templates_errors": result.Templates.Errors,
		"hosts_synced":     result.Hosts.Synced,
		"hosts_errors":     result.Hosts.Errors,
	}
	e.audit.Success(entry)
	log.Printf("Sync completed for connection %s: %d templates, %d hosts (%d ms)",
		conn.Name, result.Templates.Synced, result.Hosts.Synced, result.ExecutionTimeMs)

	return &result, nil
}

// SyncTemplates reconciles templates outside a surrounding transaction
func (e *Engine) SyncTemplates(conn *models.Connection) (StageResult, error) {
	templates, err := e.client.GetTemplates(conn)
	if err != nil {
		return StageResult{}, err
	}
	return e.applyTemplates(e.db, conn, templates), nil
}

// SyncHosts reconciles hosts outside a surrounding transaction
func (e *Engine) SyncHosts(conn *models.Connection) (StageResult, error) {
	hosts, err := e.client.GetHosts(conn)
	if err != nil {
		return StageResult{}, err
	}
	return e.applyHosts(e.db, conn, hosts), nil
}

func (e *Engine) applyTemplates(db *storage.DB, conn *models.Connection, templates []map[string]interface{}) StageResult {
	var result StageResult

	now := time.Now().UTC()
	for _, data := range templates {
		if err := db.UpsertTemplate(mapTemplate(conn.ID, data, now)); err != nil {
			result.Errors++
			log.Printf("Failed to sync template %s on connection %d: %v",
				getString(data, "templateid"), conn.ID, err)
			continue
		}
		result.Synced++
	}

	return result
}

func (e *Engine) applyHosts(db *storage.DB, conn *models.Connection, hosts []map[string]interface{}) StageResult {
	var result StageResult

	now := time.Now().UTC()
	for _, data := range hosts {
		if err := db.UpsertHost(mapHost(conn.ID, data, now)); err != nil {
			result.Errors++
			log.Printf("Failed to sync host %s on connection %d: %v",
				getString(data, "hostid"), conn.ID, err)
			continue
		}
		result.Synced++
	}

	return result
}

func mapTemplate(connectionID int64, data map[string]interface{}, now time.Time) models.Template {
	return models.Template{
		ConnectionID:     connectionID,
		TemplateID:       getString(data, "templateid"),
		Name:             getString(data, "name"),
		Description:      getString(data, "description"),
		TemplateType:     classifyTemplate(getString(data, "name")),
		ItemsCount:       getInt(data, "items_count"),
		TriggersCount:    getInt(data, "triggers_count"),
		HistoryRetention: getStringDefault(data, "history_retention", "7d"),
		TrendsRetention:  getStringDefault(data, "trends_retention", "30d"),
		IsOptimized:      getBool(data, "is_optimized"),
		LastSync:         &now,
	}
}

func mapHost(connectionID int64, data map[string]interface{}, now time.Time) models.Host {
	templatesCount := 0
	if parents, ok := data["parentTemplates"].([]interface{}); ok {
		templatesCount = len(parents)
	}

	return models.Host{
		ConnectionID:   connectionID,
		HostID:         getString(data, "hostid"),
		HostName:       getString(data, "host"),
		VisibleName:    getString(data, "name"),
		IPAddress:      extractIP(data),
		Status:         mapHostStatus(getInt(data, "status")),
		Available:      mapHostAvailability(getInt(data, "available")),
		TemplatesCount: templatesCount,
		ItemsCount:     getInt(data, "items_count"),
		LastCheck:      parseZabbixTimestamp(int64(getInt(data, "lastcheck"))),
		LastSync:       &now,
	}
}

// classifyTemplate buckets a template by name. Names mentioning system or
// zabbix are system templates regardless of other markers.
func classifyTemplate(name string) string {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "system") || strings.Contains(lower, "zabbix") {
		return models.TemplateSystem
	}
	if strings.Contains(lower, "imported") || strings.Contains(lower, "import") {
		return models.TemplateImported
	}
	return models.TemplateCustom
}

// extractIP returns the first non-empty interface ip, or empty
func extractIP(data map[string]interface{}) string {
	interfaces, ok := data["interfaces"].([]interface{})
	if !ok {
		return ""
	}
	for _, entry := range interfaces {
		iface, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if ip, ok := iface["ip"].(string); ok && ip != "" {
			return ip
		}
	}
	return ""
}

func mapHostStatus(status int) string {
	switch status {
	case 0:
		return models.HostEnabled
	case 1:
		return models.HostDisabled
	default:
		return models.HostEnabled
	}
}

func mapHostAvailability(available int) string {
	switch available {
	case 0:
		return models.AvailabilityUnknown
	case 1:
		return models.AvailabilityAvailable
	case 2:
		return models.AvailabilityUnavailable
	default:
		return models.AvailabilityUnknown
	}
}

// parseZabbixTimestamp converts a unix timestamp to a time, zero meaning never
func parseZabbixTimestamp(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// Stats summarizes the local mirror of one connection
type Stats struct {
	TemplatesCount   int        `json:"templates_count"`
	HostsCount       int        `json:"hosts_count"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	ConnectionStatus string     `json:"connection_status"`
}

// Stats reports local counts and last sync time for a connection
func (e *Engine) Stats(conn *models.Connection) (*Stats, error) {
	templatesCount, err := e.db.CountTemplates(conn.ID)
	if err != nil {
		return nil, err
	}
	hostsCount, err := e.db.CountHosts(conn.ID)
	if err != nil {
		return nil, err
	}
	lastSync, err := e.db.GetLastSyncTime(conn.ID)
	if err != nil {
		return nil, err
	}

	return &Stats{
		TemplatesCount:   templatesCount,
		HostsCount:       hostsCount,
		LastSync:         lastSync,
		ConnectionStatus: conn.ConnectionStatus,
	}, nil
}

// JSON-decoded values arrive as float64 or string depending on the remote;
// these helpers accept both.

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getStringDefault(data map[string]interface{}, key, fallback string) string {
	if v := getString(data, key); v != "" {
		return v
	}
	return fallback
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "1" || v == "true"
	}
	return false
}
