// Package optimizer applies retention-reduction policies to templates.
package optimizer

import (
	"context"
	"fmt"
	"log"
	"path"
	"sync"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/audit"
	"github.com/zabbix-fleet/zabbix-fleet/internal/gateway"
	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
)

const (
	defaultHistoryTarget = "7d"
	defaultTrendsTarget  = "30d"
)

// Engine drives template retention optimization. Batch runs for the same
// connection are serialized.
type Engine struct {
	db     *storage.DB
	client *gateway.Client
	audit  *audit.Recorder

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates an optimization engine
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

// Settings holds the retention transition applied to a template
type Settings struct {
	HistoryFrom string `json:"history_from"`
	HistoryTo   string `json:"history_to"`
	TrendsFrom  string `json:"trends_from"`
	TrendsTo    string `json:"trends_to"`
}

func (s Settings) asParams() map[string]interface{} {
	return map[string]interface{}{
		"history_from": s.HistoryFrom,
		"history_to":   s.HistoryTo,
		"trends_from":  s.TrendsFrom,
		"trends_to":    s.TrendsTo,
	}
}

// ruleMatches reports whether a rule applies to a template in an environment.
// An empty pattern matches every template name.
func ruleMatches(rule models.OptimizationRule, templateName, environment string) bool {
	if !rule.IsActive {
		return false
	}
	if rule.Environment != "all" && rule.Environment != environment {
		return false
	}
	if rule.TemplatePattern == "" {
		return true
	}
	matched, err := path.Match(rule.TemplatePattern, templateName)
	if err != nil {
		log.Printf("Invalid template pattern %q in rule %d: %v", rule.TemplatePattern, rule.ID, err)
		return false
	}
	return matched
}

// OptimizationSettings derives the retention settings for a template from the
// first matching active rule (lowest id wins), falling back to the defaults.
func (e *Engine) OptimizationSettings(conn *models.Connection, template *models.Template) (Settings, error) {
	rules, err := e.db.GetActiveRules()
	if err != nil {
		return Settings{}, err
	}

	for _, rule := range rules {
		if ruleMatches(rule, template.Name, conn.Environment) {
			return Settings{
				HistoryFrom: rule.HistoryFrom,
				HistoryTo:   rule.HistoryTo,
				TrendsFrom:  rule.TrendsFrom,
				TrendsTo:    rule.TrendsTo,
			}, nil
		}
	}

	return Settings{
		HistoryFrom: template.HistoryRetention,
		HistoryTo:   defaultHistoryTarget,
		TrendsFrom:  template.TrendsRetention,
		TrendsTo:    defaultTrendsTarget,
	}, nil
}

// Analysis is the optimization picture for one template
type Analysis struct {
	TemplateID      string                 `json:"template_id"`
	TemplateName    string                 `json:"template_name"`
	CurrentHistory  string                 `json:"current_history_retention"`
	CurrentTrends   string                 `json:"current_trends_retention"`
	Settings        Settings               `json:"optimization_settings"`
	HistorySavings  Savings                `json:"history_savings"`
	TrendsSavings   Savings                `json:"trends_savings"`
	RemoteAnalysis  map[string]interface{} `json:"analysis,omitempty"`
}

// AnalyzeTemplate combines the gateway's analysis with the locally derived
// settings and potential savings.
func (e *Engine) AnalyzeTemplate(conn *models.Connection, template *models.Template) (*Analysis, error) {
	remote, err := e.client.AnalyzeTemplateHistoryTrends(conn, template.TemplateID)
	if err != nil {
		return nil, err
	}

	settings, err := e.OptimizationSettings(conn, template)
	if err != nil {
		return nil, err
	}

	return &Analysis{
		TemplateID:     template.TemplateID,
		TemplateName:   template.Name,
		CurrentHistory: template.HistoryRetention,
		CurrentTrends:  template.TrendsRetention,
		Settings:       settings,
		HistorySavings: ComputeSavings(template.HistoryRetention, settings.HistoryTo),
		TrendsSavings:  ComputeSavings(template.TrendsRetention, settings.TrendsTo),
		RemoteAnalysis: remote,
	}, nil
}

// OptimizeResult reports one applied optimization
type OptimizeResult struct {
	TemplateID      string                 `json:"template_id"`
	TemplateName    string                 `json:"template_name"`
	Settings        Settings               `json:"optimization_settings"`
	Analysis        map[string]interface{} `json:"analysis,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
}

// OptimizeTemplate analyzes then applies retention settings to one template.
// The template is marked optimized only after the gateway confirms the apply;
// on any failure the flag is left untouched.
func (e *Engine) OptimizeTemplate(conn *models.Connection, template *models.Template, settings *Settings, actor int64) (*OptimizeResult, error) {
	start := time.Now()
	entry := audit.Entry{
		Actor:        actor,
		ConnectionID: &conn.ID,
		Action:       "optimize_template",
		ResourceType: "zabbix_template",
		ResourceID:   template.TemplateID,
	}

	fail := func(err error) (*OptimizeResult, error) {
		entry.Duration = time.Since(start)
		e.audit.Failure(entry, err.Error())
		log.Printf("Template optimization failed for %s (%s): %v", template.Name, template.TemplateID, err)
		return nil, err
	}

	if settings == nil {
		derived, err := e.OptimizationSettings(conn, template)
		if err != nil {
			return fail(err)
		}
		settings = &derived
	}

	analysis, err := e.client.AnalyzeTemplateHistoryTrends(conn, template.TemplateID)
	if err != nil {
		return fail(err)
	}

	result, err := e.client.UpdateTemplateHistoryTrends(conn, template.TemplateID, settings.asParams())
	if err != nil {
		return fail(err)
	}

	if err := e.db.MarkTemplateOptimized(conn.ID, template.TemplateID, time.Now().UTC()); err != nil {
		return fail(err)
	}

	entry.Duration = time.Since(start)
	entry.OldValues = analysis
	entry.NewValues = result
	e.audit.Success(entry)

	return &OptimizeResult{
		TemplateID:      template.TemplateID,
		TemplateName:    template.Name,
		Settings:        *settings,
		Analysis:        analysis,
		Result:          result,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// TemplateOutcome is one line item of a batch run
type TemplateOutcome struct {
	TemplateID   string `json:"template_id"`
	TemplateName string `json:"template_name"`
	Status       string `json:"status"` // optimized, error
	Error        string `json:"error,omitempty"`
}

// BatchResult reports a batch optimization run
type BatchResult struct {
	Optimized       int               `json:"optimized"`
	Skipped         int               `json:"skipped"`
	Errors          int               `json:"errors"`
	Templates       []TemplateOutcome `json:"templates"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
}

// OptimizeAllTemplates runs OptimizeTemplate over every candidate of a
// connection, one at a time. Per-template failures are recorded and the run
// continues; ctx cancellation stops the run at the next template boundary.
// progress may be nil.
func (e *Engine) OptimizeAllTemplates(ctx context.Context, conn *models.Connection, actor int64, progress func(done, total int)) (*BatchResult, error) {
	lock := e.connLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	result := &BatchResult{Templates: []TemplateOutcome{}}

	templates, err := e.db.GetTemplatesNeedingOptimization(conn.ID)
	if err != nil {
		return nil, err
	}

	for i, template := range templates {
		if err := ctx.Err(); err != nil {
			result.ExecutionTimeMs = time.Since(start).Milliseconds()
			return result, err
		}

		if _, err := e.OptimizeTemplate(conn, &template, nil, actor); err != nil {
			result.Errors++
			result.Templates = append(result.Templates, TemplateOutcome{
				TemplateID:   template.TemplateID,
				TemplateName: template.Name,
				Status:       "error",
				Error:        err.Error(),
			})
		} else {
			result.Optimized++
			result.Templates = append(result.Templates, TemplateOutcome{
				TemplateID:   template.TemplateID,
				TemplateName: template.Name,
				Status:       "optimized",
			})
		}

		if progress != nil {
			progress(i+1, len(templates))
		}
	}

	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	entry := audit.Entry{
		Actor:        actor,
		ConnectionID: &conn.ID,
		Action:       "optimize_all_templates",
		ResourceType: "zabbix_connection",
		ResourceID:   fmt.Sprintf("%d", conn.ID),
		NewValues: map[string]interface{}{
			"optimized": result.Optimized,
			"skipped":   result.Skipped,
			"errors":    result.Errors,
		},
		Duration: time.Since(start),
	}
	switch {
	case result.Errors > 0 && result.Optimized > 0:
		e.audit.Partial(entry, fmt.Sprintf("%d of %d templates failed", result.Errors, len(templates)))
	case result.Errors > 0:
		e.audit.Failure(entry, fmt.Sprintf("all %d templates failed", result.Errors))
	default:
		e.audit.Success(entry)
	}

	log.Printf("Batch optimization for connection %s: %d optimized, %d errors (%d ms)",
		conn.Name, result.Optimized, result.Errors, result.ExecutionTimeMs)

	return result, nil
}

// AutoOptimizeAllTemplates delegates the whole batch to the gateway in one
// call. Only templates the gateway confirms in updated_templates are marked
// optimized; when the gateway omits the list, every candidate is marked.
func (e *Engine) AutoOptimizeAllTemplates(conn *models.Connection, actor int64) (map[string]interface{}, error) {
	lock := e.connLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	entry := audit.Entry{
		Actor:        actor,
		ConnectionID: &conn.ID,
		Action:       "auto_optimize_all_templates",
		ResourceType: "zabbix_connection",
		ResourceID:   fmt.Sprintf("%d", conn.ID),
	}

	result, err := e.client.UpdateAllTemplateHistoryTrendsAuto(conn)
	if err != nil {
		entry.Duration = time.Since(start)
		e.audit.Failure(entry, err.Error())
		log.Printf("Auto optimization failed for connection %s: %v", conn.Name, err)
		return nil, err
	}

	now := time.Now().UTC()
	if ids := confirmedTemplateIDs(result); ids != nil {
		if _, err := e.db.MarkTemplatesOptimized(conn.ID, ids, now); err != nil {
			return nil, err
		}
	} else {
		templates, err := e.db.GetTemplatesNeedingOptimization(conn.ID)
		if err != nil {
			return nil, err
		}
		for _, template := range templates {
			if err := e.db.MarkTemplateOptimized(conn.ID, template.TemplateID, now); err != nil {
				return nil, err
			}
		}
	}

	entry.Duration = time.Since(start)
	entry.NewValues = result
	e.audit.Success(entry)
	log.Printf("Auto optimization completed for connection %s (%d ms)",
		conn.Name, time.Since(start).Milliseconds())

	return result, nil
}

// confirmedTemplateIDs extracts the updated_templates id list, nil when the
// gateway did not report one.
func confirmedTemplateIDs(result map[string]interface{}) []string {
	raw, ok := result["updated_templates"].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case string:
			ids = append(ids, v)
		case map[string]interface{}:
			if id, ok := v["templateid"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Stats summarizes optimization coverage for a connection
type Stats struct {
	TotalTemplates         int        `json:"total_templates"`
	OptimizedTemplates     int        `json:"optimized_templates"`
	NeedsOptimization      int        `json:"needs_optimization"`
	OptimizationPercentage float64    `json:"optimization_percentage"`
	LastOptimization       *time.Time `json:"last_optimization,omitempty"`
}

// Stats reports optimization coverage for a connection
func (e *Engine) Stats(conn *models.Connection) (*Stats, error) {
	templateStats, err := e.db.GetTemplateStats(conn.ID)
	if err != nil {
		return nil, err
	}
	lastOptimization, err := e.db.GetLastOptimizationTime(conn.ID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalTemplates:     templateStats.Total,
		OptimizedTemplates: templateStats.Optimized,
		NeedsOptimization:  templateStats.NeedsOptimization,
		LastOptimization:   lastOptimization,
	}
	if templateStats.Total > 0 {
		stats.OptimizationPercentage = round2(float64(templateStats.Optimized) / float64(templateStats.Total) * 100)
	}
	return stats, nil
}
