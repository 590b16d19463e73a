// Package manage creates hosts and templates on remote servers with local
// mirroring and validation.
package manage

import (
	"context"
	"fmt"
	"log"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/audit"
	"github.com/zabbix-fleet/zabbix-fleet/internal/gateway"
	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
)

var (
	namePattern      = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	retentionPattern = regexp.MustCompile(`^\d+[dwMy]$`)
)

// ValidationError reports rejected input. It is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Service creates hosts and templates through the gateway
type Service struct {
	db     *storage.DB
	client *gateway.Client
	audit  *audit.Recorder
}

// New creates a management service
func New(db *storage.DB, client *gateway.Client, recorder *audit.Recorder) *Service {
	return &Service{db: db, client: client, audit: recorder}
}

// HostInput is the payload for creating one host
type HostInput struct {
	Host      string   `json:"host"`
	Name      string   `json:"name,omitempty"`
	IP        string   `json:"ip,omitempty"`
	Templates []string `json:"templates,omitempty"`
	Groups    []string `json:"groups,omitempty"`
}

func validateHostInput(in HostInput) error {
	if in.Host == "" {
		return validationErrorf("missing required fields: host")
	}
	if !namePattern.MatchString(in.Host) {
		return validationErrorf("invalid host name format: only alphanumeric characters, dots, underscores and hyphens are allowed")
	}
	if in.IP != "" && net.ParseIP(in.IP) == nil {
		return validationErrorf("invalid IP address format")
	}
	return nil
}

// CreateHost validates the input, creates the host remotely and mirrors it
// locally. New hosts start enabled with unknown availability.
func (s *Service) CreateHost(conn *models.Connection, in HostInput, actor int64) (*models.Host, error) {
	start := time.Now()
	entry := audit.Entry{
		Actor:        actor,
		ConnectionID: &conn.ID,
		Action:       "create_host",
		ResourceType: "zabbix_host",
	}

	fail := func(err error) (*models.Host, error) {
		entry.Duration = time.Since(start)
		s.audit.Failure(entry, err.Error())
		log.Printf("Host creation failed on connection %s: %v", conn.Name, err)
		return nil, err
	}

	if err := validateHostInput(in); err != nil {
		return fail(err)
	}

	hostData := map[string]interface{}{"host": in.Host}
	if in.Name != "" {
		hostData["name"] = in.Name
	}
	if in.IP != "" {
		hostData["ip"] = in.IP
	}
	if len(in.Templates) > 0 {
		hostData["templates"] = in.Templates
	}
	if len(in.Groups) > 0 {
		hostData["groups"] = in.Groups
	}

	result, err := s.client.CreateHost(conn, hostData)
	if err != nil {
		return fail(err)
	}

	now := time.Now().UTC()
	hostID, _ := result["hostid"].(string)
	visibleName := in.Name
	if visibleName == "" {
		visibleName = in.Host
	}

	host := models.Host{
		ConnectionID:   conn.ID,
		HostID:         hostID,
		HostName:       in.Host,
		VisibleName:    visibleName,
		IPAddress:      in.IP,
		Status:         models.HostEnabled,
		Available:      models.AvailabilityUnknown,
		TemplatesCount: len(in.Templates),
		LastSync:       &now,
	}
	if err := s.db.UpsertHost(host); err != nil {
		return fail(err)
	}

	entry.ResourceID = hostID
	entry.NewValues = hostData
	entry.Duration = time.Since(start)
	s.audit.Success(entry)
	log.Printf("Host %s created on connection %s (remote id %s)", in.Host, conn.Name, hostID)

	return &host, nil
}

// HostOutcome is one line item of a batch host creation
type HostOutcome struct {
	Index    int    `json:"index"`
	HostName string `json:"host_name"`
	Status   string `json:"status"` // created, error
	HostID   string `json:"host_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchResult reports a batch host creation
type BatchResult struct {
	Created         int           `json:"created"`
	Errors          int           `json:"errors"`
	Hosts           []HostOutcome `json:"hosts"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
}

// CreateHostsBatch creates hosts one at a time with per-item isolation. The
// run stops early only on ctx cancellation. progress may be nil.
func (s *Service) CreateHostsBatch(ctx context.Context, conn *models.Connection, inputs []HostInput, actor int64, progress func(done, total int)) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{Hosts: []HostOutcome{}}

	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			result.ExecutionTimeMs = time.Since(start).Milliseconds()
			return result, err
		}

		host, err := s.CreateHost(conn, in, actor)
		if err != nil {
			result.Errors++
			result.Hosts = append(result.Hosts, HostOutcome{
				Index: i, HostName: in.Host, Status: "error", Error: err.Error(),
			})
		} else {
			result.Created++
			result.Hosts = append(result.Hosts, HostOutcome{
				Index: i, HostName: in.Host, Status: "created", HostID: host.HostID,
			})
		}

		if progress != nil {
			progress(i+1, len(inputs))
		}
	}

	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	entry := audit.Entry{
		Actor:        actor,
		ConnectionID: &conn.ID,
		Action:       "create_hosts_batch",
		ResourceType: "zabbix_connection",
		ResourceID:   fmt.Sprintf("%d", conn.ID),
		NewValues: map[string]interface{}{
			"created": result.Created,
			"errors":  result.Errors,
		},
		Duration: time.Since(start),
	}
	switch {
	case result.Errors > 0 && result.Created > 0:
		s.audit.Partial(entry, fmt.Sprintf("%d of %d hosts failed", result.Errors, len(inputs)))
	case result.Errors > 0 && len(inputs) > 0:
		s.audit.Failure(entry, fmt.Sprintf("all %d hosts failed", result.Errors))
	default:
		s.audit.Success(entry)
	}

	log.Printf("Batch host creation on connection %s: %d created, %d errors (%d ms)",
		conn.Name, result.Created, result.Errors, result.ExecutionTimeMs)

	return result, nil
}

// TemplateInput is the payload for creating one template
type TemplateInput struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	HistoryRetention string `json:"history_retention,omitempty"`
	TrendsRetention  string `json:"trends_retention,omitempty"`
}

func validateTemplateInput(in TemplateInput) error {
	if in.Name == "" {
		return validationErrorf("missing required fields: name")
	}
	if !namePattern.MatchString(in.Name) {
		return validationErrorf("invalid template name format: only alphanumeric characters, dots, underscores and hyphens are allowed")
	}
	if in.HistoryRetention != "" && !retentionPattern.MatchString(in.HistoryRetention) {
		return validationErrorf("invalid history retention format: use a value like 7d, 2w, 1M or 1y")
	}
	if in.TrendsRetention != "" && !retentionPattern.MatchString(in.TrendsRetention) {
		return validationErrorf("invalid trends retention format: use a value like 7d, 2w, 1M or 1y")
	}
	return nil
}

// CreateTemplate validates the input, creates the template remotely and
// mirrors it locally as an unoptimized custom template.
func (s *Service) CreateTemplate(conn *models.Connection, in TemplateInput, actor int64) (*models.Template, error) {
	start := time.Now()
	entry := audit.Entry{
		Actor:        actor,
		ConnectionID: &conn.ID,
		Action:       "create_template",
		ResourceType: "zabbix_template",
	}

	fail := func(err error) (*models.Template, error) {
		entry.Duration = time.Since(start)
		s.audit.Failure(entry, err.Error())
		log.Printf("Template creation failed on connection %s: %v", conn.Name, err)
		return nil, err
	}

	if err := validateTemplateInput(in); err != nil {
		return fail(err)
	}

	templateData := map[string]interface{}{"name": in.Name}
	if in.Description != "" {
		templateData["description"] = in.Description
	}
	if in.HistoryRetention != "" {
		templateData["history_retention"] = in.HistoryRetention
	}
	if in.TrendsRetention != "" {
		templateData["trends_retention"] = in.TrendsRetention
	}

	result, err := s.client.CreateTemplate(conn, templateData)
	if err != nil {
		return fail(err)
	}

	now := time.Now().UTC()
	templateID, _ := result["templateid"].(string)

	template := models.Template{
		ConnectionID:     conn.ID,
		TemplateID:       templateID,
		Name:             in.Name,
		Description:      in.Description,
		TemplateType:     models.TemplateCustom,
		HistoryRetention: defaultRetention(in.HistoryRetention, "7d"),
		TrendsRetention:  defaultRetention(in.TrendsRetention, "30d"),
		IsOptimized:      false,
		LastSync:         &now,
	}
	if err := s.db.UpsertTemplate(template); err != nil {
		return fail(err)
	}

	entry.ResourceID = templateID
	entry.NewValues = templateData
	entry.Duration = time.Since(start)
	s.audit.Success(entry)
	log.Printf("Template %s created on connection %s (remote id %s)", in.Name, conn.Name, templateID)

	return &template, nil
}

func defaultRetention(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
