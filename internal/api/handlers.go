// Package api exposes the HTTP surface: connection CRUD, fleet views,
// optimization rules, job enqueue/status and audit access.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/zabbix-fleet/zabbix-fleet/internal/gateway"
	"github.com/zabbix-fleet/zabbix-fleet/internal/jobs"
	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/optimizer"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
	"github.com/zabbix-fleet/zabbix-fleet/internal/syncer"
)

// Server handles HTTP requests
type Server struct {
	db        *storage.DB
	client    *gateway.Client
	syncer    *syncer.Engine
	optimizer *optimizer.Engine
	runner    *jobs.Runner
	router    *mux.Router
}

// New creates the API server
func New(db *storage.DB, client *gateway.Client, syncEngine *syncer.Engine, optimizeEngine *optimizer.Engine, runner *jobs.Runner) *Server {
	s := &Server{
		db:        db,
		client:    client,
		syncer:    syncEngine,
		optimizer: optimizeEngine,
		runner:    runner,
		router:    mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Connection endpoints
	api.HandleFunc("/connections", s.handleGetConnections).Methods("GET")
	api.HandleFunc("/connections", s.handleCreateConnection).Methods("POST")
	api.HandleFunc("/connections/{id}", s.handleGetConnection).Methods("GET")
	api.HandleFunc("/connections/{id}", s.handleUpdateConnection).Methods("PUT")
	api.HandleFunc("/connections/{id}", s.handleDeleteConnection).Methods("DELETE")
	api.HandleFunc("/connections/{id}/test", s.handleTestConnection).Methods("POST")
	api.HandleFunc("/connections/{id}/stats", s.handleConnectionStats).Methods("GET")

	// Fleet views
	api.HandleFunc("/connections/{id}/templates", s.handleGetTemplates).Methods("GET")
	api.HandleFunc("/connections/{id}/hosts", s.handleGetHosts).Methods("GET")

	// Optimization rules
	api.HandleFunc("/rules", s.handleGetRules).Methods("GET")
	api.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods("GET")
	api.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods("PUT")
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")

	// Jobs
	api.HandleFunc("/jobs", s.handleEnqueueJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleGetJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	// Audit trail
	api.HandleFunc("/audit", s.handleGetAuditLogs).Methods("GET")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Connection handlers

func (s *Server) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	connections, err := s.db.GetConnections()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get connections: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, connections)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, conn)
}

type connectionRequest struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	URL                  string `json:"url"`
	Token                string `json:"token"`
	Environment          string `json:"environment"`
	IsActive             *bool  `json:"is_active"`
	MaxRequestsPerMinute int    `json:"max_requests_per_minute"`
	TimeoutSeconds       int    `json:"timeout_seconds"`
}

func (req connectionRequest) toModel() models.Connection {
	c := models.Connection{
		Name:                 req.Name,
		Description:          req.Description,
		URL:                  req.URL,
		Token:                req.Token,
		Environment:          req.Environment,
		IsActive:             true,
		MaxRequestsPerMinute: req.MaxRequestsPerMinute,
		TimeoutSeconds:       req.TimeoutSeconds,
	}
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}
	if c.Environment == "" {
		c.Environment = models.EnvProduction
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = 60
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	return c
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		respondError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	id, err := s.db.AddConnection(req.toModel())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create connection: "+err.Error())
		return
	}

	conn, err := s.db.GetConnection(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load connection: "+err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, conn)
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated := req.toModel()
	updated.ID = existing.ID
	if err := s.db.UpdateConnection(updated); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update connection: "+err.Error())
		return
	}

	conn, err := s.db.GetConnection(existing.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load connection: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, conn)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	if err := s.db.DeleteConnection(conn.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete connection: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "Connection deleted"})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	result := s.client.TestConnection(conn)
	if err := s.db.UpdateConnectionStatus(conn.ID, result.Status, time.Now().UTC()); err != nil {
		log.Printf("Failed to record connection test for %d: %v", conn.ID, err)
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	syncStats, err := s.syncer.Stats(conn)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get sync stats: "+err.Error())
		return
	}
	optimizationStats, err := s.optimizer.Stats(conn)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get optimization stats: "+err.Error())
		return
	}
	templateStats, err := s.db.GetTemplateStats(conn.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get template stats: "+err.Error())
		return
	}
	hostStats, err := s.db.GetHostStats(conn.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get host stats: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sync":         syncStats,
		"optimization": optimizationStats,
		"templates":    templateStats,
		"hosts":        hostStats,
	})
}

// Fleet view handlers

func (s *Server) handleGetTemplates(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	templates, err := s.db.GetTemplates(conn.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get templates: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetHosts(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionFromPath(w, r)
	if !ok {
		return
	}

	var hosts []models.Host
	var err error
	if status := r.URL.Query().Get("status"); status != "" {
		hosts, err = s.db.GetHostsByStatus(conn.ID, status)
	} else {
		hosts, err = s.db.GetHosts(conn.ID)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get hosts: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, hosts)
}

// Rule handlers

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.db.GetRules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get rules: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, rules)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	rule, err := s.db.GetRule(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Rule not found")
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.OptimizationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if rule.Name == "" || rule.HistoryTo == "" || rule.TrendsTo == "" {
		respondError(w, http.StatusBadRequest, "name, history_to and trends_to are required")
		return
	}

	id, err := s.db.AddRule(rule)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create rule: "+err.Error())
		return
	}

	created, err := s.db.GetRule(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load rule: "+err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}
	if _, err := s.db.GetRule(id); err != nil {
		respondError(w, http.StatusNotFound, "Rule not found")
		return
	}

	var rule models.OptimizationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rule.ID = id

	if err := s.db.UpdateRule(rule); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update rule: "+err.Error())
		return
	}

	updated, err := s.db.GetRule(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load rule: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	if err := s.db.DeleteRule(id); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete rule: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "Rule deleted"})
}

// Job handlers

type enqueueRequest struct {
	JobType      string                 `json:"job_type"`
	ConnectionID *int64                 `json:"connection_id"`
	Parameters   map[string]interface{} `json:"parameters"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	jobID, err := s.runner.Enqueue(req.JobType, req.ConnectionID, req.Parameters)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrUnknownJobType):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, jobs.ErrQueueFull):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "Failed to enqueue job: "+err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": jobID})
}

func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r, 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	jobList, err := s.db.GetJobs(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get jobs: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobList)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := s.runner.Status(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}
	if _, err := s.runner.Status(id); err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	if err := s.runner.Cancel(id); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to cancel job: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "Cancellation requested"})
}

// Audit handlers

func (s *Server) handleGetAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r, 100)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	var logs []models.AuditLog
	if v := r.URL.Query().Get("connection_id"); v != "" {
		connID, parseErr := strconv.ParseInt(v, 10, 64)
		if parseErr != nil {
			respondError(w, http.StatusBadRequest, "Invalid connection_id")
			return
		}
		logs, err = s.db.GetAuditLogsByConnection(connID, limit)
	} else {
		logs, err = s.db.GetAuditLogs(limit)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get audit logs: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, logs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers

func (s *Server) connectionFromPath(w http.ResponseWriter, r *http.Request) (*models.Connection, bool) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid connection ID")
		return nil, false
	}

	conn, err := s.db.GetConnection(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Connection not found")
		return nil, false
	}
	return conn, true
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// maxListLimit caps the limit query parameter on list endpoints
const maxListLimit = 500

func listLimit(r *http.Request, fallback int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	if parsed > maxListLimit {
		return maxListLimit, nil
	}
	return parsed, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
