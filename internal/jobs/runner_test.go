package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/audit"
	"github.com/zabbix-fleet/zabbix-fleet/internal/gateway"
	"github.com/zabbix-fleet/zabbix-fleet/internal/manage"
	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/optimizer"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
	"github.com/zabbix-fleet/zabbix-fleet/internal/syncer"
)

func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "jobs-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()

	db, err := storage.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpfile.Name())
	})

	return db
}

func testRunner(t *testing.T, db *storage.DB, gatewayURL string, cfg models.JobsConfig) *Runner {
	t.Helper()
	client := gateway.NewClient(gatewayURL)
	recorder := audit.NewRecorder(db)
	return NewRunner(db,
		syncer.New(db, client, recorder),
		optimizer.New(db, client, recorder),
		manage.New(db, client, recorder),
		cfg)
}

func defaultCfg() models.JobsConfig {
	return models.JobsConfig{Workers: 1, QueueSize: 8, MaxTries: 3, BackoffSeconds: 0, RetentionDays: 30}
}

func seedConnection(t *testing.T, db *storage.DB) *models.Connection {
	t.Helper()
	id, err := db.AddConnection(models.Connection{
		Name: "prod", URL: "https://zabbix.example.com", Token: "tok",
		Environment: models.EnvProduction, IsActive: true,
		MaxRequestsPerMinute: 60, TimeoutSeconds: 5,
	})
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	conn, err := db.GetConnection(id)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	return conn
}

func emptyGateway(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		result := map[string]interface{}{}
		switch req.Method {
		case "get_templates":
			result["templates"] = []interface{}{
				map[string]interface{}{"templateid": "10001", "name": "App Template"},
			}
		case "get_hosts":
			result["hosts"] = []interface{}{}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
	}))
}

func TestEnqueueUnknownType(t *testing.T) {
	db := setupTestDB(t)
	r := testRunner(t, db, "http://unused", defaultCfg())

	if _, err := r.Enqueue("mine_bitcoin", nil, nil); !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("err = %v, want ErrUnknownJobType", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	db := setupTestDB(t)
	cfg := defaultCfg()
	cfg.QueueSize = 1
	r := testRunner(t, db, "http://unused", cfg)
	// no workers started, so the queue never drains

	if _, err := r.Enqueue(TypeCleanupOldJobs, nil, nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	jobID, err := r.Enqueue(TypeCleanupOldJobs, nil, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if jobID != 0 {
		t.Errorf("jobID = %d on overflow", jobID)
	}

	// the overflowed row must be finalized as failed
	jobs, err := db.GetJobs(10)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	var failed int
	for _, j := range jobs {
		if j.Status == models.JobFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed jobs = %d, want 1", failed)
	}
}

func TestRunSyncJob(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)
	srv := emptyGateway(t)
	defer srv.Close()

	r := testRunner(t, db, srv.URL, defaultCfg())
	jobID, err := r.Enqueue(TypeSyncData, &conn.ID, map[string]interface{}{"actor": 7})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r.run(attempt{jobID: jobID, try: 1})

	job, err := r.Status(jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if job.Status != models.JobCompleted {
		t.Fatalf("status = %q, error = %q", job.Status, job.ErrorMessage)
	}
	if job.ProgressPercentage != 100 {
		t.Errorf("progress = %d, want 100", job.ProgressPercentage)
	}
	if job.ResultData["templates_synced"] != float64(1) {
		t.Errorf("result = %v", job.ResultData)
	}
	if job.CompletedAt == nil || job.StartedAt == nil {
		t.Error("timestamps not set")
	}

	// the sync audit entry should carry the explicit actor
	logs, _ := db.GetAuditLogs(10)
	if len(logs) == 0 || logs[0].UserID != 7 {
		t.Errorf("audit logs = %+v", logs)
	}
}

func TestCancelledBeforePickup(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)

	r := testRunner(t, db, "http://unused", defaultCfg())
	jobID, err := r.Enqueue(TypeSyncData, &conn.ID, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Cancel(jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	r.run(attempt{jobID: jobID, try: 1})

	job, _ := r.Status(jobID)
	if job.Status != models.JobCancelled {
		t.Errorf("status = %q, want cancelled", job.Status)
	}
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	db := setupTestDB(t)
	r := testRunner(t, db, "http://unused", defaultCfg())

	jobID, err := r.Enqueue(TypeCleanupOldJobs, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.run(attempt{jobID: jobID, try: 1})

	if err := r.Cancel(jobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	job, _ := r.Status(jobID)
	if job.Status != models.JobCompleted {
		t.Errorf("status = %q, terminal state must not change", job.Status)
	}
}

func TestValidationErrorDoesNotRetry(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)

	r := testRunner(t, db, "http://unused", defaultCfg())
	jobID, err := r.Enqueue(TypeCreateTemplate, &conn.ID, map[string]interface{}{
		"template": map[string]interface{}{"name": "bad template name"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r.run(attempt{jobID: jobID, try: 1})

	job, _ := r.Status(jobID)
	if job.Status != models.JobFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}

	// only the original job row may exist
	jobs, _ := db.GetJobs(10)
	if len(jobs) != 1 {
		t.Errorf("job rows = %d, validation failures must not spawn retries", len(jobs))
	}
}

func TestGatewayErrorRetries(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := defaultCfg()
	cfg.MaxTries = 2
	r := testRunner(t, db, srv.URL, cfg)

	jobID, err := r.Enqueue(TypeSyncData, &conn.ID, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-r.queue // drain the original enqueue
	r.run(attempt{jobID: jobID, try: 1})

	// the retry attempt lands on the queue after zero backoff
	var retry attempt
	select {
	case retry = <-r.queue:
	case <-time.After(2 * time.Second):
		t.Fatal("no retry attempt was queued")
	}
	if retry.try != 2 {
		t.Errorf("retry.try = %d, want 2", retry.try)
	}

	r.run(retry)

	jobs, _ := db.GetJobs(10)
	if len(jobs) != 2 {
		t.Fatalf("job rows = %d, want one per attempt", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != models.JobFailed {
			t.Errorf("job %d status = %q, want failed", j.ID, j.Status)
		}
	}
}

func TestRunCreateHostsBatchJob(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"hostid": "20001"},
		})
	}))
	defer srv.Close()

	r := testRunner(t, db, srv.URL, defaultCfg())
	jobID, err := r.Enqueue(TypeCreateHostsBatch, &conn.ID, map[string]interface{}{
		"hosts": []interface{}{
			map[string]interface{}{"host": "web-01"},
			map[string]interface{}{"host": "web-02"},
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r.run(attempt{jobID: jobID, try: 1})

	job, _ := r.Status(jobID)
	if job.Status != models.JobCompleted {
		t.Fatalf("status = %q, error = %q", job.Status, job.ErrorMessage)
	}
	if job.ResultData["created"] != float64(2) {
		t.Errorf("result = %v", job.ResultData)
	}
}

func TestRunCleanupJob(t *testing.T) {
	db := setupTestDB(t)

	cfg := defaultCfg()
	cfg.RetentionDays = -1 // future cutoff: every terminal job qualifies
	r := testRunner(t, db, "http://unused", cfg)

	oldID, err := db.CreateJob(models.BackgroundJob{JobType: TypeSyncData, Status: models.JobPending})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := db.MarkJobFailed(oldID, "boom"); err != nil {
		t.Fatalf("MarkJobFailed: %v", err)
	}

	jobID, err := r.Enqueue(TypeCleanupOldJobs, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r.run(attempt{jobID: jobID, try: 1})

	job, _ := r.Status(jobID)
	if job.Status != models.JobCompleted {
		t.Fatalf("status = %q, error = %q", job.Status, job.ErrorMessage)
	}
	if job.ResultData["jobs_deleted"] != float64(1) {
		t.Errorf("result = %v", job.ResultData)
	}

	if _, err := db.GetJob(oldID); err == nil {
		t.Error("terminal job should have been deleted")
	}
}
