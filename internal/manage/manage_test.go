package manage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/zabbix-fleet/zabbix-fleet/internal/audit"
	"github.com/zabbix-fleet/zabbix-fleet/internal/gateway"
	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
)

func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "manage-test-*.db")
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

func createServer(t *testing.T, idKey, idValue string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{idKey: idValue},
		})
	}))
}

func TestValidateHostInput(t *testing.T) {
	tests := []struct {
		name  string
		input HostInput
		valid bool
	}{
		{"plain name", HostInput{Host: "web-01"}, true},
		{"dots and underscores", HostInput{Host: "db_replica.internal"}, true},
		{"with valid ip", HostInput{Host: "web-01", IP: "10.0.0.5"}, true},
		{"with valid ipv6", HostInput{Host: "web-01", IP: "::1"}, true},
		{"missing host", HostInput{}, false},
		{"spaces", HostInput{Host: "web 01"}, false},
		{"slash", HostInput{Host: "web/01"}, false},
		{"bad ip", HostInput{Host: "web-01", IP: "999.1.2.3"}, false},
	}

	for _, tt := range tests {
		err := validateHostInput(tt.input)
		if tt.valid && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.valid {
			if err == nil {
				t.Errorf("%s: expected error", tt.name)
				continue
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("%s: error type = %T", tt.name, err)
			}
		}
	}
}

func TestValidateTemplateInput(t *testing.T) {
	if err := validateTemplateInput(TemplateInput{Name: "App.Template_v2"}); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	if err := validateTemplateInput(TemplateInput{}); err == nil {
		t.Error("empty name accepted")
	}
	if err := validateTemplateInput(TemplateInput{Name: "ok", HistoryRetention: "7days"}); err == nil {
		t.Error("bad retention accepted")
	}
	if err := validateTemplateInput(TemplateInput{Name: "ok", HistoryRetention: "2w", TrendsRetention: "1y"}); err != nil {
		t.Errorf("valid retention rejected: %v", err)
	}
}

func TestCreateHost(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)
	srv := createServer(t, "hostid", "20042")
	defer srv.Close()

	svc := New(db, gateway.NewClient(srv.URL), audit.NewRecorder(db))
	host, err := svc.CreateHost(conn, HostInput{
		Host: "web-01", IP: "10.0.0.5", Templates: []string{"10001", "10002"},
	}, 1)
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}

	if host.HostID != "20042" {
		t.Errorf("HostID = %q", host.HostID)
	}
	if host.Status != models.HostEnabled || host.Available != models.AvailabilityUnknown {
		t.Errorf("new host state = %q/%q", host.Status, host.Available)
	}
	if host.VisibleName != "web-01" {
		t.Errorf("VisibleName = %q, want fallback to host name", host.VisibleName)
	}
	if host.TemplatesCount != 2 {
		t.Errorf("TemplatesCount = %d", host.TemplatesCount)
	}

	stored, err := db.GetHostByRemoteID(conn.ID, "20042")
	if err != nil {
		t.Fatalf("GetHostByRemoteID: %v", err)
	}
	if stored.HostName != "web-01" {
		t.Errorf("stored host name = %q", stored.HostName)
	}
}

func TestCreateHostValidationSkipsGateway(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{}})
	}))
	defer srv.Close()

	svc := New(db, gateway.NewClient(srv.URL), audit.NewRecorder(db))
	_, err := svc.CreateHost(conn, HostInput{Host: "bad host name"}, 1)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if called {
		t.Error("gateway must not be called for invalid input")
	}
	if gateway.IsRetryable(err) {
		t.Error("validation errors must not be retryable")
	}

	logs, _ := db.GetAuditLogs(10)
	if len(logs) != 1 || logs[0].Status != models.AuditFailed {
		t.Errorf("audit logs = %+v", logs)
	}
}

func TestCreateHostsBatchPartial(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)
	srv := createServer(t, "hostid", "20001")
	defer srv.Close()

	svc := New(db, gateway.NewClient(srv.URL), audit.NewRecorder(db))
	result, err := svc.CreateHostsBatch(context.Background(), conn, []HostInput{
		{Host: "good-01"},
		{Host: "bad host"},
		{Host: "good-02"},
	}, 1, nil)
	if err != nil {
		t.Fatalf("CreateHostsBatch: %v", err)
	}

	if result.Created != 2 || result.Errors != 1 {
		t.Errorf("result = %+v", result)
	}
	if result.Hosts[1].Status != "error" || result.Hosts[1].Index != 1 {
		t.Errorf("outcome[1] = %+v", result.Hosts[1])
	}

	logs, _ := db.GetAuditLogs(20)
	var batch *models.AuditLog
	for i := range logs {
		if logs[i].Action == "create_hosts_batch" {
			batch = &logs[i]
		}
	}
	if batch == nil {
		t.Fatal("no batch audit entry")
	}
	if batch.Status != models.AuditPartial {
		t.Errorf("batch audit status = %q, want partial", batch.Status)
	}
}

func TestCreateTemplate(t *testing.T) {
	db := setupTestDB(t)
	conn := seedConnection(t, db)
	srv := createServer(t, "templateid", "10042")
	defer srv.Close()

	svc := New(db, gateway.NewClient(srv.URL), audit.NewRecorder(db))
	template, err := svc.CreateTemplate(conn, TemplateInput{Name: "App.Monitoring"}, 1)
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	if template.TemplateID != "10042" {
		t.Errorf("TemplateID = %q", template.TemplateID)
	}
	if template.TemplateType != models.TemplateCustom {
		t.Errorf("type = %q, want custom", template.TemplateType)
	}
	if template.IsOptimized {
		t.Error("new template must not be optimized")
	}
	if template.HistoryRetention != "7d" || template.TrendsRetention != "30d" {
		t.Errorf("retention defaults = %q/%q", template.HistoryRetention, template.TrendsRetention)
	}
	if !template.NeedsOptimization() {
		t.Error("new custom template should be an optimization candidate")
	}
}
