package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
)

func testConn() *models.Connection {
	return &models.Connection{
		ID:             1,
		Name:           "test-zabbix",
		URL:            "https://zabbix.example.com",
		Token:          "secret-token",
		TimeoutSeconds: 5,
	}
}

func rpcServer(t *testing.T, handler func(method string, params map[string]interface{}) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("jsonrpc = %q, want 2.0", req.JSONRPC)
		}
		if req.ID == "" {
			t.Error("request id is empty")
		}
		json.NewEncoder(w).Encode(handler(req.Method, req.Params))
	}))
}

func TestTestConnectionSuccess(t *testing.T) {
	srv := rpcServer(t, func(method string, params map[string]interface{}) interface{} {
		if method != "test_connection" {
			t.Errorf("method = %q, want test_connection", method)
		}
		if params["token"] != "secret-token" {
			t.Errorf("token param = %v", params["token"])
		}
		return map[string]interface{}{
			"result": map[string]interface{}{
				"response_time":  0.042,
				"zabbix_version": "6.4.1",
			},
		}
	})
	defer srv.Close()

	client := NewClient(srv.URL)
	result := client.TestConnection(testConn())

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if result.Status != models.ConnectionActive {
		t.Errorf("Status = %q, want active", result.Status)
	}
	if result.ZabbixVersion != "6.4.1" {
		t.Errorf("ZabbixVersion = %q", result.ZabbixVersion)
	}
}

func TestTestConnectionGatewayDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	result := client.TestConnection(testConn())

	if result.Success {
		t.Fatal("Success = true for a 503 gateway")
	}
	if result.Status != models.ConnectionError {
		t.Errorf("Status = %q, want error", result.Status)
	}
	if result.Error == "" {
		t.Error("Error is empty")
	}
}

func TestCallTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.GetTemplates(testConn())
	if err == nil {
		t.Fatal("expected error")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if te.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", te.StatusCode)
	}
	if !IsRetryable(err) {
		t.Error("transport error should be retryable")
	}
}

func TestCallProtocolError(t *testing.T) {
	srv := rpcServer(t, func(method string, params map[string]interface{}) interface{} {
		return map[string]interface{}{
			"error": map[string]interface{}{"message": "invalid token"},
		}
	})
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.GetHosts(testConn())
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if pe.Message != "invalid token" {
		t.Errorf("Message = %q", pe.Message)
	}
	if !IsRetryable(err) {
		t.Error("protocol error should be retryable")
	}
}

func TestGetTemplatesUnwrapsList(t *testing.T) {
	srv := rpcServer(t, func(method string, params map[string]interface{}) interface{} {
		return map[string]interface{}{
			"result": map[string]interface{}{
				"templates": []interface{}{
					map[string]interface{}{"templateid": "10001", "name": "Linux System Base"},
					map[string]interface{}{"templateid": "10002", "name": "App Template"},
				},
			},
		}
	})
	defer srv.Close()

	client := NewClient(srv.URL)
	templates, err := client.GetTemplates(testConn())
	if err != nil {
		t.Fatalf("GetTemplates: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("got %d templates, want 2", len(templates))
	}
	if templates[0]["name"] != "Linux System Base" {
		t.Errorf("first template name = %v", templates[0]["name"])
	}
}

func TestMissingResultIsEmpty(t *testing.T) {
	srv := rpcServer(t, func(method string, params map[string]interface{}) interface{} {
		return map[string]interface{}{"jsonrpc": "2.0"}
	})
	defer srv.Close()

	client := NewClient(srv.URL)
	templates, err := client.GetTemplates(testConn())
	if err != nil {
		t.Fatalf("GetTemplates: %v", err)
	}
	if len(templates) != 0 {
		t.Errorf("got %d templates from empty result", len(templates))
	}
}

func TestConnectionStats(t *testing.T) {
	srv := rpcServer(t, func(method string, params map[string]interface{}) interface{} {
		switch method {
		case "get_templates":
			return map[string]interface{}{
				"result": map[string]interface{}{
					"templates": []interface{}{
						map[string]interface{}{"templateid": "1"},
					},
				},
			}
		case "get_hosts":
			return map[string]interface{}{
				"result": map[string]interface{}{
					"hosts": []interface{}{
						map[string]interface{}{"hostid": "1"},
						map[string]interface{}{"hostid": "2"},
					},
				},
			}
		}
		return map[string]interface{}{}
	})
	defer srv.Close()

	client := NewClient(srv.URL)
	stats := client.ConnectionStats(testConn())

	if stats.TemplatesCount != 1 || stats.HostsCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ConnectionStatus != models.ConnectionActive {
		t.Errorf("ConnectionStatus = %q", stats.ConnectionStatus)
	}
}
