// Package gateway implements the JSON-RPC client for the MCP gateway that
// fronts the remote Zabbix servers.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
)

// TransportError is returned when the gateway responds with a non-2xx status.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway request failed: %d - %s", e.StatusCode, e.Body)
}

// ProtocolError is returned when the gateway responds with a JSON-RPC error
// envelope.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// Client talks to the MCP gateway process. One client serves all connections;
// per-connection credentials and timeouts travel with each call.
type Client struct {
	baseURL string
}

// NewClient creates a gateway client for the given base URL
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL}
}

type rpcRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

type rpcResponse struct {
	Result map[string]interface{} `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one JSON-RPC request. The HTTP timeout comes from the
// connection so a slow remote cannot stall callers indefinitely.
func (c *Client) call(conn *models.Connection, method string, params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	params["url"] = conn.URL
	params["token"] = conn.Token

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	timeout := time.Duration(conn.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	req, err := http.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if decoded.Error != nil {
		msg := decoded.Error.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return nil, &ProtocolError{Message: msg}
	}

	if decoded.Result == nil {
		return map[string]interface{}{}, nil
	}
	return decoded.Result, nil
}

// TestResult reports the outcome of a connectivity probe
type TestResult struct {
	Success       bool    `json:"success"`
	Status        string  `json:"status"`
	ResponseTime  float64 `json:"response_time,omitempty"`
	ZabbixVersion string  `json:"zabbix_version,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// TestConnection probes the remote server through the gateway. Failures are
// reported in the result, never as an error.
func (c *Client) TestConnection(conn *models.Connection) TestResult {
	result, err := c.call(conn, "test_connection", map[string]interface{}{
		"timeout": conn.TimeoutSeconds,
	})
	if err != nil {
		log.Printf("Connection test failed for %s: %v", conn.Name, err)
		return TestResult{Success: false, Status: models.ConnectionError, Error: err.Error()}
	}

	tr := TestResult{Success: true, Status: models.ConnectionActive}
	if v, ok := result["response_time"].(float64); ok {
		tr.ResponseTime = v
	}
	if v, ok := result["zabbix_version"].(string); ok {
		tr.ZabbixVersion = v
	}
	return tr
}

// GetTemplates returns the raw template records of the remote server
func (c *Client) GetTemplates(conn *models.Connection) ([]map[string]interface{}, error) {
	result, err := c.call(conn, "get_templates", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get templates: %w", err)
	}
	return extractList(result, "templates"), nil
}

// GetHosts returns the raw host records of the remote server
func (c *Client) GetHosts(conn *models.Connection) ([]map[string]interface{}, error) {
	result, err := c.call(conn, "get_hosts", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get hosts: %w", err)
	}
	return extractList(result, "hosts"), nil
}

// AnalyzeTemplateHistoryTrends returns the gateway's retention analysis for
// one template.
func (c *Client) AnalyzeTemplateHistoryTrends(conn *models.Connection, templateID string) (map[string]interface{}, error) {
	result, err := c.call(conn, "analyze_template_history_trends", map[string]interface{}{
		"template_id": templateID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze template %s: %w", templateID, err)
	}
	return result, nil
}

// UpdateTemplateHistoryTrends applies retention settings to one template
func (c *Client) UpdateTemplateHistoryTrends(conn *models.Connection, templateID string, settings map[string]interface{}) (map[string]interface{}, error) {
	result, err := c.call(conn, "update_template_history_trends", map[string]interface{}{
		"template_id":           templateID,
		"optimization_settings": settings,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update template %s: %w", templateID, err)
	}
	return result, nil
}

// UpdateAllTemplateHistoryTrendsAuto asks the gateway to optimize every
// template server-side in one bulk call.
func (c *Client) UpdateAllTemplateHistoryTrendsAuto(conn *models.Connection) (map[string]interface{}, error) {
	result, err := c.call(conn, "update_all_template_history_trends_auto", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to auto-optimize templates: %w", err)
	}
	return result, nil
}

// CreateHost creates a host on the remote server
func (c *Client) CreateHost(conn *models.Connection, hostData map[string]interface{}) (map[string]interface{}, error) {
	result, err := c.call(conn, "create_host", map[string]interface{}{
		"host_data": hostData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	return result, nil
}

// CreateTemplate creates a template on the remote server
func (c *Client) CreateTemplate(conn *models.Connection, templateData map[string]interface{}) (map[string]interface{}, error) {
	result, err := c.call(conn, "create_template", map[string]interface{}{
		"template_data": templateData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	return result, nil
}

// Stats summarizes what the gateway can currently see for a connection
type Stats struct {
	TemplatesCount   int       `json:"templates_count"`
	HostsCount       int       `json:"hosts_count"`
	LastCheck        time.Time `json:"last_check"`
	ConnectionStatus string    `json:"connection_status"`
	Error            string    `json:"error,omitempty"`
}

// ConnectionStats counts remote templates and hosts. Errors are folded into
// the result with status error.
func (c *Client) ConnectionStats(conn *models.Connection) Stats {
	stats := Stats{LastCheck: time.Now().UTC()}

	templates, err := c.GetTemplates(conn)
	if err != nil {
		stats.ConnectionStatus = models.ConnectionError
		stats.Error = err.Error()
		return stats
	}
	hosts, err := c.GetHosts(conn)
	if err != nil {
		stats.ConnectionStatus = models.ConnectionError
		stats.Error = err.Error()
		return stats
	}

	stats.TemplatesCount = len(templates)
	stats.HostsCount = len(hosts)
	stats.ConnectionStatus = models.ConnectionActive
	return stats
}

// IsRetryable reports whether the error is a gateway-side failure worth
// retrying. Validation and encoding errors are not.
func IsRetryable(err error) bool {
	var te *TransportError
	var pe *ProtocolError
	var ue *url.Error
	return errors.As(err, &te) || errors.As(err, &pe) || errors.As(err, &ue)
}

func extractList(result map[string]interface{}, key string) []map[string]interface{} {
	raw, ok := result[key].([]interface{})
	if !ok {
		return nil
	}
	items := make([]map[string]interface{}, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]interface{}); ok {
			items = append(items, m)
		}
	}
	return items
}
