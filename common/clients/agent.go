package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lyzr/flowcore/common/models"
)

// AgentClient executes agent tasks against the external agent service.
// The engine never depends on the concrete transport.
type AgentClient interface {
	ExecuteTask(ctx context.Context, req *models.AgentTaskRequest) (*models.AgentTaskResult, error)
}

// HTTPAgentClient talks to the agent service over HTTP JSON
type HTTPAgentClient struct {
	baseURL    string
	apiKey     string
	httpClient *HTTPClient
	logger     Logger
}

// NewHTTPAgentClient creates a client for the agent service
func NewHTTPAgentClient(baseURL, apiKey string, httpClient *HTTPClient, logger Logger) *HTTPAgentClient {
	return &HTTPAgentClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ExecuteTask submits one task and blocks until the agent responds or the
// context expires. Timeouts are owned by the caller's context.
func (c *HTTPAgentClient) ExecuteTask(ctx context.Context, req *models.AgentTaskRequest) (*models.AgentTaskResult, error) {
	url := fmt.Sprintf("%s/api/v1/tasks/execute", c.baseURL)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	c.logger.Debug("executing agent task",
		"task_id", req.TaskID,
		"multimodal", req.HasMultimodalContent,
		"images", len(req.Images))

	headers := map[string]string{"Content-Type": "application/json"}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	resp, err := c.httpClient.DoRequestWithHeaders(ctx, http.MethodPost, url, bytes.NewReader(body), headers)
	if err != nil {
		return nil, fmt.Errorf("agent call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result models.AgentTaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}

	return &result, nil
}
