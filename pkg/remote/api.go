package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gpubridge/pkg/logger"
)

const defaultAPITimeout = 30 * time.Second

// PromptResponse is returned by POST /prompt.
type PromptResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type queueDeleteRequest struct {
	Delete []string `json:"delete"`
}

// APIClient talks to one worker's HTTP control surface. It holds no session state.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a client for baseURL. A nil httpClient uses a 30s timeout client.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultAPITimeout}
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the worker's API base address.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// SubmitPrompt queues a workflow; frames for it are routed to clientID's session.
func (c *APIClient) SubmitPrompt(ctx context.Context, workflow json.RawMessage, clientID string) (*PromptResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/prompt", promptRequest{Prompt: workflow, ClientID: clientID})
	if err != nil {
		return nil, err
	}

	var resp PromptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode prompt response: %w", err)
	}
	if resp.PromptID == "" {
		return nil, fmt.Errorf("worker returned empty prompt_id: %s", string(body))
	}
	return &resp, nil
}

// CancelPrompt removes a queued prompt. It has no effect on a prompt already running.
func (c *APIClient) CancelPrompt(ctx context.Context, promptID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/queue", queueDeleteRequest{Delete: []string{promptID}})
	return err
}

// Interrupt stops whatever the worker is executing right now.
func (c *APIClient) Interrupt(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/interrupt", nil)
	return err
}

// GetHistory returns the worker's opaque history document for promptID.
func (c *APIClient) GetHistory(ctx context.Context, promptID string) (json.RawMessage, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/history/"+promptID, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// SystemStats returns the worker's device and memory statistics document.
func (c *APIClient) SystemStats(ctx context.Context) (json.RawMessage, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/system_stats", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *APIClient) doRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	url := c.baseURL + path

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read " + method, URL: url, Err: err}
	}

	logger.Debugf("worker API %s %s -> %d", method, url, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respData)}
	}
	return respData, nil
}
