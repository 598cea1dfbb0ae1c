package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"appbroker/pkg/api"
)

// BrokerClient handles API calls to the broker.
type BrokerClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewBrokerClient creates a new client with the given base URL and token.
func NewBrokerClient(baseURL, token string) *BrokerClient {
	return &BrokerClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends one request and decodes a 2xx body into out when out is not nil.
func (c *BrokerClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the error field of an api.ErrorResponse, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		if e.Details != "" {
			return e.Error + ": " + e.Details
		}
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}

// Submit sends POST /submissions.
func (c *BrokerClient) Submit(req api.SubmitRequest) (*api.SubmitResponse, error) {
	var out api.SubmitResponse
	if err := c.do(http.MethodPost, "/submissions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubmission sends GET /submissions/{id}.
func (c *BrokerClient) GetSubmission(appID string) (*api.SubmissionResponse, error) {
	var out api.SubmissionResponse
	if err := c.do(http.MethodGet, "/submissions/"+appID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubmissions sends GET /submissions.
func (c *BrokerClient) ListSubmissions() ([]api.SubmissionResponse, error) {
	var out api.ListSubmissionsResponse
	if err := c.do(http.MethodGet, "/submissions", nil, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// Terminate sends PUT /submissions/{id}/terminate.
func (c *BrokerClient) Terminate(appID string) (*api.SubmissionResponse, error) {
	var out api.SubmissionResponse
	if err := c.do(http.MethodPut, "/submissions/"+appID+"/terminate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopResources sends PUT /submissions/{id}/stop.
func (c *BrokerClient) StopResources(appID string) error {
	return c.do(http.MethodPut, "/submissions/"+appID+"/stop", nil, nil)
}

// Errors sends GET /submissions/{id}/errors.
func (c *BrokerClient) Errors(appID string) ([]string, error) {
	var out api.ErrorsResponse
	if err := c.do(http.MethodGet, "/submissions/"+appID+"/errors", nil, &out); err != nil {
		return nil, err
	}
	return out.Errors, nil
}

// Delete sends DELETE /submissions/{id}.
func (c *BrokerClient) Delete(appID string) error {
	return c.do(http.MethodDelete, "/submissions/"+appID, nil, nil)
}

// ListPlugins sends GET /plugins.
func (c *BrokerClient) ListPlugins() ([]api.PluginResponse, error) {
	var out api.ListPluginsResponse
	if err := c.do(http.MethodGet, "/plugins", nil, &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}
