package chronos

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"appbroker/internal/collaborator"
)

// Job is a Chronos job as returned by the search endpoint.
type Job struct {
	Name         string `json:"name"`
	Command      string `json:"command"`
	SuccessCount int    `json:"successCount"`
	ErrorCount   int    `json:"errorCount"`
	LastSuccess  string `json:"lastSuccess"`
	LastError    string `json:"lastError"`
	Disabled     bool   `json:"disabled"`
}

// Client talks to the Chronos scheduler REST API.
type Client struct {
	http     *retryablehttp.Client
	baseURL  string
	username string
	password string
}

func NewClient(httpClient *retryablehttp.Client, baseURL, username, password string) *Client {
	return &Client{http: httpClient, baseURL: baseURL, username: username, password: password}
}

func (c *Client) auth() []collaborator.RequestOption {
	if c.username == "" {
		return nil
	}
	return []collaborator.RequestOption{collaborator.WithBasicAuth(c.username, c.password)}
}

// Schedule submits an ISO8601-scheduled job definition.
func (c *Client) Schedule(ctx context.Context, job map[string]any) error {
	return collaborator.DoJSON(ctx, c.http, http.MethodPost,
		collaborator.JoinURL(c.baseURL, "scheduler", "iso8601"), job, nil, c.auth()...)
}

// Find returns the job called name, or nil when Chronos does not know it.
func (c *Client) Find(ctx context.Context, name string) (*Job, error) {
	var jobs []Job
	u := collaborator.JoinURL(c.baseURL, "scheduler", "jobs", "search") + "?name=" + url.QueryEscape(name)
	if err := collaborator.DoJSON(ctx, c.http, http.MethodGet, u, nil, &jobs, c.auth()...); err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].Name == name {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

// KillTasks stops the running tasks of a job.
func (c *Client) KillTasks(ctx context.Context, name string) error {
	return ignoreMissing(collaborator.DoJSON(ctx, c.http, http.MethodDelete,
		collaborator.JoinURL(c.baseURL, "scheduler", "task", "kill", url.PathEscape(name)), nil, nil, c.auth()...))
}

// Delete removes a job definition.
func (c *Client) Delete(ctx context.Context, name string) error {
	return ignoreMissing(collaborator.DoJSON(ctx, c.http, http.MethodDelete,
		collaborator.JoinURL(c.baseURL, "scheduler", "job", url.PathEscape(name)), nil, nil, c.auth()...))
}

func ignoreMissing(err error) error {
	var se *collaborator.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
