// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the broker.
package api

import "time"

// SubmitRequest is the request body for POST /submissions.
type SubmitRequest struct {
	Plugin string         `json:"plugin"`
	Data   map[string]any `json:"data"`
}

// SubmitResponse is returned once a submission has been accepted.
type SubmitResponse struct {
	AppID string `json:"app_id"`
}

// SubmissionResponse describes one application.
type SubmissionResponse struct {
	AppID         string            `json:"app_id"`
	Plugin        string            `json:"plugin"`
	Status        string            `json:"status"`
	Terminated    bool              `json:"terminated"`
	Reason        string            `json:"reason,omitempty"`
	Handle        map[string]string `json:"handle,omitempty"`
	StartTime     *time.Time        `json:"start_time,omitempty"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	ExecutionTime float64           `json:"execution_time"`
	DashboardURL  string            `json:"dashboard_url,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ListSubmissionsResponse is the response body for GET /submissions.
type ListSubmissionsResponse struct {
	Submissions []SubmissionResponse `json:"submissions"`
}

// ErrorsResponse is the response body for GET /submissions/{id}/errors.
type ErrorsResponse struct {
	Errors []string `json:"errors"`
}

// PluginResponse describes an enabled backend.
type PluginResponse struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ListPluginsResponse is the response body for GET /plugins.
type ListPluginsResponse struct {
	Plugins []PluginResponse `json:"plugins"`
}

// CallbackRequest is the completion report a backend task posts to
// POST /callbacks/{id}.
type CallbackRequest struct {
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
