package collaborator

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
)

// Client reaches the collaborator services. Base URLs are passed per call so
// a restored application keeps talking to the services it started with.
type Client struct {
	http *retryablehttp.Client
}

func New(httpClient *retryablehttp.Client) *Client {
	return &Client{http: httpClient}
}

type MonitorRequest struct {
	Plugin        string         `json:"plugin"`
	PluginInfo    map[string]any `json:"plugin_info"`
	CollectPeriod int            `json:"collect_period"`
}

type ControllerRequest struct {
	Username   string         `json:"username,omitempty"`
	Password   string         `json:"password,omitempty"`
	Plugin     string         `json:"plugin"`
	PluginInfo map[string]any `json:"plugin_info"`
}

// SetupRequest caps the resources the controller may assign to each instance.
type SetupRequest struct {
	ActuatorPlugin string         `json:"actuator_plugin,omitempty"`
	InstancesCap   map[string]int `json:"instances_cap"`
	Parameters     map[string]any `json:"scaling_parameters,omitempty"`
}

type OptimizerResult struct {
	Cores int `json:"cores"`
	VMs   int `json:"vms"`
}

func (c *Client) StartMonitor(ctx context.Context, baseURL, appID string, req MonitorRequest) error {
	return DoJSON(ctx, c.http, http.MethodPost, JoinURL(baseURL, "monitoring", appID), req, nil)
}

func (c *Client) StopMonitor(ctx context.Context, baseURL, appID string) error {
	return DoJSON(ctx, c.http, http.MethodPut, JoinURL(baseURL, "monitoring", appID, "stop"), nil, nil)
}

func (c *Client) StartController(ctx context.Context, baseURL, appID string, req ControllerRequest) error {
	return DoJSON(ctx, c.http, http.MethodPost, JoinURL(baseURL, "scaling", appID), req, nil)
}

func (c *Client) StopController(ctx context.Context, baseURL, appID string) error {
	return DoJSON(ctx, c.http, http.MethodPost, JoinURL(baseURL, "scaling", appID, "stop"), nil, nil)
}

func (c *Client) SetupEnvironment(ctx context.Context, baseURL string, req SetupRequest) error {
	return DoJSON(ctx, c.http, http.MethodPost, JoinURL(baseURL, "setup"), req, nil)
}

func (c *Client) StartVisualizer(ctx context.Context, baseURL, appID string, info map[string]any) error {
	return DoJSON(ctx, c.http, http.MethodPost, JoinURL(baseURL, "visualizing", appID), info, nil)
}

func (c *Client) StopVisualizer(ctx context.Context, baseURL, appID string, info map[string]any) error {
	return DoJSON(ctx, c.http, http.MethodPut, JoinURL(baseURL, "visualizing", appID, "stop"), info, nil)
}

// VisualizerURL returns the dashboard address the visualizer created for appID.
func (c *Client) VisualizerURL(ctx context.Context, baseURL, appID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := DoJSON(ctx, c.http, http.MethodGet, JoinURL(baseURL, "visualizing", appID), nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Optimize asks the optimizer how many cores an application needs to finish
// within expectedTime seconds.
func (c *Client) Optimize(ctx context.Context, baseURL, appName string, expectedTime float64, days int) (OptimizerResult, error) {
	q := url.Values{}
	q.Set("app_name", appName)
	q.Set("expected_time", strconv.FormatFloat(expectedTime, 'f', -1, 64))
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}
	var out OptimizerResult
	err := DoJSON(ctx, c.http, http.MethodGet, JoinURL(baseURL, "optimize")+"?"+q.Encode(), nil, &out)
	return out, err
}
