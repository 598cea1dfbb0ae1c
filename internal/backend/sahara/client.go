package sahara

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"appbroker/internal/collaborator"
)

// Cluster status values reported by Sahara.
const (
	clusterActive = "Active"
	clusterError  = "Error"
)

type NodeGroupSpec struct {
	Name                string `json:"name"`
	NodeGroupTemplateID string `json:"node_group_template_id"`
	Count               int    `json:"count"`
}

type ClusterSpec struct {
	Name                     string          `json:"name"`
	PluginName               string          `json:"plugin_name"`
	HadoopVersion            string          `json:"hadoop_version"`
	DefaultImageID           string          `json:"default_image_id"`
	UserKeypairID            string          `json:"user_keypair_id,omitempty"`
	NeutronManagementNetwork string          `json:"neutron_management_network"`
	NodeGroups               []NodeGroupSpec `json:"node_groups"`
}

type Instance struct {
	InstanceID string `json:"instance_id"`
	InternalIP string `json:"internal_ip"`
}

type Cluster struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	NodeGroups []struct {
		Name      string     `json:"name"`
		Instances []Instance `json:"instances"`
	} `json:"node_groups"`
}

// Master returns the first instance of the master node group.
func (c *Cluster) Master() (Instance, bool) {
	for _, ng := range c.NodeGroups {
		if ng.Name == masterGroup && len(ng.Instances) > 0 {
			return ng.Instances[0], true
		}
	}
	return Instance{}, false
}

// Workers returns the instances of every other node group.
func (c *Cluster) Workers() []Instance {
	var out []Instance
	for _, ng := range c.NodeGroups {
		if ng.Name != masterGroup {
			out = append(out, ng.Instances...)
		}
	}
	return out
}

type JobBinary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type JobTemplate struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Mains []JobBinary `json:"mains"`
}

type JobExecution struct {
	ID   string `json:"id"`
	Info struct {
		Status string `json:"status"`
	} `json:"info"`
}

// Client calls the Sahara data processing API with a Keystone token.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	tokens  *tokenSource
}

func NewClient(httpClient *retryablehttp.Client, baseURL string, creds Credentials) *Client {
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		tokens:  &tokenSource{http: httpClient, creds: creds},
	}
}

func (c *Client) do(ctx context.Context, method string, path []string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	return collaborator.DoJSON(ctx, c.http, method, collaborator.JoinURL(c.baseURL, path...), body, out,
		collaborator.WithHeader("X-Auth-Token", token))
}

func (c *Client) CreateCluster(ctx context.Context, spec ClusterSpec) (*Cluster, error) {
	var out struct {
		Cluster Cluster `json:"cluster"`
	}
	if err := c.do(ctx, http.MethodPost, []string{"clusters"}, spec, &out); err != nil {
		return nil, err
	}
	return &out.Cluster, nil
}

func (c *Client) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	var out struct {
		Cluster Cluster `json:"cluster"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"clusters", id}, nil, &out); err != nil {
		return nil, err
	}
	return &out.Cluster, nil
}

func (c *Client) DeleteCluster(ctx context.Context, id string) error {
	return ignoreMissing(c.do(ctx, http.MethodDelete, []string{"clusters", id}, nil, nil))
}

// JobBinary returns the binary registered for url, creating it when missing.
func (c *Client) JobBinary(ctx context.Context, name, url string, extra map[string]string) (string, error) {
	var list struct {
		Binaries []JobBinary `json:"binaries"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"job-binaries"}, nil, &list); err != nil {
		return "", err
	}
	for _, b := range list.Binaries {
		if b.URL == url {
			return b.ID, nil
		}
	}

	var out struct {
		JobBinary JobBinary `json:"job_binary"`
	}
	body := map[string]any{"name": name, "url": url, "extra": extra}
	if err := c.do(ctx, http.MethodPost, []string{"job-binaries"}, body, &out); err != nil {
		return "", err
	}
	return out.JobBinary.ID, nil
}

// JobTemplate returns a template whose mains include binaryID, creating one
// when none exists.
func (c *Client) JobTemplate(ctx context.Context, name, jobType, binaryID string) (string, error) {
	var list struct {
		Jobs []JobTemplate `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"jobs"}, nil, &list); err != nil {
		return "", err
	}
	for _, j := range list.Jobs {
		for _, m := range j.Mains {
			if m.ID == binaryID {
				return j.ID, nil
			}
		}
	}

	var out struct {
		Job JobTemplate `json:"job"`
	}
	body := map[string]any{"name": name, "type": jobType, "mains": []string{binaryID}}
	if err := c.do(ctx, http.MethodPost, []string{"jobs"}, body, &out); err != nil {
		return "", err
	}
	return out.Job.ID, nil
}

// Execute runs a job template on a cluster.
func (c *Client) Execute(ctx context.Context, templateID, clusterID, mainClass string, args []string) (string, error) {
	configs := map[string]any{}
	if mainClass != "" {
		configs["edp.java.main_class"] = mainClass
	}
	body := map[string]any{
		"cluster_id":  clusterID,
		"job_configs": map[string]any{"configs": configs, "args": args},
	}
	var out struct {
		JobExecution JobExecution `json:"job_execution"`
	}
	if err := c.do(ctx, http.MethodPost, []string{"jobs", templateID, "execute"}, body, &out); err != nil {
		return "", err
	}
	return out.JobExecution.ID, nil
}

func (c *Client) JobExecution(ctx context.Context, id string) (*JobExecution, error) {
	var out struct {
		JobExecution JobExecution `json:"job_execution"`
	}
	if err := c.do(ctx, http.MethodGet, []string{"job-executions", id}, nil, &out); err != nil {
		return nil, err
	}
	return &out.JobExecution, nil
}

func (c *Client) CancelJobExecution(ctx context.Context, id string) error {
	return ignoreMissing(c.do(ctx, http.MethodGet, []string{"job-executions", id, "cancel"}, nil, nil))
}

func ignoreMissing(err error) error {
	if isMissing(err) {
		return nil
	}
	return err
}
