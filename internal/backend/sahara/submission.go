package sahara

import "appbroker/internal/executor"

// Submission is the payload accepted by the sahara backend.
type Submission struct {
	NetID             string         `mapstructure:"net_id"`
	MasterNG          string         `mapstructure:"master_ng"`
	SlaveNG           string         `mapstructure:"slave_ng"`
	ImageID           string         `mapstructure:"image_id"`
	OpenStackPlugin   string         `mapstructure:"openstack_plugin"`
	Version           string         `mapstructure:"version"`
	JobBinaryName     string         `mapstructure:"job_binary_name"`
	JobBinaryURL      string         `mapstructure:"job_binary_url"`
	JobTemplateName   string         `mapstructure:"job_template_name"`
	JobType           string         `mapstructure:"job_type"`
	MainClass         string         `mapstructure:"main_class"`
	Args              []string       `mapstructure:"args"`
	AppName           string         `mapstructure:"app_name"`
	ExpectedTime      float64        `mapstructure:"expected_time"`
	CollectPeriod     int            `mapstructure:"collect_period"`
	NumberOfJobs      int            `mapstructure:"number_of_jobs"`
	StartingCap       int            `mapstructure:"starting_cap"`
	MonitorPlugin     string         `mapstructure:"monitor_plugin"`
	ControlPlugin     string         `mapstructure:"control_plugin"`
	ControlParameters map[string]any `mapstructure:"control_parameters"`
	Days              *int           `mapstructure:"days"`
	ClusterSize       *int           `mapstructure:"cluster_size"`
}

var Schema = executor.Schema{
	Fields: []executor.Field{
		{Name: "net_id", Kind: executor.String},
		{Name: "master_ng", Kind: executor.String},
		{Name: "slave_ng", Kind: executor.String},
		{Name: "image_id", Kind: executor.String},
		{Name: "openstack_plugin", Kind: executor.String},
		{Name: "version", Kind: executor.String},
		{Name: "job_binary_name", Kind: executor.String},
		{Name: "job_binary_url", Kind: executor.String},
		{Name: "job_template_name", Kind: executor.String},
		{Name: "job_type", Kind: executor.String},
		{Name: "main_class", Kind: executor.String},
		{Name: "args", Kind: executor.StringList},
		{Name: "app_name", Kind: executor.String},
		{Name: "expected_time", Kind: executor.Number, Positive: true},
		{Name: "collect_period", Kind: executor.Int, Positive: true},
		{Name: "number_of_jobs", Kind: executor.Int},
		{Name: "starting_cap", Kind: executor.Int, Positive: true},
		{Name: "monitor_plugin", Kind: executor.String},
		{Name: "control_plugin", Kind: executor.String},
		{Name: "control_parameters", Kind: executor.Map},
		{Name: "days", Kind: executor.Int, Optional: true},
		{Name: "cluster_size", Kind: executor.Int, Optional: true, Positive: true},
	},
}
