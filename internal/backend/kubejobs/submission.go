package kubejobs

import "appbroker/internal/executor"

// Submission is the payload accepted by the kubejobs backend.
type Submission struct {
	Cmd               []string          `mapstructure:"cmd"`
	EnvVars           map[string]string `mapstructure:"env_vars"`
	Img               string            `mapstructure:"img"`
	InitSize          int               `mapstructure:"init_size"`
	ControlPlugin     string            `mapstructure:"control_plugin"`
	ControlParameters map[string]any    `mapstructure:"control_parameters"`
	MonitorPlugin     string            `mapstructure:"monitor_plugin"`
	MonitorInfo       map[string]any    `mapstructure:"monitor_info"`
	RedisWorkload     string            `mapstructure:"redis_workload"`
	EnableVisualizer  bool              `mapstructure:"enable_visualizer"`
	VisualizerPlugin  string            `mapstructure:"visualizer_plugin"`
	VisualizerInfo    map[string]any    `mapstructure:"visualizer_info"`
	ConfigID          string            `mapstructure:"config_id"`
	Username          string            `mapstructure:"username"`
	Password          string            `mapstructure:"password"`
	// WaitingTime overrides the grace delay, in seconds, before collaborators
	// are stopped.
	WaitingTime *int `mapstructure:"waiting_time"`
}

var Schema = executor.Schema{
	Fields: []executor.Field{
		{Name: "cmd", Kind: executor.StringList},
		{Name: "control_parameters", Kind: executor.Map},
		{Name: "control_plugin", Kind: executor.String},
		{Name: "env_vars", Kind: executor.StringMap},
		{Name: "img", Kind: executor.String},
		{Name: "init_size", Kind: executor.Int, Positive: true},
		{Name: "monitor_info", Kind: executor.Map},
		{Name: "monitor_plugin", Kind: executor.String},
		{Name: "redis_workload", Kind: executor.String},
		{Name: "enable_visualizer", Kind: executor.Bool},
		{Name: "config_id", Kind: executor.String, Optional: true},
		{Name: "username", Kind: executor.String, Optional: true},
		{Name: "password", Kind: executor.String, Optional: true},
		{Name: "waiting_time", Kind: executor.Int, Optional: true},
	},
	Rules: []executor.Rule{
		executor.RequiredWhen("enable_visualizer",
			executor.Field{Name: "visualizer_plugin", Kind: executor.String},
			executor.Field{Name: "visualizer_info", Kind: executor.Map},
		),
	},
}
