package docker

import "appbroker/internal/executor"

// Submission is the payload accepted by the docker backend.
type Submission struct {
	Img           string            `mapstructure:"img"`
	Cmd           []string          `mapstructure:"cmd"`
	EnvVars       map[string]string `mapstructure:"env_vars"`
	MonitorPlugin string            `mapstructure:"monitor_plugin"`
	MonitorInfo   map[string]any    `mapstructure:"monitor_info"`
}

var Schema = executor.Schema{
	Fields: []executor.Field{
		{Name: "img", Kind: executor.String},
		{Name: "cmd", Kind: executor.StringList},
		{Name: "env_vars", Kind: executor.StringMap, Optional: true},
		{Name: "monitor_plugin", Kind: executor.String, Optional: true},
		{Name: "monitor_info", Kind: executor.Map, Optional: true},
	},
}
