package kubeapps

import "appbroker/internal/executor"

// Submission is the payload accepted by the kubeapps backend.
type Submission struct {
	Port       int               `mapstructure:"port"`
	CodeFrom   string            `mapstructure:"code_from"`
	InitSize   int               `mapstructure:"init_size"`
	EnvVars    map[string]string `mapstructure:"env_vars"`
	Img        string            `mapstructure:"img"`
	GitAddress string            `mapstructure:"git_address"`
	Cmd        []string          `mapstructure:"cmd"`
	ConfigID   string            `mapstructure:"config_id"`
}

const (
	fromImage = "image"
	fromGit   = "git"
)

var Schema = executor.Schema{
	Fields: []executor.Field{
		{Name: "port", Kind: executor.Int, Positive: true},
		{Name: "code_from", Kind: executor.String, OneOf: []string{fromImage, fromGit}},
		{Name: "init_size", Kind: executor.Int, Positive: true},
		{Name: "env_vars", Kind: executor.StringMap},
		{Name: "img", Kind: executor.String, Optional: true},
		{Name: "git_address", Kind: executor.String, Optional: true},
		{Name: "cmd", Kind: executor.StringList, Optional: true},
		{Name: "config_id", Kind: executor.String, Optional: true},
	},
	Rules: []executor.Rule{
		executor.RequiredIfEquals("code_from", fromImage, executor.Field{Name: "img", Kind: executor.String}),
		executor.RequiredIfEquals("code_from", fromGit, executor.Field{Name: "git_address", Kind: executor.String}),
	},
}
