package chronos

import (
	"errors"

	"appbroker/internal/executor"
)

// Submission is the payload accepted by the chronos backend.
type Submission struct {
	InfoPlugin struct {
		// Job is the Chronos job definition. name and command are required,
		// any other Chronos field is passed through.
		Job map[string]any `mapstructure:"job"`
		QoS *QoS           `mapstructure:"qos"`
	} `mapstructure:"info_plugin"`
	MonitorPlugin string         `mapstructure:"monitor_plugin"`
	MonitorInfo   map[string]any `mapstructure:"monitor_info"`
}

// QoS is forwarded to the supervisor.
type QoS struct {
	Deadline     float64 `mapstructure:"deadline" json:"deadline"`
	Duration     float64 `mapstructure:"duration" json:"job_duration"`
	DesvDeadline float64 `mapstructure:"desv_deadline" json:"desv_deadline"`
}

var jobSchema = executor.Schema{
	Fields: []executor.Field{
		{Name: "name", Kind: executor.String},
		{Name: "command", Kind: executor.String},
	},
}

var Schema = executor.Schema{
	Fields: []executor.Field{
		{Name: "info_plugin", Kind: executor.Map},
		{Name: "monitor_plugin", Kind: executor.String, Optional: true},
		{Name: "monitor_info", Kind: executor.Map, Optional: true},
	},
	Rules: []executor.Rule{jobRule},
}

func jobRule(payload map[string]any) error {
	info, _ := payload["info_plugin"].(map[string]any)
	raw, ok := info["job"]
	if !ok || raw == nil {
		return &executor.ValidationError{Field: "info_plugin.job", Reason: "is missing"}
	}
	job, ok := raw.(map[string]any)
	if !ok {
		return &executor.ValidationError{Field: "info_plugin.job", Reason: "must be an object"}
	}
	err := jobSchema.Validate(job)
	var verr *executor.ValidationError
	if errors.As(err, &verr) {
		return &executor.ValidationError{Field: "info_plugin.job." + verr.Field, Reason: verr.Reason}
	}
	return err
}
