package lifecycle

import (
	"fmt"
	"time"

	"appbroker/internal/executor"
	"appbroker/internal/store"
)

const (
	keyMonitor    = "monitor"
	keyController = "controller"
	keyVisualizer = "visualizer"
	keyDashboard  = "dashboard"
)

// ToSnapshot converts a record into its persisted form.
func ToSnapshot(r executor.Record) *store.Snapshot {
	snap := &store.Snapshot{
		Version:    store.SnapshotVersion,
		AppID:      r.AppID,
		Plugin:     r.Plugin,
		State:      string(r.State),
		Handle:     r.Clone().Handle,
		Terminated: r.Terminated,
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if !r.StartTime.IsZero() {
		snap.StartTime = timePtr(r.StartTime)
	}
	if !r.EndTime.IsZero() {
		snap.EndTime = timePtr(r.EndTime)
	}

	c := r.Collaborators
	collab := map[string]string{}
	for k, v := range map[string]string{
		keyMonitor:    c.MonitorURL,
		keyController: c.ControllerURL,
		keyVisualizer: c.VisualizerURL,
		keyDashboard:  c.DashboardURL,
	} {
		if v != "" {
			collab[k] = v
		}
	}
	if len(collab) > 0 {
		snap.Collaborators = collab
	}
	return snap
}

// FromSnapshot rebuilds a record from its persisted form.
func FromSnapshot(s *store.Snapshot) (executor.Record, error) {
	state, err := executor.ParseState(s.State)
	if err != nil {
		return executor.Record{}, fmt.Errorf("snapshot %s: %w", s.AppID, err)
	}
	r := executor.Record{
		AppID:      s.AppID,
		Plugin:     s.Plugin,
		State:      state,
		Handle:     s.Handle,
		Terminated: s.Terminated,
		Reason:     s.Reason,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		Collaborators: executor.Collaborators{
			MonitorURL:    s.Collaborators[keyMonitor],
			ControllerURL: s.Collaborators[keyController],
			VisualizerURL: s.Collaborators[keyVisualizer],
			DashboardURL:  s.Collaborators[keyDashboard],
		},
	}
	if s.StartTime != nil {
		r.StartTime = *s.StartTime
	}
	if s.EndTime != nil {
		r.EndTime = *s.EndTime
	}
	return r.Clone(), nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
