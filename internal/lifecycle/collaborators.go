package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"appbroker/internal/collaborator"
	"appbroker/internal/executor"
)

// Notifications lists the collaborator requests sent once an application is
// ongoing. A nil request, or one without a plugin, is skipped.
type Notifications struct {
	Monitor    *collaborator.MonitorRequest
	Controller *collaborator.ControllerRequest
}

// StartCollaborators notifies monitor and controller and records which ones
// were used so they can be stopped later, even after a restart. Failures are
// logged and never fail the application.
func (t *Tracker) StartCollaborators(ctx context.Context, n Notifications) {
	c, svc, appID := t.env.Collaborators, t.env.Services, t.AppID()
	if c == nil {
		return
	}

	var used executor.Collaborators
	if n.Monitor != nil && n.Monitor.Plugin != "" && svc.MonitorURL != "" {
		used.MonitorURL = svc.MonitorURL
		if err := c.StartMonitor(ctx, svc.MonitorURL, appID, *n.Monitor); err != nil {
			t.log.Warn("failed to start monitor", zap.Error(err))
		} else {
			t.log.Info("monitor started", zap.String("monitor_plugin", n.Monitor.Plugin))
		}
	}
	if n.Controller != nil && n.Controller.Plugin != "" && svc.ControllerURL != "" {
		used.ControllerURL = svc.ControllerURL
		if err := c.StartController(ctx, svc.ControllerURL, appID, *n.Controller); err != nil {
			t.log.Warn("failed to start controller", zap.Error(err))
		} else {
			t.log.Info("controller started", zap.String("control_plugin", n.Controller.Plugin))
		}
	}

	if used.MonitorURL == "" && used.ControllerURL == "" {
		return
	}
	err := t.Update(ctx, func(r *executor.Record) error {
		r.Collaborators.MonitorURL = used.MonitorURL
		r.Collaborators.ControllerURL = used.ControllerURL
		return nil
	})
	if err != nil {
		t.log.Warn("failed to record collaborators", zap.Error(err))
	}
}

// StartVisualizer creates the dashboard for the application and records its
// address. It returns the dashboard URL, empty when unavailable.
func (t *Tracker) StartVisualizer(ctx context.Context, info map[string]any) string {
	c, base, appID := t.env.Collaborators, t.env.Services.VisualizerURL, t.AppID()
	if c == nil || base == "" {
		t.log.Warn("visualizer requested but no visualizer service is configured")
		return ""
	}

	if err := c.StartVisualizer(ctx, base, appID, info); err != nil {
		t.log.Warn("failed to start visualizer", zap.Error(err))
		return ""
	}
	dashboard, err := c.VisualizerURL(ctx, base, appID)
	if err != nil {
		t.log.Warn("failed to get dashboard url", zap.Error(err))
	}

	err = t.Update(ctx, func(r *executor.Record) error {
		r.Collaborators.VisualizerURL = base
		r.Collaborators.DashboardURL = dashboard
		return nil
	})
	if err != nil {
		t.log.Warn("failed to record visualizer", zap.Error(err))
	}
	t.log.Info("dashboard created", zap.String("url", dashboard))
	return dashboard
}

// StopCollaborators stops the visualizer, monitor and controller recorded for
// the application, in that order.
func (t *Tracker) StopCollaborators(ctx context.Context, visualizerInfo map[string]any) {
	c := t.env.Collaborators
	if c == nil {
		return
	}
	rec := t.Record()
	used := rec.Collaborators

	if used.VisualizerURL != "" {
		if err := c.StopVisualizer(ctx, used.VisualizerURL, rec.AppID, visualizerInfo); err != nil {
			t.log.Warn("failed to stop visualizer", zap.Error(err))
		}
	}
	if used.MonitorURL != "" {
		if err := c.StopMonitor(ctx, used.MonitorURL, rec.AppID); err != nil {
			t.log.Warn("failed to stop monitor", zap.Error(err))
		}
	}
	if used.ControllerURL != "" {
		if err := c.StopController(ctx, used.ControllerURL, rec.AppID); err != nil {
			t.log.Warn("failed to stop controller", zap.Error(err))
		}
	}
	if used != (executor.Collaborators{}) {
		t.log.Info("collaborators stopped")
	}
}
