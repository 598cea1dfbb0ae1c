package handlers

import (
	"net/http"

	"appbroker/pkg/api"
)

// ListPlugins handles GET /plugins.
func (h *Handlers) ListPlugins(w http.ResponseWriter, r *http.Request) {
	descs := h.broker.Plugins()
	resp := api.ListPluginsResponse{Plugins: make([]api.PluginResponse, 0, len(descs))}
	for _, d := range descs {
		resp.Plugins = append(resp.Plugins, api.PluginResponse{
			Name:        d.Name,
			Title:       d.Title,
			Description: d.Description,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
