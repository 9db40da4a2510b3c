package controller

import (
	"context"
	"net/http"
	"time"
)

// HandleValidators serves the active validator set from the directory cache.
func (c *Controller) HandleValidators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.App.Directory.GetValidators(r.Context()))
}

// HandleRefreshValidators drops the directory cache and rebuilds the graph if the
// set changed.
func (c *Controller) HandleRefreshValidators(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()

	c.App.Directory.Invalidate()
	if err := c.App.RefreshValidators(ctx); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"validators": len(c.App.Sim.Validators())})
}
