package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
)

// HandleValidators serves the active validator set. A degraded directory still
// answers 200 with an empty list and error set.
func (c *Controller) HandleValidators(w http.ResponseWriter, r *http.Request) {
	res := c.App.Directory.GetValidators(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_ = json.NewEncoder(w).Encode(res)
}
