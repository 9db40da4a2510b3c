package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/canopy-network/blockorb/app/orb/types"
	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
)

const maxConfigBody = 1 << 20

// HandleGetConfig returns the tunables the orb was last built with.
func (c *Controller) HandleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.App.Sim.Config())
}

// HandlePutConfig merges the body into the current tunables and rebuilds the orb.
// Fields missing from the body keep their current value.
func (c *Controller) HandlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
		return
	}
	cfg, err := c.App.UpdateConfig(func(cur *config.Orb) error {
		if err := json.Unmarshal(body, cur); err != nil {
			return errors.New("bad json")
		}
		return nil
	})
	switch {
	case errors.Is(err, types.ErrInvalidConfig):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		c.App.Logger.Error("Failed to apply orb config", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
