package controller

import (
	"net/http"

	"github.com/canopy-network/blockorb/app/relay/types"
	"github.com/gorilla/mux"
)

type Controller struct {
	App *types.App
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{
		App: app,
	}
}

// NewRouter returns a new router with all the routes of the relay.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(c.HandleHealth)).Methods("GET")

	r.HandleFunc("/blocks", c.HandleBlocksSSE).Methods("GET")
	r.HandleFunc("/ws/blocks", c.HandleBlocksWebSocket).Methods("GET")
	r.HandleFunc("/api/validators", c.HandleValidators).Methods("GET")

	return r, nil
}
