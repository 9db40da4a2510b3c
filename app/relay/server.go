package relay

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/blockorb/app/relay/controller"
	"github.com/canopy-network/blockorb/app/relay/types"
	"github.com/canopy-network/blockorb/pkg/utils"
)

// NewServer builds the HTTP server of the relay and stores it on app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3001")

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           utils.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
