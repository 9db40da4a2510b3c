package controller

import (
	"net/http"

	"github.com/canopy-network/blockorb/app/orb/types"
	"github.com/canopy-network/blockorb/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
)

type Controller struct {
	App        *types.App
	AdminToken string
	Users      map[string]types.User
	JWTSecret  []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	adminToken := utils.Env("ADMIN_TOKEN", "devtoken")
	adminUser := utils.Env("ADMIN_USER", "admin")
	adminUsersJSON := utils.Env("ADMIN_USERS", "")
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", "change-me-please"))

	phash, _ := utils.HashOrRead(adminPass)
	users := map[string]types.User{}
	users[adminUser] = types.User{Username: adminUser, Hash: phash, Role: "admin"}
	if adminUsersJSON != "" {
		_ = json.Unmarshal([]byte(adminUsersJSON), &users)
	}

	return &Controller{
		App:        app,
		AdminToken: adminToken,
		Users:      users,
		JWTSecret:  jwtSecret,
	}
}

// NewRouter returns a new router with all the routes of the visualizer.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(c.HandleHealth)).Methods("GET")

	r.HandleFunc("/api/auth/login", c.HandleAdminLogin).Methods("POST")
	r.HandleFunc("/api/auth/logout", c.HandleAdminLogout).Methods("POST")

	r.HandleFunc("/api/validators", c.HandleValidators).Methods("GET")
	r.HandleFunc("/api/stats", c.HandleStats).Methods("GET")
	r.HandleFunc("/api/frame", c.HandleFrame).Methods("GET")
	r.HandleFunc("/api/config", c.HandleGetConfig).Methods("GET")
	r.HandleFunc("/api/feed", c.HandleGetFeed).Methods("GET")

	admin := r.PathPrefix("/api").Subrouter()
	admin.Use(c.RequireAdmin)
	admin.HandleFunc("/config", c.HandlePutConfig).Methods("PUT")
	admin.HandleFunc("/feed", c.HandlePutFeed).Methods("PUT")
	admin.HandleFunc("/validators/refresh", c.HandleRefreshValidators).Methods("POST")

	r.HandleFunc("/ws/frames", c.HandleFramesWebSocket).Methods("GET")

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
