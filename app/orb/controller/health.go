package controller

import (
	"net/http"
)

// HandleHealth reports ok while the feed is running. A feed that gave up answers
// 503 so orchestrators can restart the process.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient != nil {
		if err := c.App.RedisClient.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "redis connection error"})
			return
		}
	}

	state := c.App.Feed.State()
	if c.App.Feed.Exhausted() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "errored", "error": "block feed stopped", "feed": string(state)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "feed": string(state)})
}
