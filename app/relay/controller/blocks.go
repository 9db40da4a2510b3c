package controller

import (
	"fmt"
	"net/http"
	"time"

	"github.com/canopy-network/blockorb/pkg/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const sseKeepAlive = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleBlocksSSE streams relay messages as server-sent events, one JSON message
// per data line.
func (c *Controller) HandleBlocksSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	sub := c.App.Hub.Subscribe()
	defer c.App.Hub.Unsubscribe(sub)

	c.App.Logger.Info("SSE client connected", zap.String("remote_addr", r.RemoteAddr))
	defer c.App.Logger.Info("SSE client disconnected", zap.String("remote_addr", r.RemoteAddr))

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-sub.C():
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				c.App.Logger.Debug("Failed to write SSE message", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// HandleBlocksWebSocket streams relay messages as WebSocket text frames.
func (c *Controller) HandleBlocksWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	sub := c.App.Hub.Subscribe()
	defer c.App.Hub.Unsubscribe(sub)

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))
	relay.ServeWebSocket(r.Context(), conn, sub, nil, c.App.Logger.With(zap.String("remote_addr", r.RemoteAddr)))
	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}
