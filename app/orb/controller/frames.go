package controller

import (
	"encoding/json"
	"net/http"

	"github.com/canopy-network/blockorb/app/orb/types"
	"github.com/canopy-network/blockorb/pkg/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleFramesWebSocket streams frame, pattern and state messages. A new client
// first gets the feed state and a full snapshot.
func (c *Controller) HandleFramesWebSocket(w http.ResponseWriter, r *http.Request) {
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

	sub := c.App.Frames.Subscribe()
	defer c.App.Frames.Unsubscribe(sub)

	frame := c.snapshot()
	var greeting [][]byte
	for _, m := range []types.FrameMessage{
		{Type: types.MessageState, State: c.App.Feed.State()},
		{Type: types.MessageFrame, Frame: &frame},
	} {
		b, err := json.Marshal(m)
		if err != nil {
			c.App.Logger.Error("Failed to encode greeting", zap.Error(err))
			return
		}
		greeting = append(greeting, b)
	}

	logger := c.App.Logger.With(zap.String("remote_addr", r.RemoteAddr))
	logger.Info("Frame client connected")
	relay.ServeWebSocket(r.Context(), conn, sub, greeting, logger)
	logger.Info("Frame client disconnected")
}
