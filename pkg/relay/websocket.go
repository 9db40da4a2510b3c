package relay

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/canopy-network/blockorb/pkg/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	PingInterval  = 30 * time.Second
	ReadDeadline  = 60 * time.Second
	WriteDeadline = 10 * time.Second
)

// ServeWebSocket writes greeting, then every message of sub, to conn as text
// frames until the client goes away or ctx is done. Client messages are read
// only to detect closure and keep the read deadline fresh.
func ServeWebSocket(ctx context.Context, conn *websocket.Conn, sub *Subscriber, greeting [][]byte, logger *zap.Logger) {
	logger = logging.OrNop(logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic in WebSocket writer goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
				_ = conn.Close()
				cancel()
			}
		}()
		writeMessages(ctx, conn, greeting, sub.C(), logger)
	}()

	readUntilClosed(ctx, conn, cancel, logger)
	cancel()
	wg.Wait()
}

// writeMessages owns every write on conn, pings included, so gorilla's single
// writer rule holds.
func writeMessages(ctx context.Context, conn *websocket.Conn, greeting [][]byte, msgs <-chan []byte, logger *zap.Logger) {
	write := func(msg []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(WriteDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Debug("Failed to write WebSocket message", zap.Error(err))
			_ = conn.Close()
			return false
		}
		return true
	}
	for _, msg := range greeting {
		if !write(msg) {
			return
		}
	}

	ping := time.NewTicker(PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(WriteDeadline)); err != nil {
				logger.Debug("Failed to send ping", zap.Error(err))
				_ = conn.Close()
				return
			}
		case msg := <-msgs:
			if !write(msg) {
				return
			}
		}
	}
}

func readUntilClosed(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, logger *zap.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(ReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ReadDeadline))
	})

	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(ReadDeadline))
	}
}
