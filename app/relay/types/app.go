package types

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/redis"
	"github.com/canopy-network/blockorb/pkg/relay"
	"github.com/canopy-network/blockorb/pkg/rpc"
	"github.com/canopy-network/blockorb/pkg/validators"
	"go.uber.org/zap"
)

type App struct {
	// Hub fans relay messages out to SSE and WebSocket clients.
	Hub *relay.Hub
	// Head is nil on follower replicas that only listen on Redis.
	Head      *rpc.HeadSubscriber
	Directory *validators.Directory
	// RedisClient is optional.
	RedisClient *redis.Client
	Logger      *zap.Logger
	Server      *http.Server

	lastBlock atomic.Uint64
	blocks    atomic.Uint64
}

// LastBlock is the number of the newest block relayed by this replica.
func (a *App) LastBlock() uint64 { return a.lastBlock.Load() }

// Blocks counts blocks relayed by this replica.
func (a *App) Blocks() uint64 { return a.blocks.Load() }

// PublishBlock converts a node block to a relay message and broadcasts it.
func (a *App) PublishBlock(ctx context.Context, b rpc.Block) {
	msg, err := blockfeed.EncodeBlock(b.Relay())
	if err != nil {
		a.Logger.Error("Failed to encode block", zap.Uint64("number", b.Number), zap.Error(err))
		return
	}
	a.lastBlock.Store(b.Number)
	a.blocks.Add(1)
	a.Hub.Publish(ctx, msg)
}

// PublishError tells clients the upstream subscription failed.
func (a *App) PublishError(ctx context.Context, cause error) {
	msg, err := blockfeed.EncodeError(cause.Error())
	if err != nil {
		a.Logger.Error("Failed to encode relay error", zap.Error(err))
		return
	}
	a.Hub.Publish(ctx, msg)
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go a.Hub.Run(ctx)

	if a.Head != nil {
		go func() {
			err := a.Head.Run(ctx,
				func(b rpc.Block) { a.PublishBlock(ctx, b) },
				func(err error) { a.PublishError(ctx, err) })
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("Head subscription stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)
	if a.Directory != nil {
		a.Directory.Close()
	}

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
