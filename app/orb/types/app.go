package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/canopy-network/blockorb/pkg/graph"
	"github.com/canopy-network/blockorb/pkg/presentation"
	"github.com/canopy-network/blockorb/pkg/redis"
	"github.com/canopy-network/blockorb/pkg/relay"
	"github.com/canopy-network/blockorb/pkg/simulation"
	"github.com/canopy-network/blockorb/pkg/validators"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// User is an admin allowed to edit the orb tunables.
type User struct {
	Username string `json:"username"`
	Hash     []byte `json:"hash"`
	Role     string `json:"role"`
}

type App struct {
	Sim       *simulation.Simulation
	Feed      *blockfeed.Feed
	Adapter   *presentation.Adapter
	Directory *validators.Directory
	// Frames carries frame, pattern and state messages to /ws/frames clients.
	Frames *relay.Hub

	Cron     *cron.Cron
	CronSpec string

	// FrameRate is the simulation tick rate in Hz; every SnapshotEvery ticks a
	// frame is rendered.
	FrameRate     int
	SnapshotEvery int

	// RedisClient is optional and only backs the shared validator cache.
	RedisClient *redis.Client
	Logger      *zap.Logger
	Server      *http.Server

	mu         sync.Mutex
	validators []graph.ValidatorInfo
	frames     uint64

	// rebuildMu spans read, merge and rebuild of the config and validator set.
	rebuildMu sync.Mutex
}

// ErrInvalidConfig wraps rejected config edits.
var ErrInvalidConfig = errors.New("invalid orb config")

// HandleBlock applies one block to the simulation and hands it to the presentation.
func (a *App) HandleBlock(ev blockfeed.BlockEvent) {
	applied := a.Sim.ApplyBlock(ev)
	if applied.Resync {
		a.Logger.Info("Block stream went backwards, resynced", zap.Uint64("block", ev.Number))
	}
	a.Adapter.OnBlock(ev)
}

// ValidatorSet returns the set the graph was last built from.
func (a *App) ValidatorSet() []graph.ValidatorInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]graph.ValidatorInfo(nil), a.validators...)
}

// SetValidatorSet records the set the graph was built from.
func (a *App) SetValidatorSet(v []graph.ValidatorInfo) {
	a.mu.Lock()
	a.validators = append([]graph.ValidatorInfo(nil), v...)
	a.mu.Unlock()
}

// RefreshValidators asks the directory for the current set and rebuilds the graph
// when the set changed. A degraded directory answer leaves the graph untouched.
func (a *App) RefreshValidators(ctx context.Context) error {
	res := a.Directory.GetValidators(ctx)
	if res.Error {
		return errors.New("validator directory degraded")
	}
	infos := res.Infos()

	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()
	if simulation.SameValidatorSet(a.Sim.Validators(), infos) {
		return nil
	}
	if err := a.Sim.Rebuild(a.Sim.Config(), infos); err != nil {
		return fmt.Errorf("rebuild graph for %d validators: %w", len(infos), err)
	}
	a.SetValidatorSet(infos)
	a.Logger.Info("Validator set changed, graph rebuilt", zap.Int("validators", len(infos)))
	return nil
}

// UpdateConfig applies edit to a copy of the current tunables and rebuilds the
// graph with the result. Edit and validation failures wrap ErrInvalidConfig and
// leave the orb untouched.
func (a *App) UpdateConfig(edit func(*config.Orb) error) (config.Orb, error) {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	cfg := a.Sim.Config()
	if err := edit(&cfg); err != nil {
		return config.Orb{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Orb{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := a.Sim.Rebuild(cfg, a.ValidatorSet()); err != nil {
		return config.Orb{}, err
	}
	a.Logger.Info("Orb config replaced, graph rebuilt")
	return a.Sim.Config(), nil
}

// ApplyConfig replaces the tunables with cfg and rebuilds the graph.
func (a *App) ApplyConfig(cfg config.Orb) error {
	_, err := a.UpdateConfig(func(cur *config.Orb) error {
		*cur = cfg.Clone()
		return nil
	})
	return err
}

// FramesRendered counts frames handed to the renderer.
func (a *App) FramesRendered() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// SetupScheduler sets up the cron scheduler for validator refreshes.
func (a *App) SetupScheduler(ctx context.Context) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	_, err := a.Cron.AddFunc(a.CronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if err := a.RefreshValidators(rctx); err != nil {
			a.Logger.Warn("Validator refresh failed", zap.Error(err))
		}
	})
	return err
}

// RunFrames advances the simulation at FrameRate until ctx is done.
func (a *App) RunFrames(ctx context.Context) {
	rate := a.FrameRate
	if rate <= 0 {
		rate = 30
	}
	every := uint64(max(a.SnapshotEvery, 1))

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	last := time.Now()
	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Sim.Tick(now.Sub(last))
			last = now
			tick++
			if tick%every != 0 {
				continue
			}
			a.Adapter.Frame()
			a.mu.Lock()
			a.frames++
			a.mu.Unlock()
		}
	}
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	a.Feed.Start(ctx)
	go a.RunFrames(ctx)
	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	a.Feed.Stop()
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
