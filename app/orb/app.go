package orb

import (
	"context"
	"time"

	"github.com/canopy-network/blockorb/app/orb/types"
	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/canopy-network/blockorb/pkg/logging"
	"github.com/canopy-network/blockorb/pkg/presentation"
	"github.com/canopy-network/blockorb/pkg/redis"
	"github.com/canopy-network/blockorb/pkg/relay"
	"github.com/canopy-network/blockorb/pkg/simulation"
	"github.com/canopy-network/blockorb/pkg/utils"
	"github.com/canopy-network/blockorb/pkg/validators"
	"go.uber.org/zap"
)

// Initialize wires the feed, the simulation and the presentation together.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New("orb")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	orbCfg, err := config.Load(utils.Env("ORB_CONFIG_FILE", ""))
	if err != nil {
		logger.Fatal("Unable to load orb config", zap.Error(err))
	}

	// Redis only backs the validator cache here (optional)
	var redisClient *redis.Client
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, redis.OptionsFromEnv(), logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - validator cache will be process local",
				zap.Error(err))
			redisClient = nil
		}
	}

	directory := validators.NewFromEnv(redisClient, logger)
	res := directory.GetValidators(ctx)
	if res.Error {
		logger.Warn("Validator set unavailable at startup, starting with an empty orb")
	}

	sim, err := simulation.New(orbCfg, res.Infos(), logger)
	if err != nil {
		logger.Fatal("Unable to build the orb", zap.Error(err))
	}

	transport, err := blockfeed.ParseTransport(utils.Env("RELAY_TRANSPORT", "websocket"))
	if err != nil {
		logger.Fatal("Invalid relay transport", zap.Error(err))
	}
	feed := blockfeed.New(blockfeed.Options{
		URL:            utils.Env("RELAY_URL", "ws://localhost:3001/ws/blocks"),
		Transport:      transport,
		MaxRetries:     utils.EnvInt("RELAY_MAX_RETRIES", 10),
		InitialBackoff: utils.EnvDuration("RELAY_BACKOFF", time.Second),
		MaxBackoff:     utils.EnvDuration("RELAY_MAX_BACKOFF", 30*time.Second),
		BackoffJitter:  0.1,
		StallTimeout:   utils.EnvDuration("RELAY_STALL_TIMEOUT", 60*time.Second),
	}, logger)

	frames := relay.NewHub(relay.HubOptions{Buffer: utils.EnvInt("FRAME_BUFFER", 8)}, logger)
	adapter := presentation.NewAdapter(sim,
		&types.HubRenderer{Hub: frames, Logger: logger},
		&types.HubPlayer{Hub: frames, Logger: logger},
		logger)

	app := &types.App{
		Sim:           sim,
		Feed:          feed,
		Adapter:       adapter,
		Directory:     directory,
		Frames:        frames,
		CronSpec:      utils.Env("VALIDATOR_REFRESH_CRON", "*/60 * * * * *"),
		FrameRate:     utils.EnvInt("FRAME_RATE", 30),
		SnapshotEvery: utils.EnvInt("SNAPSHOT_EVERY", 1),
		RedisClient:   redisClient,
		Logger:        logger,
	}
	app.SetValidatorSet(res.Infos())

	feed.OnBlockEvent(app.HandleBlock)
	feed.OnStateChange(func(s blockfeed.ConnectionState) {
		types.PublishState(frames, logger, s)
	})

	if err := app.SetupScheduler(ctx); err != nil {
		logger.Fatal("Unable to schedule validator refresh", zap.Error(err))
	}

	return app
}
