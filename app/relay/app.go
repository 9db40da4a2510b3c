package relay

import (
	"context"
	"time"

	"github.com/canopy-network/blockorb/app/relay/types"
	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/logging"
	"github.com/canopy-network/blockorb/pkg/redis"
	"github.com/canopy-network/blockorb/pkg/relay"
	"github.com/canopy-network/blockorb/pkg/rpc"
	"github.com/canopy-network/blockorb/pkg/utils"
	"github.com/canopy-network/blockorb/pkg/validators"
	"go.uber.org/zap"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New("relay")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	// Redis lets several relay replicas share one upstream subscription (optional)
	var redisClient *redis.Client
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, redis.OptionsFromEnv(), logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - relay will serve local subscribers only",
				zap.Error(err))
			redisClient = nil
		}
	} else {
		logger.Info("Redis disabled - relay will serve local subscribers only")
	}

	hub := relay.NewHub(relay.HubOptions{
		Buffer:   utils.EnvInt("RELAY_BUFFER", 64),
		Redis:    redisClient,
		Channel:  utils.Env("RELAY_CHANNEL", relay.DefaultChannel),
		Sequence: blockfeed.BlockNumber,
	}, logger)

	var head *rpc.HeadSubscriber
	if utils.EnvBool("RELAY_UPSTREAM", true) {
		head = rpc.NewHeadSubscriber(rpc.HeadOptions{
			URL:            utils.Env("NODE_WS_URL", "ws://localhost:8648/ws"),
			IncludeBody:    true,
			InitialBackoff: utils.EnvDuration("NODE_WS_BACKOFF", time.Second),
		}, logger)
	} else if redisClient == nil {
		logger.Fatal("RELAY_UPSTREAM=false requires Redis to receive blocks")
	}

	return &types.App{
		Hub:         hub,
		Head:        head,
		Directory:   validators.NewFromEnv(redisClient, logger),
		RedisClient: redisClient,
		Logger:      logger,
	}
}
