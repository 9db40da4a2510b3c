package validators

import (
	"time"

	"github.com/canopy-network/blockorb/pkg/redis"
	"github.com/canopy-network/blockorb/pkg/rpc"
	"github.com/canopy-network/blockorb/pkg/utils"
	"go.uber.org/zap"
)

// NewFromEnv builds a directory against the node and registry named by the
// environment. cache may be nil.
// Environment variables:
//   - NODE_RPC_URL: comma separated node JSON-RPC endpoints (default: "http://localhost:8648")
//   - REGISTRY_URL: validator registry base URL (default: "https://validators-api-mainnet.pages.dev")
//   - VALIDATORS_TTL: in-process cache lifetime (default: 60s)
//   - RPC_TIMEOUT: per request timeout (default: 10s)
func NewFromEnv(cache *redis.Client, logger *zap.Logger) *Directory {
	timeout := utils.EnvDuration("RPC_TIMEOUT", 10*time.Second)
	node := rpc.NewNodeClient(rpc.Opts{
		Endpoints: utils.EnvList("NODE_RPC_URL", []string{"http://localhost:8648"}),
		Timeout:   timeout,
	})

	var registry Registry
	if urls := utils.EnvList("REGISTRY_URL", []string{"https://validators-api-mainnet.pages.dev"}); len(urls) > 0 {
		registry = rpc.NewRegistryClient(rpc.Opts{Endpoints: urls, Timeout: timeout})
	}

	opts := Options{TTL: utils.EnvDuration("VALIDATORS_TTL", 60*time.Second)}
	if cache != nil {
		opts.Cache = cache
	}
	return New(node, registry, opts, logger)
}
