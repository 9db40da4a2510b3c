package validators

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/canopy-network/blockorb/pkg/graph"
	"github.com/canopy-network/blockorb/pkg/logging"
	"github.com/canopy-network/blockorb/pkg/redis"
	"github.com/canopy-network/blockorb/pkg/retry"
	"github.com/canopy-network/blockorb/pkg/rpc"
	"go.uber.org/zap"
)

// DefaultCacheKey is the Redis key shared by relay replicas.
const DefaultCacheKey = "blockorb:validators"

// Validator is one entry of the active set with optional registry metadata.
type Validator struct {
	Address     string `json:"address"`
	NumSlots    uint32 `json:"numSlots"`
	Name        string `json:"name,omitempty"`
	Logo        string `json:"logo,omitempty"`
	AccentColor string `json:"accentColor"`
}

// Info converts the entry for graph generation. Stake weight is the slot count.
func (v Validator) Info() graph.ValidatorInfo {
	return graph.ValidatorInfo{
		Address:     v.Address,
		Name:        v.Name,
		Logo:        v.Logo,
		StakeWeight: uint64(v.NumSlots),
		AccentColor: v.AccentColor,
	}
}

// Result is what GetValidators hands out. Error marks a degraded, empty answer.
type Result struct {
	Count      int         `json:"count"`
	Validators []Validator `json:"validators"`
	Error      bool        `json:"error,omitempty"`
}

// Infos converts every validator for graph generation.
func (r Result) Infos() []graph.ValidatorInfo {
	out := make([]graph.ValidatorInfo, len(r.Validators))
	for i, v := range r.Validators {
		out[i] = v.Info()
	}
	return out
}

// Node is the chain client the directory reads the election slots from.
type Node interface {
	IsConsensusEstablished(ctx context.Context) (bool, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetLastElectionBlock(ctx context.Context, blockNumber uint64) (uint64, error)
	GetElectionSlots(ctx context.Context, electionBlock uint64) ([]rpc.Slot, error)
}

// Registry supplies display names and logos.
type Registry interface {
	Validators(ctx context.Context) ([]rpc.ValidatorMeta, error)
}

// Cache is an optional second-level cache shared between processes.
type Cache interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Options tune a Directory.
type Options struct {
	TTL            time.Duration
	AccentColor    string
	ConsensusRetry retry.Config
	Cache          Cache
	CacheKey       string
	Now            func() time.Time
}

// ErrNoConsensus is returned while the node is still syncing.
var ErrNoConsensus = errors.New("node has not established consensus")

// Directory resolves the active validator set with metadata and caches it for TTL.
// Concurrent callers inside the TTL share one value and at most one refresh runs
// at a time.
type Directory struct {
	node     Node
	registry Registry
	opts     Options
	logger   *zap.Logger
	pool     pond.Pool

	mu        sync.Mutex
	cached    *Result
	fetchedAt time.Time
}

// New builds a directory. registry may be nil, in which case no metadata is attached.
func New(node Node, registry Registry, opts Options, logger *zap.Logger) *Directory {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.AccentColor == "" {
		opts.AccentColor = config.DefaultAccentColor
	}
	if opts.ConsensusRetry.MaxRetries <= 0 {
		opts.ConsensusRetry = retry.DefaultConfig()
	}
	if opts.CacheKey == "" {
		opts.CacheKey = DefaultCacheKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Directory{
		node:     node,
		registry: registry,
		opts:     opts,
		logger:   logging.OrNop(logger),
		pool:     pond.NewPool(4),
	}
}

// ErrClosed is reported for refreshes attempted after Close.
var ErrClosed = errors.New("validator directory closed")

// Close stops the fetch pool after in-flight fetches finish. Cached results are
// still served; refreshes degrade.
func (d *Directory) Close() {
	d.pool.StopAndWait()
}

// GetValidators returns the cached set, refreshing it when older than TTL. It never
// fails: problems are logged and reported as an empty Result with Error set.
func (d *Directory) GetValidators(ctx context.Context) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.opts.Now()
	if d.cached != nil && now.Sub(d.fetchedAt) < d.opts.TTL {
		return d.cached.clone()
	}

	if d.opts.Cache != nil {
		var shared Result
		err := d.opts.Cache.GetJSON(ctx, d.opts.CacheKey, &shared)
		switch {
		case err == nil:
			d.store(shared, now)
			return shared.clone()
		case !errors.Is(err, redis.ErrCacheMiss):
			d.logger.Warn("Shared validator cache unavailable", zap.Error(err))
		}
	}

	res, err := d.fetch(ctx)
	if err != nil {
		d.logger.Error("Failed to resolve validator set", zap.Error(err))
		return Result{Validators: []Validator{}, Error: true}
	}
	d.store(res, now)

	if d.opts.Cache != nil {
		if err := d.opts.Cache.SetJSON(ctx, d.opts.CacheKey, res, d.opts.TTL); err != nil {
			d.logger.Warn("Failed to share validator set", zap.Error(err))
		}
	}
	return res.clone()
}

// Invalidate drops the in-process cache so the next call refreshes.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func (d *Directory) store(r Result, at time.Time) {
	c := r.clone()
	d.cached = &c
	d.fetchedAt = at
}

func (r Result) clone() Result {
	out := r
	out.Validators = append([]Validator{}, r.Validators...)
	return out
}

func (d *Directory) fetch(ctx context.Context) (Result, error) {
	start := time.Now()

	err := retry.WithBackoff(ctx, d.opts.ConsensusRetry, d.logger, "wait for consensus", func() error {
		ok, err := d.node.IsConsensusEstablished(ctx)
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoConsensus
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	head, err := d.node.GetBlockNumber(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("get head block: %w", err)
	}
	election, err := d.node.GetLastElectionBlock(ctx, head)
	if err != nil {
		return Result{}, fmt.Errorf("get last election block before %d: %w", head, err)
	}

	var (
		slots    []rpc.Slot
		slotsErr error
		metas    []rpc.ValidatorMeta
	)
	if d.pool.Stopped() {
		return Result{}, ErrClosed
	}
	group := d.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	group.Submit(func() {
		slots, slotsErr = d.node.GetElectionSlots(groupCtx, election)
	})
	group.Submit(func() {
		if d.registry == nil {
			return
		}
		var err error
		metas, err = d.registry.Validators(groupCtx)
		if err != nil {
			d.logger.Warn("Validator registry unavailable, continuing without metadata", zap.Error(err))
			metas = nil
		}
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		d.logger.Warn("parallel validator fetch encountered error", zap.Error(err))
	}
	if slotsErr != nil {
		return Result{}, fmt.Errorf("get election slots at %d: %w", election, slotsErr)
	}

	res := d.merge(slots, metas)
	d.logger.Info("Validator set resolved",
		zap.Uint64("head", head),
		zap.Uint64("election_block", election),
		zap.Int("validators", res.Count),
		zap.Int("registry_entries", len(metas)),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// merge attaches registry metadata by address. The registry's placeholder name is
// treated as no name.
func (d *Directory) merge(slots []rpc.Slot, metas []rpc.ValidatorMeta) Result {
	byAddr := make(map[string]rpc.ValidatorMeta, len(metas))
	for _, m := range metas {
		if _, dup := byAddr[m.Address]; !dup {
			byAddr[m.Address] = m
		}
	}

	out := make([]Validator, 0, len(slots))
	for _, s := range slots {
		v := Validator{
			Address:     s.Validator,
			NumSlots:    s.NumSlots,
			AccentColor: d.opts.AccentColor,
		}
		if m, ok := byAddr[s.Validator]; ok {
			if m.Name != rpc.UnknownValidatorName {
				v.Name = m.Name
			}
			v.Logo = m.Logo
		}
		out = append(out, v)
	}
	return Result{Count: len(out), Validators: out}
}
