package simulation

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/canopy-network/blockorb/pkg/graph"
	"github.com/canopy-network/blockorb/pkg/logging"
	"go.uber.org/zap"
)

// Stats are running counters of the block stream as seen by the simulation.
type Stats struct {
	Blocks            uint64 `json:"blocks"`
	MicroBlocks       uint64 `json:"microBlocks"`
	MacroBlocks       uint64 `json:"macroBlocks"`
	Resyncs           uint64 `json:"resyncs"`
	UnknownValidators uint64 `json:"unknownValidators"`
	Rebuilds          uint64 `json:"rebuilds"`
	LastBlockNumber   uint64 `json:"lastBlockNumber"`
}

// Applied describes the effect of one block on the simulation.
type Applied struct {
	Resync bool
	// Validator is nil for macro blocks and for producers outside the graph.
	Validator *graph.ValidatorNode
	Beam      *Beam
}

// Simulation owns the graph and its scheduler. Block application, ticks,
// rebuilds and reads all go through one mutex so a frame never observes a
// half-applied block or a graph mid-rebuild.
type Simulation struct {
	mu sync.Mutex

	cfg    config.Orb
	params graph.Params
	graph  *graph.Graph
	sched  *Scheduler
	rng    *rand.Rand
	logger *zap.Logger

	lastBlock uint64
	haveBlock bool
	stats     Stats
}

// Option customizes a Simulation.
type Option func(*Simulation)

// WithRand makes peer placement and timers reproducible.
func WithRand(rng *rand.Rand) Option {
	return func(s *Simulation) { s.rng = rng }
}

// New builds the initial graph for validators.
func New(cfg config.Orb, validators []graph.ValidatorInfo, logger *zap.Logger, opts ...Option) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulation{logger: logging.OrNop(logger)}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if err := s.rebuildLocked(cfg, validators); err != nil {
		return nil, err
	}
	return s, nil
}

// ErrInvalidGraph wraps structural invariant violations found after a build.
var ErrInvalidGraph = errors.New("invalid graph")

// Rebuild replaces the graph for a new validator set or new tunables. Surviving
// validators keep their positions and block times; the clock and live beams are
// kept.
func (s *Simulation) Rebuild(cfg config.Orb, validators []graph.ValidatorInfo) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked(cfg, validators)
}

func (s *Simulation) rebuildLocked(cfg config.Orb, validators []graph.ValidatorInfo) error {
	params := graph.ParamsFromConfig(cfg)
	g := graph.Generate(validators, cfg.PeerCount(len(validators)), params, s.rng)
	g.CarryOver(s.graph)
	if err := g.Validate(); err != nil {
		s.logger.Error("Generated graph violates invariants", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInvalidGraph, err)
	}

	sched := NewScheduler(g, params, cfg.BeamSpeed(), cfg.BeamMaxDistance(), s.rng)
	if s.sched != nil {
		sched.now = s.sched.now
		sched.nextBeamID = s.sched.nextBeamID
		for _, b := range s.sched.beams {
			if g.Validator(b.OriginAddress) != nil {
				sched.beams = append(sched.beams, b)
			}
		}
		sched.onTransition = s.sched.onTransition
		s.stats.Rebuilds++
	}

	s.cfg = cfg.Clone()
	s.params = params
	s.graph = g
	s.sched = sched

	s.logger.Info("Orb graph built",
		zap.Int("validators", len(g.Validators)),
		zap.Int("peers", len(g.Peers)),
		zap.Int("links", len(g.Links)))
	return nil
}

// ApplyBlock records a block. A micro block stamps its validator's
// lastBlockTime and emits one beam. A block number at or below the last one seen
// is a relay resync: beams and block times are cleared first.
func (s *Simulation) ApplyBlock(ev blockfeed.BlockEvent) Applied {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Applied
	if s.haveBlock && ev.Number <= s.lastBlock {
		out.Resync = true
		s.stats.Resyncs++
		s.sched.ClearBeams()
		for _, v := range s.graph.Validators {
			v.LastBlockTime = graph.NeverProduced
		}
		s.logger.Warn("Block number went backwards, resetting timers",
			zap.Uint64("last", s.lastBlock),
			zap.Uint64("received", ev.Number))
	}
	s.lastBlock = ev.Number
	s.haveBlock = true
	s.stats.Blocks++
	s.stats.LastBlockNumber = ev.Number

	if !ev.IsMicro() {
		s.stats.MacroBlocks++
		return out
	}
	s.stats.MicroBlocks++

	v := s.graph.Validator(ev.ValidatorAddress)
	if v == nil {
		s.stats.UnknownValidators++
		s.logger.Debug("Block from validator outside the orb",
			zap.String("validator", ev.ValidatorAddress),
			zap.Uint64("block", ev.Number))
		return out
	}
	v.LastBlockTime = s.sched.Now()
	out.Validator = v
	out.Beam = s.sched.Emit(v, ev.Number)
	return out
}

// Tick advances the scheduler by dt.
func (s *Simulation) Tick(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched.Tick(dt)
}

// View is the read-only state handed to Read callbacks.
type View struct {
	Graph     *graph.Graph
	Beams     []*Beam
	Now       time.Duration
	BeamSpeed float64
	Config    config.Orb
	Stats     Stats
}

// Read runs fn with the simulation locked. fn must not retain or mutate View.
func (s *Simulation) Read(fn func(View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(View{
		Graph:     s.graph,
		Beams:     s.sched.beams,
		Now:       s.sched.now,
		BeamSpeed: s.sched.beamSpeed,
		Config:    s.cfg,
		Stats:     s.stats,
	})
}

// Config returns the tunables the current graph was built with.
func (s *Simulation) Config() config.Orb {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Stats returns a copy of the counters.
func (s *Simulation) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Validators returns the addresses currently in the orb, in index order.
func (s *Simulation) Validators() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.graph.Validators))
	for i, v := range s.graph.Validators {
		out[i] = v.Address
	}
	return out
}

// OnTransition installs a peer transition observer that survives rebuilds.
func (s *Simulation) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched.OnTransition(fn)
}

// SameValidatorSet reports whether a and b hold the same addresses, ignoring order.
func SameValidatorSet(a []string, b []graph.ValidatorInfo) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, addr := range a {
		set[addr] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v.Address]; !ok {
			return false
		}
	}
	return true
}
