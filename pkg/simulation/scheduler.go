package simulation

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/canopy-network/blockorb/pkg/graph"
)

// maxTransitionsPerTick bounds catch-up work after a long stall of the frame clock.
const maxTransitionsPerTick = 64

// TransitionFunc observes peer state changes.
type TransitionFunc func(peer *graph.PeerNode, from, to graph.PeerState)

// Scheduler advances peer lifecycles, link animation and beams. It does no I/O
// and is not safe for concurrent use; Simulation serializes access.
type Scheduler struct {
	graph  *graph.Graph
	params graph.Params
	rng    *rand.Rand

	beamSpeed   float64
	beamMaxDist float64
	beams       []*Beam
	nextBeamID  uint64

	now          time.Duration
	onTransition TransitionFunc
}

// NewScheduler drives g with the given parameters.
func NewScheduler(g *graph.Graph, p graph.Params, beamSpeed, beamMaxDist float64, rng *rand.Rand) *Scheduler {
	s := &Scheduler{
		graph:       g,
		params:      p,
		rng:         rng,
		beamSpeed:   beamSpeed,
		beamMaxDist: beamMaxDist,
	}
	for _, peer := range g.Peers {
		s.derive(peer)
	}
	g.SyncLinks(0)
	return s
}

// Now is the scheduler clock: the sum of all ticks.
func (s *Scheduler) Now() time.Duration { return s.now }

// Beams returns the live beams. The slice must not be modified.
func (s *Scheduler) Beams() []*Beam { return s.beams }

// BeamSpeed in units per second.
func (s *Scheduler) BeamSpeed() float64 { return s.beamSpeed }

// OnTransition installs an observer for peer state changes.
func (s *Scheduler) OnTransition(fn TransitionFunc) { s.onTransition = fn }

// Tick advances everything by dt. A non-positive dt changes nothing.
func (s *Scheduler) Tick(dt time.Duration) {
	if dt <= 0 {
		return
	}
	s.now += dt

	for _, peer := range s.graph.Peers {
		s.advance(peer, dt)
	}
	s.graph.SyncLinks(dt)
	s.expireBeams()
}

// Emit starts a beam at the validator's position.
func (s *Scheduler) Emit(v *graph.ValidatorNode, blockNumber uint64) *Beam {
	s.nextBeamID++
	b := &Beam{
		ID:            v.Address + "-" + strconv.FormatUint(s.nextBeamID, 10),
		OriginAddress: v.Address,
		Origin:        v.Position,
		BlockNumber:   blockNumber,
		StartTime:     s.now,
		MaxDistance:   s.beamMaxDist,
	}
	s.beams = append(s.beams, b)
	return b
}

// ClearBeams drops every beam.
func (s *Scheduler) ClearBeams() { s.beams = nil }

func (s *Scheduler) expireBeams() {
	live := s.beams[:0]
	for _, b := range s.beams {
		if !b.Expired(s.now, s.beamSpeed) {
			live = append(live, b)
		}
	}
	for i := len(live); i < len(s.beams); i++ {
		s.beams[i] = nil
	}
	s.beams = live
}

func (s *Scheduler) advance(peer *graph.PeerNode, dt time.Duration) {
	peer.Timer -= dt
	for i := 0; peer.Timer <= 0 && i < maxTransitionsPerTick; i++ {
		overshoot := -peer.Timer
		s.transition(peer)
		peer.Timer -= overshoot
	}
	if peer.Timer < 0 {
		peer.Timer = 0
	}
	s.derive(peer)
}

func (s *Scheduler) transition(peer *graph.PeerNode) {
	from := peer.State
	to := from.Next()
	peer.State = to

	switch to {
	case graph.PeerSpawning:
		graph.PlacePeer(peer, s.params, s.rng)
		s.graph.RewirePeer(peer.Index, s.params.RewireDistance)
		peer.Timer = s.params.PeerTransition
	case graph.PeerActive:
		peer.Timer = s.lifetime()
	case graph.PeerDying:
		peer.Timer = s.params.PeerTransition
	case graph.PeerHidden:
		peer.Timer = s.spawnDelay()
	}

	if s.onTransition != nil {
		s.onTransition(peer, from, to)
	}
}

// derive sets opacity and position from state and timer.
func (s *Scheduler) derive(peer *graph.PeerNode) {
	progress := 1.0
	if s.params.PeerTransition > 0 {
		progress = 1 - float64(peer.Timer)/float64(s.params.PeerTransition)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	switch peer.State {
	case graph.PeerHidden:
		peer.Opacity = 0
		peer.Current = peer.Start
	case graph.PeerSpawning:
		peer.Opacity = progress
		peer.Current = peer.Start.Lerp(peer.Target, graph.Smoothstep(progress))
	case graph.PeerActive:
		peer.Opacity = 1
		peer.Current = peer.Target
	case graph.PeerDying:
		peer.Opacity = 1 - progress
		peer.Current = peer.Target
	}
}

// lifetime is uniform in [lifetime/2, lifetime].
func (s *Scheduler) lifetime() time.Duration {
	l := s.params.PeerLifetime
	if l <= 0 {
		return time.Millisecond
	}
	half := l / 2
	if half <= 0 {
		return l
	}
	return half + time.Duration(s.rng.Int63n(int64(l-half)+1))
}

func (s *Scheduler) spawnDelay() time.Duration {
	d := s.params.SpawnDelay
	if d <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(d)))
}
