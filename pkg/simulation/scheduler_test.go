package simulation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/canopy-network/blockorb/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastParams() graph.Params {
	p := graph.ParamsFromConfig(config.Default())
	p.PeerTransition = 100 * time.Millisecond
	p.PeerLifetime = 400 * time.Millisecond
	p.SpawnDelay = 50 * time.Millisecond
	return p
}

func validators(addrs ...string) []graph.ValidatorInfo {
	out := make([]graph.ValidatorInfo, len(addrs))
	for i, a := range addrs {
		out[i] = graph.ValidatorInfo{Address: a, StakeWeight: 1}
	}
	return out
}

func newTestScheduler(t *testing.T, peers int) (*Scheduler, *graph.Graph) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	p := fastParams()
	g := graph.Generate(validators("0xA", "0xB", "0xC"), peers, p, rng)
	require.NoError(t, g.Validate())
	cfg := config.Default()
	return NewScheduler(g, p, cfg.BeamSpeed(), cfg.BeamMaxDistance(), rng), g
}

type peerSnap struct {
	state   graph.PeerState
	timer   time.Duration
	opacity float64
	current graph.Vec3
}

func snapPeers(g *graph.Graph) []peerSnap {
	out := make([]peerSnap, len(g.Peers))
	for i, p := range g.Peers {
		out[i] = peerSnap{p.State, p.Timer, p.Opacity, p.Current}
	}
	return out
}

func TestTickNonPositiveIsNoop(t *testing.T) {
	s, g := newTestScheduler(t, 50)
	s.Tick(30 * time.Millisecond)
	before := snapPeers(g)
	now := s.Now()

	s.Tick(0)
	s.Tick(-time.Second)

	assert.Equal(t, before, snapPeers(g))
	assert.Equal(t, now, s.Now())
}

func TestPeerStatesCycleInOrder(t *testing.T) {
	s, g := newTestScheduler(t, 20)

	transitions := 0
	s.OnTransition(func(peer *graph.PeerNode, from, to graph.PeerState) {
		transitions++
		assert.Equal(t, from.Next(), to, "peer %d", peer.Index)
	})

	for i := 0; i < 500; i++ {
		s.Tick(10 * time.Millisecond)
		for _, p := range g.Peers {
			assert.GreaterOrEqual(t, p.Opacity, 0.0)
			assert.LessOrEqual(t, p.Opacity, 1.0)
			assert.GreaterOrEqual(t, p.Timer, time.Duration(0))
		}
	}
	assert.Greater(t, transitions, 20)
	assert.Equal(t, 5*time.Second, s.Now())
	require.NoError(t, g.Validate())
}

func TestLargeTickCarriesOvershoot(t *testing.T) {
	s, g := newTestScheduler(t, 10)
	s.Tick(3 * time.Second)
	for _, p := range g.Peers {
		assert.GreaterOrEqual(t, p.Timer, time.Duration(0))
	}
	require.NoError(t, g.Validate())
}

func TestLinksFollowEndpoints(t *testing.T) {
	s, g := newTestScheduler(t, 120)
	for i := 0; i < 200; i++ {
		s.Tick(7 * time.Millisecond)
		for _, l := range g.Links {
			if l.IsValidatorLink {
				assert.Equal(t, graph.LinkConnected, l.State)
				continue
			}
			for _, end := range []int{l.Source, l.Target} {
				p := g.Peer(end)
				if p == nil {
					continue
				}
				if p.State == graph.PeerHidden {
					assert.Equal(t, graph.LinkDisconnected, l.State)
				}
				if p.State != graph.PeerActive {
					assert.NotEqual(t, graph.LinkConnected, l.State)
				}
			}
		}
	}
}

func TestBeamGrowsAndExpires(t *testing.T) {
	s, g := newTestScheduler(t, 0)
	v := g.Validators[0]

	b := s.Emit(v, 100)
	require.Len(t, s.Beams(), 1)
	assert.Equal(t, v.Position, b.Origin)
	assert.Equal(t, uint64(100), b.BlockNumber)

	last := b.Radius(s.Now(), s.BeamSpeed())
	assert.Zero(t, last)
	for i := 0; i < 8; i++ {
		s.Tick(100 * time.Millisecond)
		require.Len(t, s.Beams(), 1)
		r := b.Radius(s.Now(), s.BeamSpeed())
		assert.Greater(t, r, last)
		assert.Less(t, r, b.MaxDistance)
		last = r
	}

	// 35 units/s against a 30.8 unit limit: gone by 0.9 s.
	s.Tick(100 * time.Millisecond)
	assert.Empty(t, s.Beams())
}

func TestClearBeams(t *testing.T) {
	s, g := newTestScheduler(t, 0)
	s.Emit(g.Validators[0], 1)
	s.Emit(g.Validators[1], 2)
	require.Len(t, s.Beams(), 2)
	s.ClearBeams()
	assert.Empty(t, s.Beams())
}
