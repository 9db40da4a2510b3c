package graph

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return ParamsFromConfig(config.Default())
}

func validatorSet(n int) []ValidatorInfo {
	out := make([]ValidatorInfo, n)
	for i := range out {
		out[i] = ValidatorInfo{Address: fmt.Sprintf("NQ%02d VALIDATOR", i), StakeWeight: uint64(i + 1)}
	}
	return out
}

func TestGenerateThreeValidatorsNoPeers(t *testing.T) {
	g := Generate(validatorSet(3), 0, testParams(), rand.New(rand.NewSource(1)))

	require.NoError(t, g.Validate())
	assert.Equal(t, 3, g.NodeCount())
	assert.Len(t, g.Links, 3)
	for _, l := range g.Links {
		assert.True(t, l.IsValidatorLink)
		assert.Equal(t, LinkConnected, l.State)
	}
	assert.True(t, g.HasEdge(0, 1))
	assert.True(t, g.HasEdge(2, 0))
	assert.True(t, g.HasEdge(1, 2))
}

func TestGenerateInvariantsAcrossSeeds(t *testing.T) {
	p := testParams()
	for seed := int64(0); seed < 20; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			vals := 1 + rng.Intn(40)
			peers := rng.Intn(300)
			g := Generate(validatorSet(vals), peers, p, rng)

			require.NoError(t, g.Validate())
			assert.Equal(t, vals+peers, g.NodeCount())

			perPeerValidator := map[int]int{}
			perPeerOutgoing := map[int]int{}
			for _, l := range g.Links {
				assert.Less(t, l.Source, l.Target)
				if l.IsValidatorLink {
					continue
				}
				if l.Source < vals {
					perPeerValidator[l.Target]++
					continue
				}
				perPeerOutgoing[l.Source]++
				perPeerOutgoing[l.Target]++
			}
			for idx, c := range perPeerValidator {
				assert.LessOrEqual(t, c, 1, "peer %d has more than one validator link", idx)
			}
		})
	}
}

func TestGeneratePlacement(t *testing.T) {
	p := testParams()
	g := Generate(validatorSet(30), 200, p, rand.New(rand.NewSource(7)))

	for _, v := range g.Validators {
		r := v.Position.Len()
		assert.GreaterOrEqual(t, r, p.OrbRadius*0.85-1e-9)
		assert.LessOrEqual(t, r, p.OrbRadius*0.95+1e-9)
		assert.InDelta(t, v.Spherical.Radius, r, 1e-9)
		assert.False(t, v.Produced())
		assert.Equal(t, config.DefaultAccentColor, v.AccentColor)
	}
	for _, peer := range g.Peers {
		r := peer.Target.Len()
		assert.GreaterOrEqual(t, r, p.OrbRadius*0.85-1e-9)
		assert.LessOrEqual(t, r, p.OrbRadius*1.0+1e-9)

		start := peer.Start.Len()
		assert.GreaterOrEqual(t, start, p.OrbRadius*1.5-1e-9)
		assert.LessOrEqual(t, start, p.OrbRadius*1.8+1e-9)

		// entry vector points the same way as the target
		cos := (peer.Start.X*peer.Target.X + peer.Start.Y*peer.Target.Y + peer.Start.Z*peer.Target.Z) / (start * r)
		assert.InDelta(t, 1.0, cos, 1e-9)

		switch peer.State {
		case PeerActive:
			assert.Equal(t, 1.0, peer.Opacity)
			assert.Equal(t, peer.Target, peer.Current)
			assert.Less(t, peer.Timer, p.PeerLifetime)
		case PeerHidden:
			assert.Equal(t, 0.0, peer.Opacity)
			assert.Equal(t, peer.Start, peer.Current)
			assert.Less(t, peer.Timer, p.SpawnDelay)
		default:
			t.Fatalf("unexpected initial state %s", peer.State)
		}
		assert.Contains(t, p.Palette, peer.BaseColor)
	}
}

func TestGeneratePeerLinksRespectRewireDistance(t *testing.T) {
	p := testParams()
	p.RewireDistance = 0
	g := Generate(validatorSet(5), 100, p, rand.New(rand.NewSource(3)))

	require.NoError(t, g.Validate())
	assert.Len(t, g.Links, 10, "only the validator mesh survives a zero rewire distance")
}

func TestGenerateDeduplicatesAddresses(t *testing.T) {
	vals := append(validatorSet(3), ValidatorInfo{Address: "NQ00 VALIDATOR"})
	g := Generate(vals, 0, testParams(), rand.New(rand.NewSource(1)))
	require.NoError(t, g.Validate())
	assert.Len(t, g.Validators, 3)
}

func TestGenerateLinkStatesFollowPeers(t *testing.T) {
	g := Generate(validatorSet(10), 150, testParams(), rand.New(rand.NewSource(11)))
	for _, l := range g.Links {
		for _, end := range []int{l.Source, l.Target} {
			if peer := g.Peer(end); peer != nil && peer.State == PeerHidden {
				assert.Equal(t, LinkDisconnected, l.State)
			}
		}
	}
}

func TestCarryOverKeepsSurvivingValidators(t *testing.T) {
	p := testParams()
	prev := Generate(validatorSet(4), 0, p, rand.New(rand.NewSource(1)))
	prev.Validators[2].LastBlockTime = 5 * time.Second

	next := Generate(validatorSet(6), 0, p, rand.New(rand.NewSource(2)))
	next.CarryOver(prev)

	for i := 0; i < 4; i++ {
		assert.Equal(t, prev.Validators[i].Position, next.Validators[i].Position)
	}
	assert.Equal(t, 5*time.Second, next.Validators[2].LastBlockTime)
	assert.False(t, next.Validators[5].Produced())
}

func TestCarryOverScalesToNewRadius(t *testing.T) {
	p := testParams()
	prev := Generate(validatorSet(3), 0, p, rand.New(rand.NewSource(1)))

	p.OrbRadius *= 2
	next := Generate(validatorSet(3), 0, p, rand.New(rand.NewSource(2)))
	next.CarryOver(prev)

	for i := range next.Validators {
		assert.InDelta(t, prev.Validators[i].Position.Len()*2, next.Validators[i].Position.Len(), 1e-9)
		assert.InDelta(t, prev.Validators[i].Spherical.Azimuth, next.Validators[i].Spherical.Azimuth, 1e-12)
	}
}

func TestRetarget(t *testing.T) {
	g := Generate(validatorSet(3), 0, testParams(), rand.New(rand.NewSource(1)))
	g.Peers = append(g.Peers, &PeerNode{Index: 3, ID: 3, State: PeerActive})
	require.True(t, g.addLink(0, 3, false, 0))
	l, v := g.ValidatorLinkOf(3)
	require.NotNil(t, l)
	assert.Equal(t, 0, v)

	assert.True(t, g.Retarget(l, 0, 2))
	assert.True(t, g.HasEdge(2, 3))
	assert.False(t, g.HasEdge(0, 3))
	assert.Equal(t, 2, l.Source)
	assert.Equal(t, 3, l.Target)

	assert.False(t, g.Retarget(l, 2, 3), "self link refused")
	require.NoError(t, g.Validate())
}

func TestNearestValidator(t *testing.T) {
	g := &Graph{
		Validators: []*ValidatorNode{
			{Index: 0, Position: Vec3{X: 10}},
			{Index: 1, Position: Vec3{X: -10}},
		},
	}
	idx, ok := g.NearestValidator(Vec3{X: 8}, 5)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	_, ok = g.NearestValidator(Vec3{Y: 30}, 5)
	assert.False(t, ok)
}

func TestValidateCatchesCorruption(t *testing.T) {
	g := Generate(validatorSet(3), 0, testParams(), rand.New(rand.NewSource(1)))
	g.Links = append(g.Links, &Link{Source: 0, Target: 9})
	assert.ErrorContains(t, g.Validate(), "missing node")

	g = Generate(validatorSet(3), 0, testParams(), rand.New(rand.NewSource(1)))
	g.Links = append(g.Links, &Link{Source: 1, Target: 0, IsValidatorLink: true})
	assert.ErrorContains(t, g.Validate(), "duplicates")

	g = Generate(validatorSet(3), 0, testParams(), rand.New(rand.NewSource(1)))
	g.Links = g.Links[:2]
	assert.ErrorContains(t, g.Validate(), "mesh")
}

func TestSphericalCartesian(t *testing.T) {
	north := Spherical{Polar: 0, Radius: 2}.Cartesian()
	assert.InDelta(t, 2.0, north.Z, 1e-12)

	eq := Spherical{Azimuth: math.Pi / 2, Polar: math.Pi / 2, Radius: 3}.Cartesian()
	assert.InDelta(t, 3.0, eq.Y, 1e-12)
	assert.InDelta(t, 0.0, eq.X, 1e-12)
}

func TestSmoothstep(t *testing.T) {
	assert.Equal(t, 0.0, Smoothstep(-1))
	assert.Equal(t, 0.5, Smoothstep(0.5))
	assert.Equal(t, 1.0, Smoothstep(2))
}

func TestPeerStateCycle(t *testing.T) {
	s := PeerHidden
	seen := []string{}
	for i := 0; i < 5; i++ {
		seen = append(seen, s.String())
		s = s.Next()
	}
	assert.Equal(t, []string{"hidden", "spawning", "active", "dying", "hidden"}, seen)
}

func TestStateUnmarshalText(t *testing.T) {
	var p PeerState
	require.NoError(t, p.UnmarshalText([]byte("dying")))
	assert.Equal(t, PeerDying, p)
	assert.Error(t, p.UnmarshalText([]byte("zombie")))

	var l LinkState
	require.NoError(t, l.UnmarshalText([]byte("reconnecting")))
	assert.Equal(t, LinkReconnecting, l)
}

func TestRewirePeer(t *testing.T) {
	g := &Graph{
		Validators: []*ValidatorNode{
			{Index: 0, Address: "a", Position: Vec3{X: 10}},
			{Index: 1, Address: "b", Position: Vec3{X: -10}},
		},
		Peers: []*PeerNode{{Index: 2, ID: 2, Target: Vec3{X: 9}}},
		index: map[string]int{"a": 0, "b": 1},
		edges: map[edgeKey]struct{}{},
	}
	g.addLink(0, 1, true, 0)

	assert.True(t, g.RewirePeer(2, 5), "creates the missing link")
	assert.True(t, g.HasEdge(0, 2))

	g.Peers[0].Target = Vec3{X: -9}
	assert.True(t, g.RewirePeer(2, 5))
	assert.True(t, g.HasEdge(1, 2))
	assert.False(t, g.HasEdge(0, 2))

	assert.False(t, g.RewirePeer(2, 5), "already on the nearest validator")
	require.NoError(t, g.Validate())
}

func TestRewirePeerFollowsNearestValidator(t *testing.T) {
	g := Generate(validatorSet(2), 1, testParams(), rand.New(rand.NewSource(3)))
	peer := g.Peer(2)
	require.NotNil(t, peer)

	peer.Target = g.Validators[0].Position
	g.RewirePeer(2, math.Inf(1))
	l, current := g.ValidatorLinkOf(2)
	require.NotNil(t, l)
	assert.Equal(t, 0, current)

	peer.Target = g.Validators[1].Position
	assert.True(t, g.RewirePeer(2, math.Inf(1)))
	_, current = g.ValidatorLinkOf(2)
	assert.Equal(t, 1, current)
	assert.False(t, g.RewirePeer(2, math.Inf(1)))
	require.NoError(t, g.Validate())

	peer.Target = Vec3{X: 1e6}
	assert.False(t, g.RewirePeer(2, 1))
	_, current = g.ValidatorLinkOf(2)
	assert.Equal(t, 1, current)
}
