package graph

import (
	"math"
	"math/rand"
	"slices"
	"sort"
	"time"

	"github.com/canopy-network/blockorb/pkg/config"
)

// Params are the graph-relevant tunables, snapshotted from config.Orb at build time.
type Params struct {
	OrbRadius      float64
	RewireDistance float64
	PeerScanRange  int
	PeerLifetime   time.Duration
	PeerTransition time.Duration
	SpawnDelay     time.Duration
	Palette        []string
}

// ParamsFromConfig extracts Params from the orb tunables.
func ParamsFromConfig(c config.Orb) Params {
	return Params{
		OrbRadius:      c.Geometry.OrbRadius,
		RewireDistance: c.Links.RewireDistance,
		PeerScanRange:  c.Links.PeerScanRange,
		PeerLifetime:   c.PeerLifetime(),
		PeerTransition: c.PeerTransition(),
		SpawnDelay:     c.PeerSpawnDelay(),
		Palette:        slices.Clone(c.Render.NodePalette),
	}
}

const (
	validatorRadiusMin  = 0.85
	validatorRadiusSpan = 0.10
	peerRadiusMin       = 0.85
	peerRadiusSpan      = 0.15
	entryRadiusMin      = 1.5
	entryRadiusSpan     = 0.3

	// share of peers that start visible so a cold start does not look empty
	initialActiveShare = 0.9

	peerValidatorLinks = 1
	peerPeerLinks      = 2
	peerPeerCandidates = 8
)

// Generate builds a fresh orb for the validator set plus peerCount peers. Positions
// are random per call; only structural consistency is guaranteed.
func Generate(validators []ValidatorInfo, peerCount int, p Params, rng *rand.Rand) *Graph {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if peerCount < 0 {
		peerCount = 0
	}
	if p.PeerScanRange <= 0 {
		p.PeerScanRange = 60
	}

	g := &Graph{
		Radius:     p.OrbRadius,
		Validators: make([]*ValidatorNode, 0, len(validators)),
		Peers:      make([]*PeerNode, 0, peerCount),
		index:      make(map[string]int, len(validators)),
		edges:      make(map[edgeKey]struct{}),
	}

	for _, info := range validators {
		if _, dup := g.index[info.Address]; dup {
			continue
		}
		sph := randomSpherical(rng, p.OrbRadius*(validatorRadiusMin+rng.Float64()*validatorRadiusSpan))
		accent := info.AccentColor
		if accent == "" {
			accent = config.DefaultAccentColor
		}
		idx := len(g.Validators)
		g.Validators = append(g.Validators, &ValidatorNode{
			Index:         idx,
			Address:       info.Address,
			DisplayName:   info.Name,
			Logo:          info.Logo,
			StakeWeight:   info.StakeWeight,
			AccentColor:   accent,
			Spherical:     sph,
			Position:      sph.Cartesian(),
			LastBlockTime: NeverProduced,
		})
		g.index[info.Address] = idx
	}

	v := len(g.Validators)
	for i := 0; i < peerCount; i++ {
		peer := &PeerNode{Index: v + i, ID: v + i}
		PlacePeer(peer, p, rng)
		if len(p.Palette) > 0 {
			peer.BaseColor = p.Palette[rng.Intn(len(p.Palette))]
		}
		if rng.Float64() < initialActiveShare {
			peer.State = PeerActive
			peer.Timer = randDuration(rng, p.PeerLifetime)
			peer.Opacity = 1
			peer.Current = peer.Target
		} else {
			peer.State = PeerHidden
			peer.Timer = randDuration(rng, p.SpawnDelay)
			peer.Current = peer.Start
		}
		g.Peers = append(g.Peers, peer)
	}

	for i := 0; i < v; i++ {
		for j := i + 1; j < v; j++ {
			g.addLink(i, j, true, rng.Float64()*2*math.Pi)
		}
	}

	n := g.NodeCount()
	for i := v; i < n; i++ {
		peer := g.Peer(i)
		g.linkPeerToValidators(i, peer.Target, p.RewireDistance)
		g.linkPeerToPeers(i, peer.Target, p)
	}

	g.SyncLinks(0)
	return g
}

// PlacePeer draws a new target on the sphere and the entry point the peer
// arrives from.
func PlacePeer(peer *PeerNode, p Params, rng *rand.Rand) {
	sph := randomSpherical(rng, p.OrbRadius*(peerRadiusMin+rng.Float64()*peerRadiusSpan))
	peer.Spherical = sph
	peer.Target = sph.Cartesian()
	peer.Start = peer.Target.Normalize().Scale(p.OrbRadius * (entryRadiusMin + rng.Float64()*entryRadiusSpan))
}

func (g *Graph) linkPeerToValidators(idx int, pos Vec3, maxDist float64) {
	type cand struct {
		id   int
		dist float64
	}
	cands := make([]cand, 0, len(g.Validators))
	for vi, val := range g.Validators {
		cands = append(cands, cand{vi, pos.DistanceTo(val.Position)})
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].dist < cands[b].dist })

	linked := 0
	for _, c := range cands {
		if linked >= peerValidatorLinks {
			break
		}
		if c.dist < maxDist && g.addLink(c.id, idx, false, 0) {
			linked++
		}
	}
}

func (g *Graph) linkPeerToPeers(idx int, pos Vec3, p Params) {
	v := len(g.Validators)
	n := g.NodeCount()
	lo := max(v, idx-p.PeerScanRange)
	hi := min(n, idx+p.PeerScanRange)

	type cand struct {
		id   int
		dist float64
	}
	cands := make([]cand, 0, hi-lo)
	for j := lo; j < hi; j++ {
		if j == idx {
			continue
		}
		cands = append(cands, cand{j, pos.DistanceTo(g.Peer(j).Target)})
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].dist < cands[b].dist })

	linked := 0
	for k := 0; k < len(cands) && k < peerPeerCandidates && linked < peerPeerLinks; k++ {
		c := cands[k]
		if c.dist > p.RewireDistance {
			continue
		}
		if g.addLink(idx, c.id, false, 0) {
			linked++
		}
	}
}

func randomSpherical(rng *rand.Rand, radius float64) Spherical {
	u, w := rng.Float64(), rng.Float64()
	return Spherical{
		Azimuth: 2 * math.Pi * u,
		Polar:   math.Acos(2*w - 1),
		Radius:  radius,
	}
}

func randDuration(rng *rand.Rand, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(d)))
}

// CarryOver copies positions and block times from prev for validators whose
// address survived the rebuild, so the renderer can keep them in place. When the
// orb radius changed, carried positions are scaled onto the new sphere.
func (g *Graph) CarryOver(prev *Graph) {
	if prev == nil {
		return
	}
	scale := 1.0
	if prev.Radius > 0 && g.Radius > 0 {
		scale = g.Radius / prev.Radius
	}
	for _, val := range g.Validators {
		old := prev.Validator(val.Address)
		if old == nil {
			continue
		}
		val.Spherical = old.Spherical
		val.Spherical.Radius *= scale
		val.Position = val.Spherical.Cartesian()
		val.LastBlockTime = old.LastBlockTime
	}
}
