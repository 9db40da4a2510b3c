package presentation

import (
	"time"

	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/canopy-network/blockorb/pkg/graph"
	"github.com/canopy-network/blockorb/pkg/simulation"
)

// Frame is a read-only snapshot of the orb for one rendered frame.
type Frame struct {
	Seq        uint64           `json:"seq"`
	Time       float64          `json:"time"`
	Validators []ValidatorFrame `json:"validators"`
	Peers      []PeerFrame      `json:"peers"`
	Links      []LinkFrame      `json:"links"`
	Beams      []BeamFrame      `json:"beams"`
	Metrics    Metrics          `json:"metrics"`
}

type ValidatorFrame struct {
	Index       int        `json:"index"`
	Address     string     `json:"address"`
	Name        string     `json:"name,omitempty"`
	AccentColor string     `json:"accentColor"`
	Position    graph.Vec3 `json:"position"`
	Flash       float64    `json:"flash"`
	Scale       float64    `json:"scale"`
}

type PeerFrame struct {
	Index    int             `json:"index"`
	Position graph.Vec3      `json:"position"`
	Opacity  float64         `json:"opacity"`
	State    graph.PeerState `json:"state"`
	Color    string          `json:"color"`
}

type LinkFrame struct {
	Source    int             `json:"source"`
	Target    int             `json:"target"`
	Validator bool            `json:"validator"`
	Phase     float64         `json:"phase"`
	State     graph.LinkState `json:"state"`
	Progress  float64         `json:"progress"`
}

type BeamFrame struct {
	ID          string     `json:"id"`
	Origin      graph.Vec3 `json:"origin"`
	BlockNumber uint64     `json:"blockNumber"`
	Radius      float64    `json:"radius"`
	MaxDistance float64    `json:"maxDistance"`
	Intensity   float64    `json:"intensity"`
}

// Metrics summarize the frame for overlays and /api/stats.
type Metrics struct {
	Validators     int    `json:"validators"`
	Peers          int    `json:"peers"`
	VisiblePeers   int    `json:"visiblePeers"`
	Links          int    `json:"links"`
	ConnectedLinks int    `json:"connectedLinks"`
	Beams          int    `json:"beams"`
	LastBlock      uint64 `json:"lastBlock"`
	Blocks         uint64 `json:"blocks"`
}

// FlashIntensity is the validator glow t after its last block: eased in over
// growTime, eased out until duration, zero otherwise.
func FlashIntensity(t time.Duration, f config.Flash) float64 {
	if t < 0 {
		return 0
	}
	sec := t.Seconds()
	grow := f.GrowTimeSec
	dur := f.DurationSec
	if sec >= dur {
		return 0
	}
	if sec < grow {
		return graph.Smoothstep(sec / grow)
	}
	if dur <= grow {
		return 0
	}
	return 1 - graph.Smoothstep((sec-grow)/(dur-grow))
}

// BuildFrame copies the view into a Frame. It runs under the simulation lock so
// it only reads.
func BuildFrame(v simulation.View, seq uint64) Frame {
	g := v.Graph
	f := Frame{
		Seq:        seq,
		Time:       v.Now.Seconds(),
		Validators: make([]ValidatorFrame, len(g.Validators)),
		Peers:      make([]PeerFrame, 0, len(g.Peers)),
		Links:      make([]LinkFrame, len(g.Links)),
		Beams:      make([]BeamFrame, len(v.Beams)),
	}

	for i, val := range g.Validators {
		flash := 0.0
		if val.Produced() {
			flash = FlashIntensity(v.Now-val.LastBlockTime, v.Config.Flash)
		}
		f.Validators[i] = ValidatorFrame{
			Index:       val.Index,
			Address:     val.Address,
			Name:        val.DisplayName,
			AccentColor: val.AccentColor,
			Position:    val.Position,
			Flash:       flash,
			Scale:       1 + flash*v.Config.Flash.ScaleMultiplier,
		}
	}

	for _, p := range g.Peers {
		if p.State == graph.PeerHidden {
			continue
		}
		f.Peers = append(f.Peers, PeerFrame{
			Index:    p.Index,
			Position: p.Current,
			Opacity:  p.Opacity,
			State:    p.State,
			Color:    p.BaseColor,
		})
	}

	connected := 0
	for i, l := range g.Links {
		if l.State == graph.LinkConnected {
			connected++
		}
		f.Links[i] = LinkFrame{
			Source:    l.Source,
			Target:    l.Target,
			Validator: l.IsValidatorLink,
			Phase:     l.PhaseOffset,
			State:     l.State,
			Progress:  l.ReconnectProgress,
		}
	}

	for i, b := range v.Beams {
		r := b.Radius(v.Now, v.BeamSpeed)
		intensity := 0.0
		if b.MaxDistance > 0 {
			intensity = (1 - r/b.MaxDistance) * v.Config.Beams.IntensityMultiplier
		}
		if intensity < 0 {
			intensity = 0
		}
		f.Beams[i] = BeamFrame{
			ID:          b.ID,
			Origin:      b.Origin,
			BlockNumber: b.BlockNumber,
			Radius:      r,
			MaxDistance: b.MaxDistance,
			Intensity:   intensity,
		}
	}

	f.Metrics = Metrics{
		Validators:     len(g.Validators),
		Peers:          len(g.Peers),
		VisiblePeers:   len(f.Peers),
		Links:          len(g.Links),
		ConnectedLinks: connected,
		Beams:          len(v.Beams),
		LastBlock:      v.Stats.LastBlockNumber,
		Blocks:         v.Stats.Blocks,
	}
	return f
}
