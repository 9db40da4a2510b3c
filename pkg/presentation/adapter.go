package presentation

import (
	"fmt"
	"sync"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/logging"
	"github.com/canopy-network/blockorb/pkg/simulation"
	"go.uber.org/zap"
)

// Renderer draws frames. It must not keep a Frame past Draw.
type Renderer interface {
	Draw(Frame)
}

// Transition tells the player how to move to a new pattern.
type Transition uint8

const (
	TransitionImmediate Transition = iota
	TransitionSmooth
)

func (t Transition) String() string {
	if t == TransitionSmooth {
		return "smooth"
	}
	return "immediate"
}

func (t Transition) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Transition) UnmarshalText(b []byte) error {
	switch string(b) {
	case "smooth":
		*t = TransitionSmooth
	case "immediate":
		*t = TransitionImmediate
	default:
		return fmt.Errorf("unknown transition %q", b)
	}
	return nil
}

// Pattern describes what the synthesizer plays for one micro block.
type Pattern struct {
	SongID      string             `json:"songId"`
	SongName    string             `json:"songName"`
	Address     string             `json:"address"`
	Batch       uint64             `json:"batch"`
	BlockNumber uint64             `json:"blockNumber"`
	Digits      []int              `json:"digits"`
	Note        string             `json:"note"`
	Params      map[string]float64 `json:"params"`
}

// PatternPlayer is the external synthesizer.
type PatternPlayer interface {
	SetPattern(Pattern, Transition) error
}

// PatternFor builds the pattern for ev. Macro blocks have none.
func PatternFor(ev blockfeed.BlockEvent, batchesPerSong int) (Pattern, bool) {
	if !ev.IsMicro() || ev.ValidatorAddress == "" {
		return Pattern{}, false
	}
	song := SongFor(ev.Batch, batchesPerSong)
	digits := SeedDigits(ev.ValidatorAddress)
	if song.SeedLength > 0 && len(digits) > song.SeedLength {
		digits = digits[:song.SeedLength]
	}
	return Pattern{
		SongID:      song.ID,
		SongName:    song.Name,
		Address:     ev.ValidatorAddress,
		Batch:       ev.Batch,
		BlockNumber: ev.Number,
		Digits:      digits,
		Note:        BlockNote(ev.ValidatorAddress),
		Params:      song.Params(digits, ev.Batch, ev.Number),
	}, true
}

// Adapter turns simulation state into frames and block events into patterns.
type Adapter struct {
	sim      *simulation.Simulation
	renderer Renderer
	player   PatternPlayer
	logger   *zap.Logger

	mu       sync.Mutex
	seq      uint64
	lastSong string
	last     *Pattern
	failures uint64
}

// NewAdapter wires the collaborators. renderer and player may be nil.
func NewAdapter(sim *simulation.Simulation, renderer Renderer, player PatternPlayer, logger *zap.Logger) *Adapter {
	return &Adapter{sim: sim, renderer: renderer, player: player, logger: logging.OrNop(logger)}
}

// Frame snapshots the simulation and hands it to the renderer.
func (a *Adapter) Frame() Frame {
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	var f Frame
	a.sim.Read(func(v simulation.View) { f = BuildFrame(v, seq) })
	if a.renderer != nil {
		a.renderer.Draw(f)
	}
	return f
}

// OnBlock sends the pattern for a micro block to the player. The transition is
// smooth when the song changes and immediate otherwise. A player error is logged
// and the block is otherwise unaffected.
func (a *Adapter) OnBlock(ev blockfeed.BlockEvent) (Pattern, bool) {
	p, ok := PatternFor(ev, a.sim.Config().Audio.BatchesPerSong)
	if !ok {
		return Pattern{}, false
	}

	a.mu.Lock()
	tr := TransitionImmediate
	if a.lastSong != "" && a.lastSong != p.SongID {
		tr = TransitionSmooth
	}
	a.lastSong = p.SongID
	a.last = &p
	a.mu.Unlock()

	if a.player != nil {
		if err := a.player.SetPattern(p, tr); err != nil {
			a.mu.Lock()
			a.failures++
			a.mu.Unlock()
			a.logger.Warn("Pattern player rejected pattern",
				zap.String("song", p.SongID),
				zap.Uint64("block", p.BlockNumber),
				zap.Error(err))
		}
	}
	return p, true
}

// LastPattern returns the most recent pattern.
func (a *Adapter) LastPattern() (Pattern, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Pattern{}, false
	}
	return *a.last, true
}

// PlayerFailures counts SetPattern errors.
func (a *Adapter) PlayerFailures() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}
