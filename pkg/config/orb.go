package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. ORB_GEOMETRY_ORBRADIUS=20.
const EnvPrefix = "ORB"

// Orb holds the tunables consumed by the graph, the scheduler and the presentation
// layer. The core treats a loaded Orb as read-only and only picks up a new one when
// the graph is rebuilt.
type Orb struct {
	Geometry Geometry `mapstructure:"geometry" json:"geometry"`
	Timing   Timing   `mapstructure:"timing" json:"timing"`
	Links    Links    `mapstructure:"links" json:"links"`
	Beams    Beams    `mapstructure:"beams" json:"beams"`
	Flash    Flash    `mapstructure:"flash" json:"flash"`
	Audio    Audio    `mapstructure:"audio" json:"audio"`
	Render   Render   `mapstructure:"render" json:"render"`
}

type Geometry struct {
	OrbRadius float64 `mapstructure:"orbRadius" json:"orbRadius"`
	// NodeCount is validators + peers.
	NodeCount int `mapstructure:"nodeCount" json:"nodeCount"`
}

type Timing struct {
	BeamPropagationTimeMs int `mapstructure:"beamPropagationTimeMs" json:"beamPropagationTimeMs"`
	PeerLifetimeMs        int `mapstructure:"peerLifetimeMs" json:"peerLifetimeMs"`
	PeerTransitionMs      int `mapstructure:"peerTransitionMs" json:"peerTransitionMs"`
	PeerSpawnDelayMs      int `mapstructure:"peerSpawnDelayMs" json:"peerSpawnDelayMs"`
}

type Links struct {
	RewireDistance float64 `mapstructure:"rewireDistance" json:"rewireDistance"`
	ArchHeight     float64 `mapstructure:"archHeight" json:"archHeight"`
	PeerScanRange  int     `mapstructure:"peerScanRange" json:"peerScanRange"`
}

type Beams struct {
	MaxDistanceMultiplier float64 `mapstructure:"maxDistanceMultiplier" json:"maxDistanceMultiplier"`
	WaveWidth             float64 `mapstructure:"waveWidth" json:"waveWidth"`
	IntensityMultiplier   float64 `mapstructure:"intensityMultiplier" json:"intensityMultiplier"`
}

type Flash struct {
	DurationSec     float64 `mapstructure:"duration" json:"duration"`
	GrowTimeSec     float64 `mapstructure:"growTime" json:"growTime"`
	ScaleMultiplier float64 `mapstructure:"scaleMultiplier" json:"scaleMultiplier"`
}

type Audio struct {
	BatchesPerSong int `mapstructure:"batchesPerSong" json:"batchesPerSong"`
}

// Render is passed through to the browser renderer untouched.
type Render struct {
	ValidatorColor string   `mapstructure:"validatorColor" json:"validatorColor"`
	BeamColor      string   `mapstructure:"beamColor" json:"beamColor"`
	LinkColor      string   `mapstructure:"linkColor" json:"linkColor"`
	Background     string   `mapstructure:"background" json:"background"`
	NodePalette    []string `mapstructure:"nodePalette" json:"nodePalette"`
	PeerNodeScale  float64  `mapstructure:"peerNodeScale" json:"peerNodeScale"`
	ValidatorScale float64  `mapstructure:"validatorScale" json:"validatorScale"`
}

// DefaultAccentColor is used for validators without registry metadata.
const DefaultAccentColor = "#4FC3F7"

// Default returns the installation defaults.
func Default() Orb {
	return Orb{
		Geometry: Geometry{OrbRadius: 14, NodeCount: 800},
		Timing: Timing{
			BeamPropagationTimeMs: 1000,
			PeerLifetimeMs:        30000,
			PeerTransitionMs:      2000,
			PeerSpawnDelayMs:      5000,
		},
		Links: Links{RewireDistance: 6.0, ArchHeight: 0.18, PeerScanRange: 60},
		Beams: Beams{MaxDistanceMultiplier: 2.2, WaveWidth: 8.0, IntensityMultiplier: 0.6},
		Flash: Flash{DurationSec: 1.5, GrowTimeSec: 0.8, ScaleMultiplier: 0.35},
		Audio: Audio{BatchesPerSong: 3},
		Render: Render{
			ValidatorColor: "#a070e0",
			BeamColor:      "#FF9500",
			LinkColor:      "#64748b",
			Background:     "#0f1e3d",
			NodePalette:    []string{"#FFFFFF", "#F8FAFC", "#E2E8F0", "#CBD5E1", "#94A3B8"},
			PeerNodeScale:  0.25,
			ValidatorScale: 0.9,
		},
	}
}

// Load reads the defaults, then the optional file at path (yaml, json or toml),
// then ORB_* environment overrides.
func Load(path string) (Orb, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Orb{}, fmt.Errorf("read orb config %s: %w", path, err)
		}
	}

	var out Orb
	if err := v.Unmarshal(&out); err != nil {
		return Orb{}, fmt.Errorf("decode orb config: %w", err)
	}
	if err := out.Validate(); err != nil {
		return Orb{}, err
	}
	return out, nil
}

func setDefaults(v *viper.Viper, d Orb) {
	v.SetDefault("geometry.orbRadius", d.Geometry.OrbRadius)
	v.SetDefault("geometry.nodeCount", d.Geometry.NodeCount)
	v.SetDefault("timing.beamPropagationTimeMs", d.Timing.BeamPropagationTimeMs)
	v.SetDefault("timing.peerLifetimeMs", d.Timing.PeerLifetimeMs)
	v.SetDefault("timing.peerTransitionMs", d.Timing.PeerTransitionMs)
	v.SetDefault("timing.peerSpawnDelayMs", d.Timing.PeerSpawnDelayMs)
	v.SetDefault("links.rewireDistance", d.Links.RewireDistance)
	v.SetDefault("links.archHeight", d.Links.ArchHeight)
	v.SetDefault("links.peerScanRange", d.Links.PeerScanRange)
	v.SetDefault("beams.maxDistanceMultiplier", d.Beams.MaxDistanceMultiplier)
	v.SetDefault("beams.waveWidth", d.Beams.WaveWidth)
	v.SetDefault("beams.intensityMultiplier", d.Beams.IntensityMultiplier)
	v.SetDefault("flash.duration", d.Flash.DurationSec)
	v.SetDefault("flash.growTime", d.Flash.GrowTimeSec)
	v.SetDefault("flash.scaleMultiplier", d.Flash.ScaleMultiplier)
	v.SetDefault("audio.batchesPerSong", d.Audio.BatchesPerSong)
	v.SetDefault("render.validatorColor", d.Render.ValidatorColor)
	v.SetDefault("render.beamColor", d.Render.BeamColor)
	v.SetDefault("render.linkColor", d.Render.LinkColor)
	v.SetDefault("render.background", d.Render.Background)
	v.SetDefault("render.nodePalette", d.Render.NodePalette)
	v.SetDefault("render.peerNodeScale", d.Render.PeerNodeScale)
	v.SetDefault("render.validatorScale", d.Render.ValidatorScale)
}

// Validate rejects values the simulation cannot run with.
func (o Orb) Validate() error {
	var errs []error
	if o.Geometry.OrbRadius <= 0 {
		errs = append(errs, errors.New("geometry.orbRadius must be > 0"))
	}
	if o.Geometry.NodeCount < 0 {
		errs = append(errs, errors.New("geometry.nodeCount must be >= 0"))
	}
	if o.Timing.BeamPropagationTimeMs <= 0 {
		errs = append(errs, errors.New("timing.beamPropagationTimeMs must be > 0"))
	}
	if o.Timing.PeerLifetimeMs <= 0 || o.Timing.PeerTransitionMs <= 0 {
		errs = append(errs, errors.New("timing.peerLifetimeMs and timing.peerTransitionMs must be > 0"))
	}
	if o.Timing.PeerSpawnDelayMs < 0 {
		errs = append(errs, errors.New("timing.peerSpawnDelayMs must be >= 0"))
	}
	if o.Links.RewireDistance < 0 {
		errs = append(errs, errors.New("links.rewireDistance must be >= 0"))
	}
	if o.Links.PeerScanRange <= 0 {
		errs = append(errs, errors.New("links.peerScanRange must be > 0"))
	}
	if o.Beams.MaxDistanceMultiplier <= 0 {
		errs = append(errs, errors.New("beams.maxDistanceMultiplier must be > 0"))
	}
	if o.Audio.BatchesPerSong <= 0 {
		errs = append(errs, errors.New("audio.batchesPerSong must be > 0"))
	}
	if len(o.Render.NodePalette) == 0 {
		errs = append(errs, errors.New("render.nodePalette must not be empty"))
	}
	return errors.Join(errs...)
}

// Clone returns a copy of o that shares no slices with it.
func (o Orb) Clone() Orb {
	o.Render.NodePalette = slices.Clone(o.Render.NodePalette)
	return o
}

// PeerCount is the number of decorative peers for a validator set of the given size.
func (o Orb) PeerCount(validators int) int {
	n := o.Geometry.NodeCount - validators
	if n < 0 {
		return 0
	}
	return n
}

func (o Orb) PeerLifetime() time.Duration {
	return time.Duration(o.Timing.PeerLifetimeMs) * time.Millisecond
}

func (o Orb) PeerTransition() time.Duration {
	return time.Duration(o.Timing.PeerTransitionMs) * time.Millisecond
}

func (o Orb) PeerSpawnDelay() time.Duration {
	return time.Duration(o.Timing.PeerSpawnDelayMs) * time.Millisecond
}

// BeamSpeed is in world units per second: a beam crosses 2.5 orb radii in
// beamPropagationTimeMs.
func (o Orb) BeamSpeed() float64 {
	return (o.Geometry.OrbRadius * 2.5) / (float64(o.Timing.BeamPropagationTimeMs) / 1000)
}

// BeamMaxDistance is the radius at which a beam expires.
func (o Orb) BeamMaxDistance() float64 {
	return o.Geometry.OrbRadius * o.Beams.MaxDistanceMultiplier
}
