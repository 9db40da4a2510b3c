package simulation

import (
	"time"

	"github.com/canopy-network/blockorb/pkg/graph"
)

// Beam is a light pulse expanding from the validator that produced a block.
type Beam struct {
	ID            string        `json:"id"`
	OriginAddress string        `json:"originAddress"`
	Origin        graph.Vec3    `json:"origin"`
	BlockNumber   uint64        `json:"blockNumber"`
	StartTime     time.Duration `json:"-"`
	MaxDistance   float64       `json:"maxDistance"`
}

// Radius is how far the beam has travelled at now for the given speed
// (units per second). It is non-decreasing in now.
func (b *Beam) Radius(now time.Duration, speed float64) float64 {
	elapsed := now - b.StartTime
	if elapsed <= 0 {
		return 0
	}
	return elapsed.Seconds() * speed
}

// Expired reports whether the beam reached its max distance.
func (b *Beam) Expired(now time.Duration, speed float64) bool {
	return b.Radius(now, speed) >= b.MaxDistance
}
