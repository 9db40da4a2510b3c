package controller

import (
	"net/http"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/presentation"
	"github.com/canopy-network/blockorb/pkg/simulation"
)

type statsResponse struct {
	Simulation     simulation.Stats          `json:"simulation"`
	Feed           blockfeed.ConnectionState `json:"feed"`
	FeedBlocks     uint64                    `json:"feedBlocks"`
	Frames         uint64                    `json:"frames"`
	Subscribers    int                       `json:"subscribers"`
	PlayerFailures uint64                    `json:"playerFailures"`
	Song           string                    `json:"song,omitempty"`
}

// HandleStats reports counters of the simulation and the feed.
func (c *Controller) HandleStats(w http.ResponseWriter, _ *http.Request) {
	out := statsResponse{
		Simulation:     c.App.Sim.Stats(),
		Feed:           c.App.Feed.State(),
		FeedBlocks:     c.App.Feed.BlockCount(),
		Frames:         c.App.FramesRendered(),
		Subscribers:    c.App.Frames.Size(),
		PlayerFailures: c.App.Adapter.PlayerFailures(),
	}
	if p, ok := c.App.Adapter.LastPattern(); ok {
		out.Song = p.SongID
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleFrame returns a snapshot of the orb without advancing the simulation.
func (c *Controller) HandleFrame(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.snapshot())
}

func (c *Controller) snapshot() presentation.Frame {
	var f presentation.Frame
	c.App.Sim.Read(func(v simulation.View) { f = presentation.BuildFrame(v, 0) })
	return f
}
