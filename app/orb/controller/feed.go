package controller

import (
	"net/http"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/go-jose/go-jose/v4/json"
)

type feedStatus struct {
	State   blockfeed.ConnectionState `json:"state"`
	Running bool                      `json:"running"`
	Blocks  uint64                    `json:"blocks"`
	Latest  *blockfeed.BlockEvent     `json:"latest,omitempty"`
}

func (c *Controller) feedStatus() feedStatus {
	f := c.App.Feed
	out := feedStatus{State: f.State(), Running: f.Running(), Blocks: f.BlockCount()}
	if ev, ok := f.LatestBlock(); ok {
		out.Latest = &ev
	}
	return out
}

// HandleGetFeed reports the relay connection.
func (c *Controller) HandleGetFeed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.feedStatus())
}

// HandlePutFeed lets the host pause and resume the relay connection. online and
// visible mirror the browser's network and page visibility signals.
func (c *Controller) HandlePutFeed(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Running *bool `json:"running"`
		Online  *bool `json:"online"`
		Visible *bool `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}
	f := c.App.Feed
	if in.Online != nil {
		f.SetOnline(*in.Online)
	}
	if in.Visible != nil {
		f.SetVisible(*in.Visible)
	}
	if in.Running != nil {
		if *in.Running {
			f.Resume()
		} else {
			f.Stop()
		}
	}
	writeJSON(w, http.StatusOK, c.feedStatus())
}
