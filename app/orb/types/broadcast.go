package types

import (
	"context"
	"encoding/json"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/presentation"
	"github.com/canopy-network/blockorb/pkg/relay"
	"go.uber.org/zap"
)

// Messages sent to /ws/frames clients.
const (
	MessageFrame   = "frame"
	MessagePattern = "pattern"
	MessageState   = "state"
)

// FrameMessage is the envelope of every /ws/frames message.
type FrameMessage struct {
	Type       string                    `json:"type"`
	Frame      *presentation.Frame       `json:"frame,omitempty"`
	Pattern    *presentation.Pattern     `json:"pattern,omitempty"`
	Transition *presentation.Transition  `json:"transition,omitempty"`
	State      blockfeed.ConnectionState `json:"state,omitempty"`
}

// HubRenderer publishes frames to browser renderers.
type HubRenderer struct {
	Hub    *relay.Hub
	Logger *zap.Logger
}

func (r *HubRenderer) Draw(f presentation.Frame) {
	publish(r.Hub, r.Logger, FrameMessage{Type: MessageFrame, Frame: &f})
}

// HubPlayer publishes patterns to browser synthesizers. Delivery is best effort
// so it never fails.
type HubPlayer struct {
	Hub    *relay.Hub
	Logger *zap.Logger
}

func (p *HubPlayer) SetPattern(pat presentation.Pattern, tr presentation.Transition) error {
	publish(p.Hub, p.Logger, FrameMessage{Type: MessagePattern, Pattern: &pat, Transition: &tr})
	return nil
}

// PublishState tells clients about a feed connection change.
func PublishState(hub *relay.Hub, logger *zap.Logger, s blockfeed.ConnectionState) {
	publish(hub, logger, FrameMessage{Type: MessageState, State: s})
}

func publish(hub *relay.Hub, logger *zap.Logger, m FrameMessage) {
	b, err := json.Marshal(m)
	if err != nil {
		logger.Error("Failed to encode frame message", zap.String("type", m.Type), zap.Error(err))
		return
	}
	hub.Publish(context.Background(), b)
}
