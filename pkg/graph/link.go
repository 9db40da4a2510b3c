package graph

import (
	"time"
)

// endpoint reports how "present" a node is for its links.
func (g *Graph) endpoint(idx int) (LinkState, float64) {
	peer := g.Peer(idx)
	if peer == nil {
		return LinkConnected, 1
	}
	switch peer.State {
	case PeerActive:
		return LinkConnected, 1
	case PeerSpawning:
		return LinkReconnecting, peer.Opacity
	case PeerDying:
		return LinkDisconnecting, peer.Opacity
	default:
		return LinkDisconnected, 0
	}
}

// SyncLinks recomputes every link's connection state from its endpoints. A link
// follows its weaker endpoint, so it is never connected while a peer end is not
// active. dt advances DisconnectTimer of disconnecting links.
func (g *Graph) SyncLinks(dt time.Duration) {
	for _, l := range g.Links {
		if l.IsValidatorLink {
			l.State = LinkConnected
			l.ReconnectProgress = 1
			l.DisconnectTimer = 0
			continue
		}
		sa, pa := g.endpoint(l.Source)
		sb, pb := g.endpoint(l.Target)
		state, progress := weaker(sa, pa, sb, pb)

		if state == LinkDisconnecting {
			if l.State == LinkDisconnecting {
				l.DisconnectTimer += dt
			} else {
				l.DisconnectTimer = 0
			}
		} else {
			l.DisconnectTimer = 0
		}
		l.State = state
		l.ReconnectProgress = progress
	}
}

func weaker(sa LinkState, pa float64, sb LinkState, pb float64) (LinkState, float64) {
	if sa == LinkDisconnected {
		return sa, 0
	}
	if sb == LinkDisconnected {
		return sb, 0
	}
	if sa == LinkConnected {
		return sb, pb
	}
	if sb == LinkConnected {
		return sa, pa
	}
	if pa <= pb {
		return sa, pa
	}
	return sb, pb
}

// ConnectedLinks counts links that are fully connected.
func (g *Graph) ConnectedLinks() int {
	n := 0
	for _, l := range g.Links {
		if l.State == LinkConnected {
			n++
		}
	}
	return n
}

// RewirePeer points the peer's validator link at the validator nearest to its
// current target, or creates that link if the peer had none. It reports whether
// the graph changed.
func (g *Graph) RewirePeer(idx int, maxDist float64) bool {
	peer := g.Peer(idx)
	if peer == nil {
		return false
	}
	nearest, ok := g.NearestValidator(peer.Target, maxDist)
	if !ok {
		return false
	}
	l, current := g.ValidatorLinkOf(idx)
	if l == nil {
		return g.addLink(nearest, idx, false, 0)
	}
	if current == nearest {
		return false
	}
	return g.Retarget(l, current, nearest)
}
