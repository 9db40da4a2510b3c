package graph

import (
	"fmt"
	"math"
	"time"
)

// NeverProduced marks a validator that has not produced a block since the last
// rebuild or resync.
const NeverProduced = time.Duration(math.MinInt64)

// ValidatorInfo is the directory view of one active validator.
type ValidatorInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	Logo        string `json:"logo,omitempty"`
	StakeWeight uint64 `json:"stakeWeight"`
	AccentColor string `json:"accentColor,omitempty"`
}

// ValidatorNode is a stable node of the orb. Position is fixed for the epoch.
type ValidatorNode struct {
	Index       int       `json:"index"`
	Address     string    `json:"address"`
	DisplayName string    `json:"displayName,omitempty"`
	Logo        string    `json:"logo,omitempty"`
	StakeWeight uint64    `json:"stakeWeight"`
	AccentColor string    `json:"accentColor"`
	Spherical   Spherical `json:"spherical"`
	Position    Vec3      `json:"position"`
	// LastBlockTime is on the simulation clock.
	LastBlockTime time.Duration `json:"-"`
}

// Produced reports whether the validator has a block on record.
func (v *ValidatorNode) Produced() bool { return v.LastBlockTime != NeverProduced }

// PeerState is the lifecycle phase of a decorative peer.
type PeerState uint8

const (
	PeerHidden PeerState = iota
	PeerSpawning
	PeerActive
	PeerDying
)

func (s PeerState) String() string {
	switch s {
	case PeerHidden:
		return "hidden"
	case PeerSpawning:
		return "spawning"
	case PeerActive:
		return "active"
	case PeerDying:
		return "dying"
	default:
		return fmt.Sprintf("PeerState(%d)", uint8(s))
	}
}

func (s PeerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PeerState) UnmarshalText(b []byte) error {
	for c := PeerHidden; c <= PeerDying; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown peer state %q", b)
}

// Next is the only legal successor of s.
func (s PeerState) Next() PeerState {
	switch s {
	case PeerHidden:
		return PeerSpawning
	case PeerSpawning:
		return PeerActive
	case PeerActive:
		return PeerDying
	default:
		return PeerHidden
	}
}

// PeerNode is an ephemeral node cycling hidden -> spawning -> active -> dying.
// Opacity and Current are derived from State and Timer by the scheduler.
type PeerNode struct {
	Index     int           `json:"index"`
	ID        int           `json:"id"`
	Target    Vec3          `json:"targetPosition"`
	Start     Vec3          `json:"startPosition"`
	Current   Vec3          `json:"currentPosition"`
	State     PeerState     `json:"state"`
	Timer     time.Duration `json:"-"`
	Opacity   float64       `json:"opacity"`
	Spherical Spherical     `json:"spherical"`
	BaseColor string        `json:"baseColor"`
}

// LinkState is the connection animation phase of a link.
type LinkState uint8

const (
	LinkConnected LinkState = iota
	LinkDisconnecting
	LinkDisconnected
	LinkReconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	case LinkDisconnected:
		return "disconnected"
	case LinkReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("LinkState(%d)", uint8(s))
	}
}

func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *LinkState) UnmarshalText(b []byte) error {
	for c := LinkConnected; c <= LinkReconnecting; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown link state %q", b)
}

// Link is an undirected edge, stored with Source < Target.
type Link struct {
	Source            int           `json:"sourceIndex"`
	Target            int           `json:"targetIndex"`
	IsValidatorLink   bool          `json:"isValidatorLink"`
	PhaseOffset       float64       `json:"phaseOffset"`
	State             LinkState     `json:"connectionState"`
	ReconnectProgress float64       `json:"reconnectProgress"`
	DisconnectTimer   time.Duration `json:"-"`
}

type edgeKey struct{ a, b int }

func keyOf(a, b int) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// Graph is the orb: validators occupy indices [0, V), peers [V, V+P).
type Graph struct {
	Validators []*ValidatorNode
	Peers      []*PeerNode
	Links      []*Link
	// Radius is the orb radius the graph was generated for.
	Radius float64

	index map[string]int
	edges map[edgeKey]struct{}
}

// NodeCount is validators plus peers.
func (g *Graph) NodeCount() int { return len(g.Validators) + len(g.Peers) }

// ValidatorIndex resolves an address to its node index.
func (g *Graph) ValidatorIndex(address string) (int, bool) {
	i, ok := g.index[address]
	return i, ok
}

// Validator returns the node for address, or nil.
func (g *Graph) Validator(address string) *ValidatorNode {
	if i, ok := g.index[address]; ok {
		return g.Validators[i]
	}
	return nil
}

// IsPeer reports whether idx addresses a peer node.
func (g *Graph) IsPeer(idx int) bool { return idx >= len(g.Validators) && idx < g.NodeCount() }

// Peer returns the peer at node index idx, or nil.
func (g *Graph) Peer(idx int) *PeerNode {
	if !g.IsPeer(idx) {
		return nil
	}
	return g.Peers[idx-len(g.Validators)]
}

// Position is the current position of any node.
func (g *Graph) Position(idx int) Vec3 {
	if idx < len(g.Validators) {
		return g.Validators[idx].Position
	}
	return g.Peer(idx).Current
}

// HasEdge reports whether the undirected edge a-b exists.
func (g *Graph) HasEdge(a, b int) bool {
	_, ok := g.edges[keyOf(a, b)]
	return ok
}

func (g *Graph) addLink(a, b int, validatorLink bool, phase float64) bool {
	if a == b || g.HasEdge(a, b) {
		return false
	}
	k := keyOf(a, b)
	g.edges[k] = struct{}{}
	g.Links = append(g.Links, &Link{
		Source:            k.a,
		Target:            k.b,
		IsValidatorLink:   validatorLink,
		PhaseOffset:       phase,
		State:             LinkConnected,
		ReconnectProgress: 1,
	})
	return true
}

// Retarget moves one endpoint of l from oldEnd to newEnd. It refuses (returns
// false) when the result would be a self link or a duplicate edge.
func (g *Graph) Retarget(l *Link, oldEnd, newEnd int) bool {
	var other int
	switch oldEnd {
	case l.Source:
		other = l.Target
	case l.Target:
		other = l.Source
	default:
		return false
	}
	if newEnd == oldEnd {
		return true
	}
	if newEnd == other || g.HasEdge(other, newEnd) {
		return false
	}
	delete(g.edges, keyOf(l.Source, l.Target))
	k := keyOf(other, newEnd)
	g.edges[k] = struct{}{}
	l.Source, l.Target = k.a, k.b
	return true
}

// NearestValidator returns the validator closest to pos within maxDist.
func (g *Graph) NearestValidator(pos Vec3, maxDist float64) (int, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, v := range g.Validators {
		if d := pos.DistanceTo(v.Position); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 || bestDist >= maxDist {
		return -1, false
	}
	return best, true
}

// ValidatorLinkOf returns the peer->validator link of the peer at idx, if any.
func (g *Graph) ValidatorLinkOf(idx int) (*Link, int) {
	v := len(g.Validators)
	for _, l := range g.Links {
		if l.IsValidatorLink {
			continue
		}
		if l.Target == idx && l.Source < v {
			return l, l.Source
		}
	}
	return nil, -1
}

// Validate checks the structural invariants: every endpoint is a real node, no
// self links, no duplicate undirected edges and a complete validator mesh.
func (g *Graph) Validate() error {
	n := g.NodeCount()
	v := len(g.Validators)
	seen := make(map[edgeKey]struct{}, len(g.Links))
	mesh := 0
	for i, l := range g.Links {
		if l.Source < 0 || l.Source >= n || l.Target < 0 || l.Target >= n {
			return fmt.Errorf("link %d references missing node (%d-%d, nodes=%d)", i, l.Source, l.Target, n)
		}
		if l.Source == l.Target {
			return fmt.Errorf("link %d is a self link on node %d", i, l.Source)
		}
		k := keyOf(l.Source, l.Target)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("link %d duplicates edge %d-%d", i, k.a, k.b)
		}
		seen[k] = struct{}{}
		bothValidators := l.Source < v && l.Target < v
		if l.IsValidatorLink != bothValidators {
			return fmt.Errorf("link %d (%d-%d) has isValidatorLink=%v", i, l.Source, l.Target, l.IsValidatorLink)
		}
		if bothValidators {
			mesh++
		}
	}
	if want := v * (v - 1) / 2; mesh != want {
		return fmt.Errorf("validator mesh has %d edges, want %d", mesh, want)
	}
	for i, val := range g.Validators {
		if val.Index != i {
			return fmt.Errorf("validator %s has index %d at position %d", val.Address, val.Index, i)
		}
	}
	for i, p := range g.Peers {
		if p.Index != v+i {
			return fmt.Errorf("peer %d has index %d at position %d", p.ID, p.Index, v+i)
		}
	}
	return nil
}
