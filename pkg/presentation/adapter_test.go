package presentation

import (
	"errors"
	"sync"
	"testing"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingRenderer struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recordingRenderer) Draw(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

type played struct {
	pattern    Pattern
	transition Transition
}

type fakePlayer struct {
	mu    sync.Mutex
	calls []played
	err   error
}

func (p *fakePlayer) SetPattern(pat Pattern, tr Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, played{pat, tr})
	return p.err
}

func microAt(n, batch uint64, addr string) blockfeed.BlockEvent {
	return blockfeed.BlockEvent{Number: n, Batch: batch, ValidatorAddress: addr, Kind: blockfeed.KindMicro}
}

func TestPatternFor(t *testing.T) {
	_, ok := PatternFor(blockfeed.BlockEvent{Number: 60, Kind: blockfeed.KindMacro}, 3)
	assert.False(t, ok)

	p, ok := PatternFor(microAt(190, 3, "0xAAA"), 3)
	require.True(t, ok)
	assert.Equal(t, "acid", p.SongID)
	assert.Equal(t, "0xAAA", p.Address)
	assert.LessOrEqual(t, len(p.Digits), 16)
	assert.Equal(t, BlockNote("0xAAA"), p.Note)
	assert.Equal(t, 12.0, p.Params["transpose"])

	p, ok = PatternFor(microAt(400, 6, "0xAAA"), 3)
	require.True(t, ok)
	assert.Equal(t, "desert-dune", p.SongID)
	assert.LessOrEqual(t, len(p.Digits), 8)
}

func TestAdapterTransitions(t *testing.T) {
	player := &fakePlayer{}
	a := NewAdapter(newTestSim(t), nil, player, zaptest.NewLogger(t))

	_, ok := a.OnBlock(microAt(1, 0, "0xAAA"))
	require.True(t, ok)
	a.OnBlock(microAt(2, 0, "0xBBB"))
	a.OnBlock(blockfeed.BlockEvent{Number: 60, Batch: 1, Kind: blockfeed.KindMacro})
	a.OnBlock(microAt(181, 3, "0xAAA"))
	a.OnBlock(microAt(182, 3, "0xAAA"))

	require.Len(t, player.calls, 4)
	assert.Equal(t, TransitionImmediate, player.calls[0].transition)
	assert.Equal(t, TransitionImmediate, player.calls[1].transition)
	assert.Equal(t, TransitionSmooth, player.calls[2].transition)
	assert.Equal(t, "acid", player.calls[2].pattern.SongID)
	assert.Equal(t, TransitionImmediate, player.calls[3].transition)

	last, ok := a.LastPattern()
	require.True(t, ok)
	assert.Equal(t, uint64(182), last.BlockNumber)
}

func TestAdapterPlayerErrorIsCounted(t *testing.T) {
	player := &fakePlayer{err: errors.New("audio context suspended")}
	a := NewAdapter(newTestSim(t), nil, player, zaptest.NewLogger(t))

	_, ok := a.OnBlock(microAt(1, 0, "0xAAA"))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), a.PlayerFailures())
}

func TestAdapterFrameDraws(t *testing.T) {
	r := &recordingRenderer{}
	a := NewAdapter(newTestSim(t), r, nil, zaptest.NewLogger(t))

	f1 := a.Frame()
	f2 := a.Frame()
	assert.Equal(t, uint64(1), f1.Seq)
	assert.Equal(t, uint64(2), f2.Seq)
	require.Len(t, r.frames, 2)
	assert.Len(t, r.frames[1].Validators, 2)

	_, ok := a.LastPattern()
	assert.False(t, ok)
}

func TestTransitionText(t *testing.T) {
	b, err := TransitionSmooth.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "smooth", string(b))
	assert.Equal(t, "immediate", TransitionImmediate.String())
}
