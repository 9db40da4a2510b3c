package simulation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/canopy-network/blockorb/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func smallConfig() config.Orb {
	cfg := config.Default()
	cfg.Geometry.NodeCount = 40
	return cfg
}

func newTestSimulation(t *testing.T, addrs ...string) *Simulation {
	t.Helper()
	sim, err := New(smallConfig(), validators(addrs...), zaptest.NewLogger(t), WithRand(rand.New(rand.NewSource(3))))
	require.NoError(t, err)
	return sim
}

func micro(n uint64, addr string) blockfeed.BlockEvent {
	return blockfeed.BlockEvent{Number: n, Batch: n / 60, ValidatorAddress: addr, Kind: blockfeed.KindMicro}
}

func macro(n uint64) blockfeed.BlockEvent {
	return blockfeed.BlockEvent{Number: n, Batch: n / 60, Kind: blockfeed.KindMacro}
}

func TestMicroThenMacro(t *testing.T) {
	sim := newTestSimulation(t, "0xABC", "0xDEF")
	sim.Tick(250 * time.Millisecond)

	got := sim.ApplyBlock(micro(100, "0xABC"))
	require.NotNil(t, got.Validator)
	require.NotNil(t, got.Beam)
	assert.False(t, got.Resync)
	assert.Equal(t, 250*time.Millisecond, got.Validator.LastBlockTime)

	got = sim.ApplyBlock(macro(101))
	assert.Nil(t, got.Validator)
	assert.Nil(t, got.Beam)

	sim.Read(func(v View) {
		require.Len(t, v.Beams, 1)
		assert.Equal(t, "0xABC", v.Beams[0].OriginAddress)
		assert.Equal(t, 250*time.Millisecond, v.Graph.Validator("0xABC").LastBlockTime)
		assert.False(t, v.Graph.Validator("0xDEF").Produced())
	})

	st := sim.Stats()
	assert.Equal(t, uint64(2), st.Blocks)
	assert.Equal(t, uint64(1), st.MicroBlocks)
	assert.Equal(t, uint64(1), st.MacroBlocks)
	assert.Equal(t, uint64(101), st.LastBlockNumber)
}

func TestUnknownValidatorIsCounted(t *testing.T) {
	sim := newTestSimulation(t, "0xABC")
	got := sim.ApplyBlock(micro(5, "0xNOPE"))
	assert.Nil(t, got.Beam)
	assert.Equal(t, uint64(1), sim.Stats().UnknownValidators)
	sim.Read(func(v View) { assert.Empty(t, v.Beams) })
}

func TestResyncClearsBeamsAndTimers(t *testing.T) {
	sim := newTestSimulation(t, "0xA", "0xB")
	sim.ApplyBlock(micro(200, "0xA"))
	sim.Tick(100 * time.Millisecond)
	sim.ApplyBlock(micro(201, "0xB"))

	got := sim.ApplyBlock(micro(150, "0xB"))
	assert.True(t, got.Resync)
	require.NotNil(t, got.Beam)

	sim.Read(func(v View) {
		require.Len(t, v.Beams, 1)
		assert.Equal(t, uint64(150), v.Beams[0].BlockNumber)
		assert.False(t, v.Graph.Validator("0xA").Produced())
		assert.Equal(t, 100*time.Millisecond, v.Graph.Validator("0xB").LastBlockTime)
	})
	assert.Equal(t, uint64(1), sim.Stats().Resyncs)

	// same number again is also a resync
	assert.True(t, sim.ApplyBlock(macro(150)).Resync)
}

func TestRebuildKeepsSurvivors(t *testing.T) {
	sim := newTestSimulation(t, "0xA", "0xB")
	sim.Tick(time.Second)
	sim.ApplyBlock(micro(10, "0xA"))
	sim.ApplyBlock(micro(11, "0xB"))

	var posA graph.Vec3
	sim.Read(func(v View) { posA = v.Graph.Validator("0xA").Position })

	require.NoError(t, sim.Rebuild(smallConfig(), validators("0xA", "0xC")))

	sim.Read(func(v View) {
		a := v.Graph.Validator("0xA")
		require.NotNil(t, a)
		assert.Equal(t, posA, a.Position)
		assert.Equal(t, time.Second, a.LastBlockTime)
		assert.Nil(t, v.Graph.Validator("0xB"))
		assert.False(t, v.Graph.Validator("0xC").Produced())
		assert.Equal(t, time.Second, v.Now)
		require.Len(t, v.Beams, 1)
		assert.Equal(t, "0xA", v.Beams[0].OriginAddress)
		assert.Equal(t, 40, v.Graph.NodeCount())
	})
	assert.Equal(t, uint64(1), sim.Stats().Rebuilds)
	assert.ElementsMatch(t, []string{"0xA", "0xC"}, sim.Validators())
}

func TestRebuildRejectsInvalidConfig(t *testing.T) {
	sim := newTestSimulation(t, "0xA")
	bad := smallConfig()
	bad.Geometry.OrbRadius = 0
	assert.Error(t, sim.Rebuild(bad, validators("0xA")))
	assert.Equal(t, smallConfig(), sim.Config())
}

func TestEmptyValidatorSet(t *testing.T) {
	sim := newTestSimulation(t)
	sim.Tick(time.Second)
	got := sim.ApplyBlock(micro(1, "0xA"))
	assert.Nil(t, got.Beam)
	sim.Read(func(v View) { assert.Empty(t, v.Graph.Validators) })
}

func TestSameValidatorSet(t *testing.T) {
	assert.True(t, SameValidatorSet([]string{"a", "b"}, validators("b", "a")))
	assert.False(t, SameValidatorSet([]string{"a", "b"}, validators("a", "c")))
	assert.False(t, SameValidatorSet([]string{"a"}, validators("a", "b")))
	assert.True(t, SameValidatorSet(nil, nil))
}
