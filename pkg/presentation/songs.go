package presentation

import "math"

// Song is one of the rotating pieces. Params derives the knobs the synthesizer
// reads for a block.
type Song struct {
	ID         string
	Name       string
	SeedLength int
	Params     func(digits []int, batch, blockNumber uint64) map[string]float64
}

// Songs in rotation order.
var Songs = []Song{
	{ID: "milky-way", Name: "Milky Way", Params: milkyWayParams},
	{ID: "acid", Name: "Acid", SeedLength: 16, Params: acidParams},
	{ID: "desert-dune", Name: "Desert Dune", SeedLength: 8, Params: desertDuneParams},
	{ID: "running-away", Name: "Running Away", SeedLength: 8, Params: runningAwayParams},
	{ID: "qimin", Name: "Qimin", SeedLength: 16, Params: qiminParams},
}

// SongIndex selects the song for a batch: each song plays for batchesPerSong batches.
func SongIndex(batch uint64, batchesPerSong int) int {
	if batchesPerSong <= 0 {
		batchesPerSong = 1
	}
	return int((batch / uint64(batchesPerSong)) % uint64(len(Songs)))
}

// SongFor returns the song for a batch.
func SongFor(batch uint64, batchesPerSong int) Song {
	return Songs[SongIndex(batch, batchesPerSong)]
}

// drumTier splits the 60 blocks of a batch into four intensity levels.
func drumTier(blockNumber uint64) float64 {
	switch b := blockNumber % 60; {
	case b < 15:
		return 0
	case b < 30:
		return 1
	case b < 50:
		return 2
	default:
		return 3
	}
}

func batchPosition(blockNumber uint64) float64 { return float64(blockNumber % 60) }

func milkyWayParams(_ []int, batch, blockNumber uint64) map[string]float64 {
	variant := float64(batch % 3)
	transpose := 20.0
	if batch%3 == 1 {
		transpose = 24
	}
	return map[string]float64{
		"variant":   variant,
		"transpose": transpose,
		"drumTier":  drumTier(blockNumber),
	}
}

func acidParams(_ []int, batch, blockNumber uint64) map[string]float64 {
	pulse := 0.0
	if batch%3 == 0 {
		pulse = 1
	}
	return map[string]float64{
		"transpose": 12,
		"lpenv":     math.Min(3, batchPosition(blockNumber)*3/60),
		"pulse":     pulse,
	}
}

func desertDuneParams(_ []int, batch, blockNumber uint64) map[string]float64 {
	return map[string]float64{
		"transpose":     20 + float64(batch%3)*2,
		"bassTranspose": 40,
		"drumTier":      drumTier(blockNumber),
	}
}

// runningAwayParams exposes the pitch envelope steps, one per seed digit.
func runningAwayParams(digits []int, _ uint64, _ uint64) map[string]float64 {
	out := map[string]float64{"steps": float64(min(len(digits), 8))}
	for i := 0; i < len(digits) && i < 8; i++ {
		out["penv"+string(rune('0'+i))] = float64(digits[i] - 32)
	}
	return out
}

func qiminParams(_ []int, batch, blockNumber uint64) map[string]float64 {
	pos := batchPosition(blockNumber)
	melody := 4 + pos*2/60
	if batch%3 == 0 {
		melody = math.Min(9, pos*9/60)
	}
	bass := 6.0
	if batch%3 == 1 {
		bass = math.Min(8, 4+pos*4/60)
	}
	return map[string]float64{
		"transpose":   12,
		"lpenvMelody": melody,
		"lpenvBass":   bass,
	}
}
