package presentation

import (
	"math"
	"strconv"
	"strings"
)

const (
	chaosK          = 3.569956786876
	chaosIterations = 100
	seedHashMinLen  = 13
)

// SeedHash maps an address to a stable digit string of at least 13 characters.
// Each character drives a logistic map near the onset of chaos; the products are
// folded into one float whose decimal rendering, reversed, is the hash.
func SeedHash(address string) string {
	a := 0.5
	for _, r := range utf16Units(address) {
		a = a * (1 - a) * chaos(float64(r)+3)
	}
	full := reverse(numberString(a))

	fill := "0"
	if len(full) > 5 {
		fill = full[5:6]
	}
	h := strings.Replace(full, ".", fill, 1)
	if len(h) > 4 {
		h = h[4:min(len(h), 21)]
	} else {
		h = ""
	}
	for len(h) < seedHashMinLen {
		h += fill
	}
	return h
}

// SeedDigits are the decimal digits of SeedHash; any other character is skipped.
func SeedDigits(address string) []int {
	h := SeedHash(address)
	out := make([]int, 0, len(h))
	for _, c := range h {
		if c >= '0' && c <= '9' {
			out = append(out, int(c-'0'))
		}
	}
	return out
}

var blockNotes = [...]string{"c3", "d3", "e3", "f3", "g3", "a3", "b3", "c4"}

// BlockNote picks the single note an address plays when patterns are off.
func BlockNote(address string) string {
	var n uint64
	for i, d := range SeedDigits(address) {
		if i >= 19 {
			break
		}
		n = n*10 + uint64(d)
	}
	return blockNotes[n%uint64(len(blockNotes))]
}

func chaos(x float64) float64 {
	a := 1 / x
	for i := 0; i < chaosIterations; i++ {
		a = (1 - a) * a * chaosK
	}
	return a
}

// numberString renders f the way a browser prints a number: shortest round-trip
// digits, exponent form below 1e-6 or from 1e21 on.
func numberString(f float64) string {
	switch {
	case f == 0:
		return "0"
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 0):
		if f > 0 {
			return "Infinity"
		}
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	exp = strings.TrimLeft(exp[1:], "0")
	if exp == "" {
		exp = "0"
	}
	return mant + "e" + sign + exp
}

func utf16Units(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		if r >= 0x10000 {
			r -= 0x10000
			out = append(out, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
			continue
		}
		out = append(out, uint16(r))
	}
	return out
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
