package bits

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"testing"
)

// Named seeds for deterministic reproduction.
const (
	testSeed1 = 0x1234567890ABCDEF
	testSeed2 = 0xFEDCBA9876543210
)

func newTestRNG(t testing.TB) *rand.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return rand.New(rand.NewPCG(testSeed1^s1, testSeed2^s2))
}

// TestWidthMatchesCeilLog2 checks Width(v) against ceil(log2(v+1)) computed
// by searching for the smallest w with 2^w > v.
func TestWidthMatchesCeilLog2(t *testing.T) {
	rng := newTestRNG(t)
	const iterations = 10000

	for i := 0; i < iterations; i++ {
		v := rng.Uint64() >> rng.UintN(64)
		want := uint(1)
		for want < 64 && uint64(1)<<want <= v {
			want++
		}
		if got := Width(v); got != want {
			t.Fatalf("iter %d: Width(%d) = %d, want %d", i, v, got, want)
		}
	}
}

func TestWidthEdgeCases(t *testing.T) {
	cases := []struct {
		v    uint64
		want uint
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{255, 8},
		{256, 9},
		{math.MaxUint32, 32},
		{math.MaxUint64, 64},
	}
	for _, tc := range cases {
		if got := Width(tc.v); got != tc.want {
			t.Errorf("Width(%d) = %d, want %d", tc.v, got, tc.want)
		}
	}
}

func TestMask(t *testing.T) {
	if got := Mask(0); got != 0 {
		t.Errorf("Mask(0) = %#x, want 0", got)
	}
	if got := Mask(1); got != 1 {
		t.Errorf("Mask(1) = %#x, want 1", got)
	}
	if got := Mask(63); got != math.MaxUint64>>1 {
		t.Errorf("Mask(63) = %#x", got)
	}
	for _, w := range []uint{64, 65, 200} {
		if got := Mask(w); got != math.MaxUint64 {
			t.Errorf("Mask(%d) = %#x, want all ones", w, got)
		}
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want uint64 }{
		{0, 64, 0},
		{1, 64, 1},
		{64, 64, 1},
		{65, 64, 2},
		{math.MaxUint64, 64, math.MaxUint64/64 + 1},
	}
	for _, tc := range cases {
		if got := CeilDiv(tc.a, tc.b); got != tc.want {
			t.Errorf("CeilDiv(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMulOverflows(t *testing.T) {
	if MulOverflows(1<<32, 1<<31) {
		t.Error("2^63 reported as overflow")
	}
	if !MulOverflows(1<<32, 1<<32) {
		t.Error("2^64 not reported as overflow")
	}
	if MulOverflows(0, math.MaxUint64) {
		t.Error("0 * max reported as overflow")
	}
}
