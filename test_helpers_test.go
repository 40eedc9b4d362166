package kmerindex

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"testing"
)

const (
	testSeed1 = 0x1234567890ABCDEF
	testSeed2 = 0xFEDCBA9876543210
)

// newTestRNG returns a PCG seeded from the test name, so every test gets
// its own reproducible sequence.
func newTestRNG(t testing.TB) *rand.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return rand.New(rand.NewPCG(testSeed1^s1, testSeed2^s2))
}

// randomMers draws n mers of merSize bases from a pool of about distinct
// values, so that repeats are common.
func randomMers(rng *rand.Rand, n, distinct int, merSize uint) []uint64 {
	mask := uint64(1)<<(2*merSize) - 1
	if merSize == 32 {
		mask = ^uint64(0)
	}
	pool := make([]uint64, distinct)
	for i := range pool {
		pool[i] = rng.Uint64() & mask
	}
	mers := make([]uint64, n)
	for i := range mers {
		mers[i] = pool[rng.IntN(distinct)]
	}
	return mers
}

// model is a map-based reference index: mer -> ascending positions.
type model map[uint64][]uint64

func newModel(mers, positions []uint64) model {
	m := make(model)
	for i, mer := range mers {
		p := uint64(i)
		if positions != nil {
			p = positions[i]
		}
		m[mer] = append(m[mer], p)
	}
	for _, ps := range m {
		slices.Sort(ps)
	}
	return m
}

// filter keeps the mers the builder would keep for the given options.
func (m model) filter(keep func(mer uint64, count int) bool) model {
	out := make(model)
	for mer, ps := range m {
		if keep(mer, len(ps)) {
			out[mer] = ps
		}
	}
	return out
}

func (m model) stats() (mers, distinct, unique, entries, maxEntries uint64) {
	for _, ps := range m {
		n := uint64(len(ps))
		mers += n
		distinct++
		if n == 1 {
			unique++
			continue
		}
		entries += n + 1
		maxEntries = max(maxEntries, n)
	}
	return
}

func buildTable(t testing.TB, merSize, tableBits uint, s Stream, opts ...BuildOption) *Table {
	t.Helper()
	b, err := NewBuilder(merSize, tableBits, opts...)
	if err != nil {
		t.Fatalf("NewBuilder(%d, %d): %v", merSize, tableBits, err)
	}
	table, err := b.Build(context.Background(), s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return table
}

func collectPositions(t testing.TB, table *Table, mer uint64) []uint64 {
	t.Helper()
	it, err := table.Positions(mer)
	if err != nil {
		t.Fatalf("Positions(%#x): %v", mer, err)
	}
	var out []uint64
	for p, ok := it.Next(); ok; p, ok = it.Next() {
		out = append(out, p)
	}
	return out
}

// checkAgainstModel queries every mer in the model plus the extra mers in queries and
// compares counts, existence, positions (when stored) and the statistics.
func checkAgainstModel(t testing.TB, table *Table, m model, queries []uint64) {
	t.Helper()
	st, err := table.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	mers, distinct, unique, entries, maxEntries := m.stats()
	if st.NumberOfMers != mers || st.NumberOfDistinct != distinct || st.NumberOfUnique != unique ||
		st.NumberOfEntries != entries || st.MaximumEntries != maxEntries {
		t.Fatalf("stats mers/distinct/unique/entries/max = %d/%d/%d/%d/%d, want %d/%d/%d/%d/%d",
			st.NumberOfMers, st.NumberOfDistinct, st.NumberOfUnique, st.NumberOfEntries, st.MaximumEntries,
			mers, distinct, unique, entries, maxEntries)
	}

	for mer, ps := range m {
		n, err := table.Count(mer)
		if err != nil {
			t.Fatalf("Count(%#x): %v", mer, err)
		}
		if int(n) != len(ps) {
			t.Fatalf("Count(%#x) = %d, want %d", mer, n, len(ps))
		}
		if ok, _ := table.Exists(mer); !ok {
			t.Fatalf("Exists(%#x) = false", mer)
		}
		if st.HasPositions {
			if got := collectPositions(t, table, mer); !slices.Equal(got, ps) {
				t.Fatalf("Positions(%#x) = %v, want %v", mer, got, ps)
			}
		}
	}
	for _, mer := range queries {
		if _, present := m[mer]; present {
			continue
		}
		if n, _ := table.Count(mer); n != 0 {
			t.Fatalf("Count(absent %#x) = %d", mer, n)
		}
		if ok, _ := table.Exists(mer); ok {
			t.Fatalf("Exists(absent %#x) = true", mer)
		}
		if st.HasPositions {
			if got := collectPositions(t, table, mer); len(got) != 0 {
				t.Fatalf("Positions(absent %#x) = %v", mer, got)
			}
		}
	}
	if err := table.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

// replayStream yields first on its first pass and second afterwards.
type replayStream struct {
	first, second []uint64
	passes        int
	cur           []uint64
	next          int
}

func (s *replayStream) Reset() error {
	s.passes++
	s.cur = s.first
	if s.passes > 1 {
		s.cur = s.second
	}
	s.next = 0
	return nil
}

func (s *replayStream) Next() (uint64, bool) {
	if s.next >= len(s.cur) {
		return 0, false
	}
	s.next++
	return s.cur[s.next-1], true
}

// failingStream stops after n mers and reports err.
type failingStream struct {
	n, next int
	err     error
}

func (s *failingStream) Reset() error { s.next = 0; return nil }

func (s *failingStream) Next() (uint64, bool) {
	if s.next >= s.n {
		return 0, false
	}
	s.next++
	return uint64(s.next), true
}

func (s *failingStream) Err() error { return s.err }
