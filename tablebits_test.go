package kmerindex

import (
	"errors"
	"testing"

	streamerrors "github.com/tamirms/kmerindex/errors"
)

func TestOptimalTableBitsMinimizesEstimate(t *testing.T) {
	tests := []struct {
		merSize    uint
		approxMers uint64
	}{
		{20, 1_000_000},
		{22, 100_000_000},
		{28, 3_000_000_000},
		{12, 5000},
		{5, 100},
	}
	for _, tt := range tests {
		bits, err := OptimalTableBits(tt.merSize, tt.approxMers, 0)
		if err != nil {
			t.Fatalf("OptimalTableBits(%d, %d): %v", tt.merSize, tt.approxMers, err)
		}
		if bits == 0 || bits >= 2*tt.merSize || bits > 40 {
			t.Fatalf("OptimalTableBits(%d, %d) = %d out of range", tt.merSize, tt.approxMers, bits)
		}
		got := EstimateSize(tt.merSize, bits, tt.approxMers)
		for _, nb := range []uint{bits - 1, bits + 1} {
			if nb < minTableBits || nb >= 2*tt.merSize-3 || nb > 40 {
				continue
			}
			if other := EstimateSize(tt.merSize, nb, tt.approxMers); other < got {
				t.Errorf("merSize %d: %d bits estimates %d bytes, %d bits only %d", tt.merSize, bits, got, nb, other)
			}
		}
		if _, err := NewBuilder(tt.merSize, bits); err != nil {
			t.Errorf("chosen configuration rejected: %v", err)
		}
	}
}

func TestOptimalTableBitsLimits(t *testing.T) {
	if _, err := OptimalTableBits(0, 10, 0); !errors.Is(err, streamerrors.ErrConfig) {
		t.Errorf("merSize 0: expected ErrConfig, got %v", err)
	}
	if _, err := OptimalTableBits(22, 100_000_000, 1<<20); !errors.Is(err, streamerrors.ErrOutOfMemory) {
		t.Errorf("tiny budget: expected ErrOutOfMemory, got %v", err)
	}
	// 64 mer bits plus a 41-bit position need 42 table bits; 40 is the cap.
	if _, err := OptimalTableBits(32, 1<<40, 0); !errors.Is(err, streamerrors.ErrCapacityExceeded) {
		t.Errorf("32-mers: expected ErrCapacityExceeded, got %v", err)
	}

	budget := EstimateSize(20, 24, 1_000_000)
	bits, err := OptimalTableBits(20, 1_000_000, budget)
	if err != nil {
		t.Fatal(err)
	}
	if EstimateSize(20, bits, 1_000_000) > budget {
		t.Errorf("chosen %d bits exceeds budget", bits)
	}
}
