// Package heapsort sorts bucket contents in place.
//
// Buckets are sorted with a heap sort: O(n log n) worst case, no recursion
// and no allocation, which keeps per-worker memory at the scratch buffers
// the caller already owns.
package heapsort

// Pairs sorts checks ascending. When positions is non-nil it must have the
// same length and is permuted alongside, with ties on check broken by
// position so that equal mers end up with ascending positions.
func Pairs(checks, positions []uint64) {
	if positions != nil && len(positions) != len(checks) {
		panic("heapsort: checks and positions differ in length")
	}
	h := pairHeap{checks: checks, positions: positions}
	n := len(checks)
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
	for end := n - 1; end > 0; end-- {
		h.swap(0, end)
		h.down(0, end)
	}
}

// Checks sorts a slice of check values ascending.
func Checks(checks []uint64) { Pairs(checks, nil) }

// pairHeap is a max-heap over parallel slices.
type pairHeap struct {
	checks    []uint64
	positions []uint64
}

func (h *pairHeap) swap(i, j int) {
	h.checks[i], h.checks[j] = h.checks[j], h.checks[i]
	if h.positions != nil {
		h.positions[i], h.positions[j] = h.positions[j], h.positions[i]
	}
}

func (h *pairHeap) greater(i, j int) bool {
	if h.checks[i] != h.checks[j] {
		return h.checks[i] > h.checks[j]
	}
	return h.positions != nil && h.positions[i] > h.positions[j]
}

func (h *pairHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.greater(j2, j1) {
			j = j2 // right child
		}
		if !h.greater(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
}
