// Package bitpack stores a fixed number of unsigned integers of a fixed
// width (1..64 bits) back to back in a []uint64, least significant bit first.
//
// Entry i occupies bits [i*w, (i+1)*w) of the little-endian bit stream formed
// by the words, so an entry may straddle two words. One guard entry is
// allocated past the logical end so that reads and writes of the last entry
// never index past the slice.
package bitpack

import (
	"fmt"
	"math"
	"sync/atomic"

	streamerrors "github.com/tamirms/kmerindex/errors"
	intbits "github.com/tamirms/kmerindex/internal/bits"
)

// MaxWidth is the widest supported entry.
const MaxWidth = 64

// maxWords bounds a single allocation. A larger request is reported as
// ErrOutOfMemory instead of panicking inside make.
const maxWords = math.MaxInt / 8

// Array is a packed array of n entries of width bits each.
//
// Get and Set are not safe for concurrent use when two goroutines touch
// entries that share a word. LoadRange and StoreRange are: see their docs.
type Array struct {
	words []uint64
	n     uint64
	width uint
	mask  uint64
}

// WordsFor returns the number of 64-bit words backing n entries of the
// given width, including the guard entry.
func WordsFor(n uint64, width uint) (uint64, error) {
	if width == 0 || width > MaxWidth {
		return 0, fmt.Errorf("%w: entry width %d outside [1, %d]", streamerrors.ErrConfig, width, MaxWidth)
	}
	if n == math.MaxUint64 || intbits.MulOverflows(n+1, uint64(width)) {
		return 0, fmt.Errorf("%w: %d entries of %d bits", streamerrors.ErrOutOfMemory, n, width)
	}
	return intbits.CeilDiv((n+1)*uint64(width), 64), nil
}

// New allocates a zeroed array of n entries of the given width.
func New(n uint64, width uint) (*Array, error) {
	words, err := WordsFor(n, width)
	if err != nil {
		return nil, err
	}
	if words > maxWords {
		return nil, fmt.Errorf("%w: %d entries of %d bits need %d words", streamerrors.ErrOutOfMemory, n, width, words)
	}
	return &Array{
		words: make([]uint64, words),
		n:     n,
		width: width,
		mask:  intbits.Mask(width),
	}, nil
}

// FromWords wraps existing words as an array of n entries. The slice is
// retained, not copied. It must hold at least WordsFor(n, width) words.
func FromWords(words []uint64, n uint64, width uint) (*Array, error) {
	need, err := WordsFor(n, width)
	if err != nil {
		return nil, err
	}
	if uint64(len(words)) < need {
		return nil, fmt.Errorf("%w: %d words for %d entries of %d bits, need %d",
			streamerrors.ErrTruncatedFile, len(words), n, width, need)
	}
	return &Array{
		words: words,
		n:     n,
		width: width,
		mask:  intbits.Mask(width),
	}, nil
}

// Len returns the number of logical entries (the guard is not counted).
func (a *Array) Len() uint64 { return a.n }

// Width returns the entry width in bits.
func (a *Array) Width() uint { return a.width }

// Words returns the backing words. The slice aliases the array.
func (a *Array) Words() []uint64 { return a.words }

// SizeBytes returns the memory held by the backing words.
func (a *Array) SizeBytes() uint64 { return uint64(len(a.words)) * 8 }

// Get returns entry i. Indexes in [0, Len()] are valid; Len() is the guard.
func (a *Array) Get(i uint64) uint64 {
	bit := i * uint64(a.width)
	w := bit >> 6
	off := uint(bit & 63)
	v := a.words[w] >> off
	if off+a.width > 64 {
		v |= a.words[w+1] << (64 - off)
	}
	return v & a.mask
}

// Set stores v in entry i. Bits of v above the width are discarded; all
// other entries are left untouched.
func (a *Array) Set(i, v uint64) {
	v &= a.mask
	bit := i * uint64(a.width)
	w := bit >> 6
	off := uint(bit & 63)
	a.words[w] = a.words[w]&^(a.mask<<off) | v<<off
	if off+a.width > 64 {
		spill := off + a.width - 64
		a.words[w+1] = a.words[w+1]&^intbits.Mask(spill) | v>>(64-off)
	}
}

// LoadRange copies entries [start, start+len(dst)) into dst.
//
// The first and last words of the range may be shared with entries outside
// it; those words are read atomically. Together with StoreRange this lets
// goroutines own disjoint entry ranges of one array without locking.
func (a *Array) LoadRange(start uint64, dst []uint64) {
	if len(dst) == 0 {
		return
	}
	first, last := a.edgeWords(start, uint64(len(dst)))
	for k := range dst {
		i := start + uint64(k)
		if a.touches(i, first, last) {
			dst[k] = a.getShared(i)
		} else {
			dst[k] = a.Get(i)
		}
	}
}

// StoreRange writes src into entries [start, start+len(src)). Words shared
// with entries outside the range are updated with compare-and-swap.
func (a *Array) StoreRange(start uint64, src []uint64) {
	if len(src) == 0 {
		return
	}
	first, last := a.edgeWords(start, uint64(len(src)))
	for k, v := range src {
		i := start + uint64(k)
		if a.touches(i, first, last) {
			a.setShared(i, v)
		} else {
			a.Set(i, v)
		}
	}
}

func (a *Array) edgeWords(start, n uint64) (first, last uint64) {
	w := uint64(a.width)
	return (start * w) >> 6, ((start+n)*w - 1) >> 6
}

func (a *Array) touches(i, first, last uint64) bool {
	bit := i * uint64(a.width)
	lo := bit >> 6
	hi := (bit + uint64(a.width) - 1) >> 6
	return lo == first || lo == last || hi == first || hi == last
}

func (a *Array) getShared(i uint64) uint64 {
	bit := i * uint64(a.width)
	w := bit >> 6
	off := uint(bit & 63)
	v := atomic.LoadUint64(&a.words[w]) >> off
	if off+a.width > 64 {
		v |= atomic.LoadUint64(&a.words[w+1]) << (64 - off)
	}
	return v & a.mask
}

func (a *Array) setShared(i, v uint64) {
	v &= a.mask
	bit := i * uint64(a.width)
	w := bit >> 6
	off := uint(bit & 63)
	casBits(&a.words[w], a.mask<<off, v<<off)
	if off+a.width > 64 {
		spill := off + a.width - 64
		casBits(&a.words[w+1], intbits.Mask(spill), v>>(64-off))
	}
}

func casBits(p *uint64, clear, set uint64) {
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, old&^clear|set) {
			return
		}
	}
}

// Truncate shrinks the logical length to n and drops words past the new
// guard entry. n must not exceed Len().
func (a *Array) Truncate(n uint64) {
	if n > a.n {
		panic(fmt.Sprintf("bitpack: truncate to %d beyond length %d", n, a.n))
	}
	words, _ := WordsFor(n, a.width)
	a.n = n
	a.words = a.words[:words:words]
	// The guard entry must read as zero, as it would in a fresh array.
	a.Set(n, 0)
}

// Narrow repacks the array in place at a smaller width. Every stored value
// must fit in the new width. Entry i is rewritten before entry i+1 is read,
// and a narrower entry never reaches past the old start of the next one, so
// no value is clobbered before it has been moved.
func (a *Array) Narrow(width uint) error {
	if width == 0 || width > a.width {
		return fmt.Errorf("%w: cannot narrow %d-bit entries to %d bits", streamerrors.ErrConfig, a.width, width)
	}
	if width == a.width {
		return nil
	}
	old := *a
	a.width = width
	a.mask = intbits.Mask(width)
	for i := uint64(0); i <= a.n; i++ {
		v := old.Get(i)
		if v > a.mask {
			return fmt.Errorf("%w: entry %d value %d does not fit %d bits", streamerrors.ErrConfig, i, v, width)
		}
		a.Set(i, v)
	}
	words, _ := WordsFor(a.n, width)
	clear(a.words[words:])
	a.words = a.words[:words:words]
	return nil
}
