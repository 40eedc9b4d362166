package kmerindex

// Stream is a restartable source of 2-bit-encoded mers.
//
// The builder reads a stream twice: once to count and once to fill. After
// Reset the stream must yield exactly the same sequence again; a stream that
// does not is reported as ErrReplayMismatch. Streams are consumed from a
// single goroutine.
type Stream interface {
	// Reset rewinds the stream to its first mer.
	Reset() error

	// Next returns the next mer, or false once the stream is exhausted.
	Next() (mer uint64, ok bool)
}

// PositionedStream is a Stream that also reports where each mer came from,
// such as its offset in the source sequence. Position describes the mer most
// recently returned by Next. Without it, the builder records the 0-based
// ordinal of each mer as its position.
type PositionedStream interface {
	Stream
	Position() uint64
}

// errStream is implemented by streams that can fail mid-pass, in the manner
// of bufio.Scanner. Err is consulted after Next returns false.
type errStream interface {
	Err() error
}

// CountSource yields externally computed counts, such as those of a k-mer
// counter, to attach to the mers of an index. Each build resets it and
// reads it once, after the index is laid out. Counts for mers the index does
// not hold are ignored, and a mer listed twice keeps its last count. A
// CountSource may implement Err like a Stream.
type CountSource interface {
	Reset() error
	Next() (mer, count uint64, ok bool)
}

// SliceCounts is a CountSource over parallel slices.
type SliceCounts struct {
	mers, counts []uint64
	next         int
}

// NewSliceCounts returns a source assigning counts[i] to mers[i]. The slices
// must be the same length and are not copied.
func NewSliceCounts(mers, counts []uint64) *SliceCounts {
	if len(mers) != len(counts) {
		panic("kmerindex: mers and counts differ in length")
	}
	return &SliceCounts{mers: mers, counts: counts}
}

// Reset implements CountSource.
func (s *SliceCounts) Reset() error {
	s.next = 0
	return nil
}

// Next implements CountSource.
func (s *SliceCounts) Next() (mer, count uint64, ok bool) {
	if s.next >= len(s.mers) {
		return 0, 0, false
	}
	s.next++
	return s.mers[s.next-1], s.counts[s.next-1], true
}

// Digest implements Digester over the (mer, count) pairs in order.
func (s *SliceCounts) Digest() uint64 {
	d := newMerDigest()
	for i, mer := range s.mers {
		d.add(mer)
		d.add(s.counts[i])
	}
	return d.sum()
}

// SliceStream replays an in-memory slice of mers, with optional positions.
type SliceStream struct {
	mers      []uint64
	positions []uint64
	next      int
}

// NewSliceStream returns a stream over mers. The slice is not copied.
func NewSliceStream(mers []uint64) *SliceStream {
	return &SliceStream{mers: mers}
}

// NewPositionedSliceStream returns a stream over mers whose positions are
// taken from positions, which must be the same length.
func NewPositionedSliceStream(mers, positions []uint64) *SliceStream {
	if len(positions) != len(mers) {
		panic("kmerindex: mers and positions differ in length")
	}
	return &SliceStream{mers: mers, positions: positions}
}

// Reset implements Stream.
func (s *SliceStream) Reset() error {
	s.next = 0
	return nil
}

// Next implements Stream.
func (s *SliceStream) Next() (uint64, bool) {
	if s.next >= len(s.mers) {
		return 0, false
	}
	s.next++
	return s.mers[s.next-1], true
}

// Position implements PositionedStream.
func (s *SliceStream) Position() uint64 {
	if s.positions == nil {
		return uint64(s.next - 1)
	}
	return s.positions[s.next-1]
}
