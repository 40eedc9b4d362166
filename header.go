package kmerindex

import (
	"encoding/binary"
	"fmt"

	streamerrors "github.com/tamirms/kmerindex/errors"
	intbits "github.com/tamirms/kmerindex/internal/bits"
	"github.com/tamirms/kmerindex/internal/merhash"
)

const (
	// magicSize is the length of the leading file marker.
	magicSize = 16

	// headerSize is the exact size of the serialized header (128 bytes).
	headerSize = 128

	// footerSize is the exact size of the serialized footer (16 bytes).
	footerSize = 16
)

// A file starts with magicIncomplete while it is being written and is
// flipped to magicOK once every byte after the marker is on disk. Sinks
// that cannot seek get magicOK up front.
const (
	magicOK         = "positionDB.v1   "
	magicIncomplete = "positionDBfailed"
)

// Header flags.
const (
	flagPositions uint32 = 1 << 0
	flagSetFilter uint32 = 1 << 1
	flagCounts    uint32 = 1 << 2
)

// maxCountWidth bounds external count cells; counts are clamped to uint32.
const maxCountWidth = 32

// header is the 128-byte record that follows the magic. It is followed by
// the sections (pointers, contents, then companion and list when positions
// are stored, then external counts when attached), each a uint64_le word count and that many uint64_le words,
// and by the footer. Sections and footer pass through the codec named by
// Compression; the magic and header never do.
//
// Layout:
//
//	Offset  Size  Field             Type
//	0       4     MerSize           uint32_le
//	4       4     TableSizeInBits   uint32_le
//	8       4     HashWidth         uint32_le (bucket pointer width)
//	12      4     CheckWidth        uint32_le (2*MerSize - TableSizeInBits)
//	16      4     CompanionWidth    uint32_le (0 without positions)
//	20      4     ListWidth         uint32_le (0 without positions)
//	24      4     Flags             uint32_le (bit0 positions, bit1 mask/only applied, bit2 counts)
//	28      1     Compression       uint8 (0=none, 1=zstd, 2=lz4)
//	29      3     Reserved          [3]byte (zero)
//	32      4     LoCount           uint32_le
//	36      4     HiCount           uint32_le
//	40      8     NumberOfMers      uint64_le
//	48      8     NumberOfDistinct  uint64_le
//	56      8     NumberOfUnique    uint64_le
//	64      8     NumberOfEntries   uint64_le
//	72      8     MaximumEntries    uint64_le
//	80      8     MaxPosition       uint64_le
//	88      8     ConfigDigest      uint64_le (xxh3 of the build configuration)
//	96      4     CountWidth        uint32_le (0 without counts)
//	100     28    Reserved          [28]byte (zero)
//
// The widths are derived values. They are stored so that a reader can
// recompute them from the counters and reject a header that disagrees.
type header struct {
	MerSize          uint32
	TableSizeInBits  uint32
	HashWidth        uint32
	CheckWidth       uint32
	CompanionWidth   uint32
	ListWidth        uint32
	Flags            uint32
	Compression      Compression
	LoCount          uint32
	HiCount          uint32
	NumberOfMers     uint64
	NumberOfDistinct uint64
	NumberOfUnique   uint64
	NumberOfEntries  uint64
	MaximumEntries   uint64
	MaxPosition      uint64
	ConfigDigest     uint64
	CountWidth       uint32
}

// encodeTo serializes the header to an existing buffer.
func (h *header) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.MerSize)
	binary.LittleEndian.PutUint32(buf[4:8], h.TableSizeInBits)
	binary.LittleEndian.PutUint32(buf[8:12], h.HashWidth)
	binary.LittleEndian.PutUint32(buf[12:16], h.CheckWidth)
	binary.LittleEndian.PutUint32(buf[16:20], h.CompanionWidth)
	binary.LittleEndian.PutUint32(buf[20:24], h.ListWidth)
	binary.LittleEndian.PutUint32(buf[24:28], h.Flags)
	buf[28] = byte(h.Compression)
	clear(buf[29:32])
	binary.LittleEndian.PutUint32(buf[32:36], h.LoCount)
	binary.LittleEndian.PutUint32(buf[36:40], h.HiCount)
	binary.LittleEndian.PutUint64(buf[40:48], h.NumberOfMers)
	binary.LittleEndian.PutUint64(buf[48:56], h.NumberOfDistinct)
	binary.LittleEndian.PutUint64(buf[56:64], h.NumberOfUnique)
	binary.LittleEndian.PutUint64(buf[64:72], h.NumberOfEntries)
	binary.LittleEndian.PutUint64(buf[72:80], h.MaximumEntries)
	binary.LittleEndian.PutUint64(buf[80:88], h.MaxPosition)
	binary.LittleEndian.PutUint64(buf[88:96], h.ConfigDigest)
	binary.LittleEndian.PutUint32(buf[96:100], h.CountWidth)
	clear(buf[100:headerSize])
}

// decodeHeader parses a 128-byte header and cross-checks its derived widths.
func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: %w", streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile)
	}

	h := &header{
		MerSize:          binary.LittleEndian.Uint32(buf[0:4]),
		TableSizeInBits:  binary.LittleEndian.Uint32(buf[4:8]),
		HashWidth:        binary.LittleEndian.Uint32(buf[8:12]),
		CheckWidth:       binary.LittleEndian.Uint32(buf[12:16]),
		CompanionWidth:   binary.LittleEndian.Uint32(buf[16:20]),
		ListWidth:        binary.LittleEndian.Uint32(buf[20:24]),
		Flags:            binary.LittleEndian.Uint32(buf[24:28]),
		Compression:      Compression(buf[28]),
		LoCount:          binary.LittleEndian.Uint32(buf[32:36]),
		HiCount:          binary.LittleEndian.Uint32(buf[36:40]),
		NumberOfMers:     binary.LittleEndian.Uint64(buf[40:48]),
		NumberOfDistinct: binary.LittleEndian.Uint64(buf[48:56]),
		NumberOfUnique:   binary.LittleEndian.Uint64(buf[56:64]),
		NumberOfEntries:  binary.LittleEndian.Uint64(buf[64:72]),
		MaximumEntries:   binary.LittleEndian.Uint64(buf[72:80]),
		MaxPosition:      binary.LittleEndian.Uint64(buf[80:88]),
		ConfigDigest:     binary.LittleEndian.Uint64(buf[88:96]),
		CountWidth:       binary.LittleEndian.Uint32(buf[96:100]),
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func corruptHeader(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{streamerrors.ErrCorruptHeader}, args...)...)
}

// validate recomputes every derived field from the configuration and the
// counters. A header written by this package always passes.
func (h *header) validate() error {
	hasher, err := merhash.New(uint(h.MerSize), uint(h.TableSizeInBits))
	if err != nil {
		return corruptHeader("merSize %d, tableSizeInBits %d: %v", h.MerSize, h.TableSizeInBits, err)
	}
	if uint(h.CheckWidth) != hasher.CheckWidth() {
		return corruptHeader("checkWidth %d, expected %d", h.CheckWidth, hasher.CheckWidth())
	}
	if want := hashWidthFor(h.NumberOfMers); uint(h.HashWidth) != want {
		return corruptHeader("hashWidth %d, expected %d for %d mers", h.HashWidth, want, h.NumberOfMers)
	}
	if h.hasPositions() {
		comp, list := positionWidthsFor(h.MaxPosition, h.NumberOfEntries, h.MaximumEntries)
		if uint(h.CompanionWidth) != comp || uint(h.ListWidth) != list {
			return corruptHeader("position widths %d/%d, expected %d/%d", h.CompanionWidth, h.ListWidth, comp, list)
		}
	} else if h.CompanionWidth != 0 || h.ListWidth != 0 {
		return corruptHeader("position widths %d/%d set without positions", h.CompanionWidth, h.ListWidth)
	}
	if h.hasCounts() {
		if h.CountWidth == 0 || h.CountWidth > maxCountWidth {
			return corruptHeader("countWidth %d outside [1, %d]", h.CountWidth, maxCountWidth)
		}
	} else if h.CountWidth != 0 {
		return corruptHeader("countWidth %d set without counts", h.CountWidth)
	}
	if h.NumberOfMers > maxMers {
		return corruptHeader("numberOfMers %d exceeds limit %d", h.NumberOfMers, maxMers)
	}
	if h.NumberOfUnique > h.NumberOfDistinct || h.NumberOfDistinct > h.NumberOfMers {
		return corruptHeader("counters unique=%d distinct=%d mers=%d out of order",
			h.NumberOfUnique, h.NumberOfDistinct, h.NumberOfMers)
	}
	// Every non-unique mer contributes its run length plus one count slot.
	if dup := h.NumberOfMers - h.NumberOfUnique; h.NumberOfEntries != dup+(h.NumberOfDistinct-h.NumberOfUnique) {
		return corruptHeader("numberOfEntries %d inconsistent with %d duplicated mers", h.NumberOfEntries, dup)
	}
	if h.MaximumEntries > h.NumberOfMers {
		return corruptHeader("maximumEntries %d exceeds numberOfMers %d", h.MaximumEntries, h.NumberOfMers)
	}
	if h.LoCount > h.HiCount {
		return corruptHeader("count range [%d, %d] is empty", h.LoCount, h.HiCount)
	}
	if !h.Compression.valid() {
		return fmt.Errorf("%w: %w: codec %d", streamerrors.ErrLoadFailed, streamerrors.ErrUnknownCompression, h.Compression)
	}
	return nil
}

func (h *header) hasPositions() bool { return h.Flags&flagPositions != 0 }

func (h *header) hasCounts() bool { return h.Flags&flagCounts != 0 }

func (h *header) numBuckets() uint64 { return uint64(1) << h.TableSizeInBits }

// hashWidthFor is the bucket pointer width: pointers range over [0, mers].
func hashWidthFor(numberOfMers uint64) uint {
	return intbits.Width(numberOfMers)
}

// positionWidthsFor returns the companion and position-list cell widths.
// A companion cell holds either a position or an offset into the list; a
// list cell holds either a position or a run length.
func positionWidthsFor(maxPosition, numberOfEntries, maximumEntries uint64) (companion, list uint) {
	posn := intbits.Width(maxPosition)
	return max(posn, intbits.Width(numberOfEntries)), max(posn, intbits.Width(maximumEntries))
}

// footer is the 16-byte record that ends the section stream. SectionsHash
// covers the uncompressed section bytes, word counts included.
//
// Layout:
//
//	Offset  Size  Field         Type
//	0       8     SectionsHash  uint64_le (xxHash64 of all section bytes)
//	8       8     Reserved      [8]byte (zero)
type footer struct {
	SectionsHash uint64
}

func (f *footer) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.SectionsHash)
	clear(buf[8:footerSize])
}

func decodeFooter(buf []byte) (*footer, error) {
	if len(buf) < footerSize {
		return nil, fmt.Errorf("%w: %w", streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile)
	}
	return &footer{SectionsHash: binary.LittleEndian.Uint64(buf[0:8])}, nil
}
