package kmerindex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	streamerrors "github.com/tamirms/kmerindex/errors"
	"github.com/tamirms/kmerindex/internal/bitpack"
	"github.com/tamirms/kmerindex/internal/merhash"
)

// readBufferSize matches writeBufferSize.
const readBufferSize = writeBufferSize

// LoadOption configures a load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	metadataOnly bool
	logger       *Logger
	metrics      MetricsCollector
}

func newLoadConfig(opts []LoadOption) *loadConfig {
	cfg := &loadConfig{
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// MetadataOnly reads the magic and header and skips the sections. The
// returned table answers Stats but no queries.
func MetadataOnly() LoadOption {
	return func(cfg *loadConfig) {
		cfg.metadataOnly = true
	}
}

// WithLoadLogger sets the logger for the load and for later saves of the
// loaded table.
func WithLoadLogger(l *Logger) LoadOption {
	return func(cfg *loadConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithLoadMetrics sets the metrics collector for the load and for later
// saves of the loaded table.
func WithLoadMetrics(m MetricsCollector) LoadOption {
	return func(cfg *loadConfig) {
		if m != nil {
			cfg.metrics = m
		}
	}
}

// loadFailed tags err as a load failure unless it already is one.
func loadFailed(err error) error {
	if errors.Is(err, streamerrors.ErrLoadFailed) || errors.Is(err, streamerrors.ErrCorruptHeader) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile)
	}
	return fmt.Errorf("%w: %w", streamerrors.ErrLoadFailed, err)
}

func checkMagic(buf []byte) error {
	switch string(buf[:magicSize]) {
	case magicOK:
		return nil
	case magicIncomplete:
		return fmt.Errorf("%w: %w", streamerrors.ErrLoadFailed, streamerrors.ErrIncompleteWrite)
	}
	return fmt.Errorf("%w: %w: %q", streamerrors.ErrLoadFailed, streamerrors.ErrInvalidMagic, buf[:magicSize])
}

// decodePrefix parses the magic and header.
func decodePrefix(buf []byte, cfg *loadConfig) (*Table, error) {
	if err := checkMagic(buf); err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(buf[magicSize:])
	if err != nil {
		return nil, err
	}
	hasher, err := merhash.New(uint(hdr.MerSize), uint(hdr.TableSizeInBits))
	if err != nil {
		return nil, loadFailed(err)
	}
	return &Table{
		state:   stateMetadata,
		hdr:     *hdr,
		hasher:  hasher,
		logger:  cfg.logger,
		metrics: cfg.metrics,
	}, nil
}

// sectionShape is the entry count and width of one persisted array.
type sectionShape struct {
	name  string
	n     uint64
	width uint
}

func (t *Table) sectionShapes() []sectionShape {
	h := &t.hdr
	shapes := []sectionShape{
		{"bucket pointers", h.numBuckets() + 1, uint(h.HashWidth)},
		{"bucket contents", h.NumberOfMers, uint(h.CheckWidth)},
	}
	if h.hasPositions() {
		shapes = append(shapes,
			sectionShape{"position companion", h.NumberOfMers, uint(h.CompanionWidth)},
			sectionShape{"position lists", h.NumberOfEntries, uint(h.ListWidth)},
		)
	}
	if h.hasCounts() {
		shapes = append(shapes, sectionShape{"external counts", h.NumberOfMers, uint(h.CountWidth)})
	}
	return shapes
}

// attach installs decoded arrays in file order and marks the table Ready.
func (t *Table) attach(arrays []*bitpack.Array) error {
	t.pointers, t.contents, arrays = arrays[0], arrays[1], arrays[2:]
	if t.hdr.hasPositions() {
		t.companion, t.list, arrays = arrays[0], arrays[1], arrays[2:]
	}
	if t.hdr.hasCounts() {
		t.counts = arrays[0]
	}
	if err := t.checkPointers(); err != nil {
		return err
	}
	t.state = stateReady
	return nil
}

// checkPointers rejects a bucket pointer table that is not monotone or does
// not end at NumberOfMers. Lookups rely on both.
func (t *Table) checkPointers() error {
	numBuckets := t.hdr.numBuckets()
	prev := uint64(0)
	for bkt := uint64(0); bkt <= numBuckets; bkt++ {
		p := t.pointers.Get(bkt)
		if p < prev {
			return fmt.Errorf("%w: bucket pointer %d decreases", streamerrors.ErrLoadFailed, bkt)
		}
		prev = p
	}
	if prev != t.hdr.NumberOfMers {
		return fmt.Errorf("%w: last bucket pointer %d, numberOfMers %d", streamerrors.ErrLoadFailed, prev, t.hdr.NumberOfMers)
	}
	return nil
}

// readSections decodes the sections and footer from r, which must be
// positioned just past the header. Words are copied into fresh arrays.
func (t *Table) readSections(r io.Reader) error {
	src, release, err := t.hdr.Compression.newReader(r)
	if err != nil {
		return loadFailed(err)
	}
	defer release()

	digest := xxhash.New()
	tr := io.TeeReader(src, digest)
	buf := make([]byte, sectionChunkWords*8)
	var arrays []*bitpack.Array
	for _, sh := range t.sectionShapes() {
		a, err := readSection(tr, sh, buf)
		if err != nil {
			return err
		}
		arrays = append(arrays, a)
	}

	var fbuf [footerSize]byte
	if _, err := io.ReadFull(src, fbuf[:]); err != nil {
		return loadFailed(err)
	}
	ftr, err := decodeFooter(fbuf[:])
	if err != nil {
		return err
	}
	if got := digest.Sum64(); got != ftr.SectionsHash {
		return fmt.Errorf("%w: %w: sections hash %016x, footer says %016x",
			streamerrors.ErrLoadFailed, streamerrors.ErrChecksumFailed, got, ftr.SectionsHash)
	}
	// A compressed stream must end cleanly after the footer, which makes the
	// decoder check its frame trailer.
	if t.hdr.Compression != CompressionNone {
		var one [1]byte
		switch _, err := io.ReadFull(src, one[:]); {
		case err == nil:
			return fmt.Errorf("%w: data after footer", streamerrors.ErrLoadFailed)
		case !errors.Is(err, io.EOF):
			return loadFailed(err)
		}
	}
	return t.attach(arrays)
}

func readSection(r io.Reader, sh sectionShape, buf []byte) (*bitpack.Array, error) {
	var count [8]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, loadFailed(err)
	}
	want, err := bitpack.WordsFor(sh.n, sh.width)
	if err != nil {
		return nil, loadFailed(err)
	}
	if got := binary.LittleEndian.Uint64(count[:]); got != want {
		return nil, fmt.Errorf("%w: %s section holds %d words, expected %d", streamerrors.ErrLoadFailed, sh.name, got, want)
	}
	a, err := bitpack.New(sh.n, sh.width)
	if err != nil {
		return nil, loadFailed(err)
	}
	words := a.Words()
	for len(words) > 0 {
		n := min(len(words), len(buf)/8)
		if _, err := io.ReadFull(r, buf[:n*8]); err != nil {
			return nil, loadFailed(err)
		}
		for i := range words[:n] {
			words[i] = binary.LittleEndian.Uint64(buf[i*8:])
		}
		words = words[n:]
	}
	return a, nil
}

// hostLittleEndian reports whether file words can be used in place.
var hostLittleEndian = func() bool {
	word := [2]byte{1, 0}
	return *(*uint16)(unsafe.Pointer(&word[0])) == 1
}()

// wordsAt views b as little-endian words without copying when the host
// byte order and the alignment allow it.
func wordsAt(b []byte) (words []uint64, aliased bool) {
	n := len(b) / 8
	if n == 0 {
		return []uint64{}, false
	}
	if hostLittleEndian && uintptr(unsafe.Pointer(&b[0]))%8 == 0 {
		return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n), true
	}
	words = make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return words, false
}

// decodeBytes decodes a whole file image. Uncompressed sections alias data
// when possible; aliased reports whether any array does.
func decodeBytes(data []byte, cfg *loadConfig) (t *Table, aliased bool, err error) {
	const prefix = magicSize + headerSize
	if len(data) < prefix {
		if len(data) >= magicSize {
			if err := checkMagic(data); err != nil {
				return nil, false, err
			}
		}
		return nil, false, fmt.Errorf("%w: %w: %d bytes", streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile, len(data))
	}
	if t, err = decodePrefix(data[:prefix], cfg); err != nil {
		return nil, false, err
	}
	if cfg.metadataOnly {
		return t, false, nil
	}
	if t.hdr.Compression != CompressionNone {
		return t, false, t.readSections(bytes.NewReader(data[prefix:]))
	}

	off := uint64(prefix)
	size := uint64(len(data))
	digest := xxhash.New()
	var arrays []*bitpack.Array
	for _, sh := range t.sectionShapes() {
		want, err := bitpack.WordsFor(sh.n, sh.width)
		if err != nil {
			return nil, false, loadFailed(err)
		}
		if size-off < 8 {
			return nil, false, fmt.Errorf("%w: %w: %s section missing", streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile, sh.name)
		}
		if got := binary.LittleEndian.Uint64(data[off:]); got != want {
			return nil, false, fmt.Errorf("%w: %s section holds %d words, expected %d", streamerrors.ErrLoadFailed, sh.name, got, want)
		}
		if (size-off-8)/8 < want {
			return nil, false, fmt.Errorf("%w: %w: %s section cut short", streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile, sh.name)
		}
		end := off + 8 + want*8
		_, _ = digest.Write(data[off:end])
		words, inPlace := wordsAt(data[off+8 : end])
		a, err := bitpack.FromWords(words, sh.n, sh.width)
		if err != nil {
			return nil, false, loadFailed(err)
		}
		arrays = append(arrays, a)
		aliased = aliased || inPlace
		off = end
	}

	ftr, err := decodeFooter(data[off:])
	if err != nil {
		return nil, false, err
	}
	if got := digest.Sum64(); got != ftr.SectionsHash {
		return nil, false, fmt.Errorf("%w: %w: sections hash %016x, footer says %016x",
			streamerrors.ErrLoadFailed, streamerrors.ErrChecksumFailed, got, ftr.SectionsHash)
	}
	if err := t.attach(arrays); err != nil {
		return nil, false, err
	}
	return t, aliased, nil
}

// decodeStream reads a table from r, copying every section.
func decodeStream(r io.Reader, cfg *loadConfig) (*Table, error) {
	var pre [magicSize + headerSize]byte
	if n, err := io.ReadFull(r, pre[:]); err != nil {
		if n >= magicSize {
			if merr := checkMagic(pre[:]); merr != nil {
				return nil, merr
			}
		}
		return nil, loadFailed(err)
	}
	t, err := decodePrefix(pre[:], cfg)
	if err != nil {
		return nil, err
	}
	if cfg.metadataOnly {
		return t, nil
	}
	if err := t.readSections(r); err != nil {
		return nil, err
	}
	return t, nil
}

func finishLoad(cfg *loadConfig, path string, t *Table, start time.Time, err error) (*Table, error) {
	var n int64
	if err == nil {
		n = int64(magicSize + headerSize)
		if t.state == stateReady {
			n = t.encodedSize()
		}
	}
	cfg.logger.LogLoad(context.Background(), path, cfg.metadataOnly, err)
	cfg.metrics.RecordLoad(n, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Load reads a table from r. Every section is copied into memory and the
// footer checksum is verified. Any failure, including a short read, is
// reported with ErrLoadFailed or ErrCorruptHeader and no table is returned.
func Load(r io.Reader, opts ...LoadOption) (*Table, error) {
	cfg := newLoadConfig(opts)
	start := time.Now()
	if f, ok := r.(*os.File); ok {
		fadviseSequential(int(f.Fd()), 0, 0)
	}
	t, err := decodeStream(bufio.NewReaderSize(r, readBufferSize), cfg)
	return finishLoad(cfg, "", t, start, err)
}

// LoadBytes decodes a table from an in-memory image. An uncompressed image
// may be used in place, so data must not be modified while the table is in
// use.
func LoadBytes(data []byte, opts ...LoadOption) (*Table, error) {
	cfg := newLoadConfig(opts)
	start := time.Now()
	t, _, err := decodeBytes(data, cfg)
	return finishLoad(cfg, "", t, start, err)
}

// LoadFile loads the table stored at path. The file is memory-mapped and,
// when uncompressed, the table reads directly from the mapping until Close.
func LoadFile(path string, opts ...LoadOption) (*Table, error) {
	cfg := newLoadConfig(opts)
	start := time.Now()
	t, err := loadFile(path, cfg)
	return finishLoad(cfg, path, t, start, err)
}

func loadFile(path string, cfg *loadConfig) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, loadFailed(err)
	}
	defer f.Close()

	if cfg.metadataOnly {
		return decodeStream(f, cfg)
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, loadFailed(err)
	}
	if fi.Size() < magicSize+headerSize {
		// Too short to map usefully; the stream decoder reports why.
		return decodeStream(f, cfg)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, loadFailed(err)
	}
	adviseMapping(mm)

	t, aliased, err := decodeBytes(mm, cfg)
	if err != nil {
		return nil, errors.Join(err, mm.Unmap())
	}
	if !aliased {
		if err := mm.Unmap(); err != nil {
			return nil, loadFailed(err)
		}
		return t, nil
	}
	t.mapping = mm
	return t, nil
}

// ReadStats reads only the header of the index at path.
func ReadStats(path string) (Stats, error) {
	t, err := LoadFile(path, MetadataOnly())
	if err != nil {
		return Stats{}, err
	}
	return t.Stats()
}
