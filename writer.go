package kmerindex

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cespare/xxhash/v2"
	streamerrors "github.com/tamirms/kmerindex/errors"
	"github.com/tamirms/kmerindex/internal/bitpack"
)

const (
	// writeBufferSize is the buffered writer size for saves.
	writeBufferSize = int(512 * datasize.KB)

	// sectionChunkWords is how many words are encoded per Write call.
	sectionChunkWords = 4096
)

// SaveOption configures a save.
type SaveOption func(*saveConfig)

type saveConfig struct {
	compression Compression
}

// WithCompression compresses the sections after the header. Compressed
// files cannot be loaded zero-copy by LoadFile; they are decoded into memory.
func WithCompression(c Compression) SaveOption {
	return func(cfg *saveConfig) {
		cfg.compression = c
	}
}

// syncer is implemented by *os.File.
type syncer interface {
	Sync() error
}

// countingWriter counts the bytes that reach the sink.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// sections returns the arrays in file order.
func (t *Table) sections() []*bitpack.Array {
	secs := []*bitpack.Array{t.pointers, t.contents}
	if t.hdr.hasPositions() {
		secs = append(secs, t.companion, t.list)
	}
	if t.hdr.hasCounts() {
		secs = append(secs, t.counts)
	}
	return secs
}

// encodedSize is the exact size of an uncompressed save.
func (t *Table) encodedSize() int64 {
	n := int64(magicSize + headerSize + footerSize)
	for _, a := range t.sections() {
		n += 8 + int64(a.SizeBytes())
	}
	return n
}

// WriteTo writes the table uncompressed. It implements io.WriterTo.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	return t.save(w, "", &saveConfig{})
}

// Save writes the table to w.
//
// If w is an io.WriteSeeker whose position can be queried, the file is
// written with the INCOMPLETE marker first, synced when w supports it, and
// the marker is overwritten with the OK magic only once everything else is
// written. A save that dies part way therefore leaves a file that every
// load rejects with ErrIncompleteWrite. Sinks that cannot seek receive the
// OK magic up front.
func (t *Table) Save(w io.Writer, opts ...SaveOption) error {
	cfg := &saveConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	_, err := t.save(w, "", cfg)
	return err
}

// SaveFile creates or truncates path and saves the table into it. For an
// uncompressed save the file's blocks are reserved up front, so a full disk
// fails before any section is written.
func (t *Table) SaveFile(path string, opts ...SaveOption) (err error) {
	cfg := &saveConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if t.state != stateReady {
		return t.notReady()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if cfg.compression == CompressionNone {
		if err := fallocateFile(f, t.encodedSize()); err != nil {
			return fmt.Errorf("allocate disk space: %w", err)
		}
	}
	_, err = t.save(f, path, cfg)
	return err
}

func (t *Table) save(w io.Writer, path string, cfg *saveConfig) (int64, error) {
	if t.state != stateReady {
		return 0, t.notReady()
	}
	start := time.Now()
	n, err := t.encode(w, cfg)
	t.log().LogSave(context.Background(), path, n, err)
	t.meter().RecordSave(n, time.Since(start), err)
	return n, err
}

func (t *Table) encode(w io.Writer, cfg *saveConfig) (int64, error) {
	if !cfg.compression.valid() {
		return 0, fmt.Errorf("%w: codec %d", streamerrors.ErrUnknownCompression, cfg.compression)
	}

	// A sink is seekable only if it can report where this save begins.
	ws, seekable := w.(io.WriteSeeker)
	var base int64
	if seekable {
		var err error
		if base, err = ws.Seek(0, io.SeekCurrent); err != nil {
			seekable = false
		}
	}

	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, writeBufferSize)

	var pre [magicSize + headerSize]byte
	if seekable {
		copy(pre[:magicSize], magicIncomplete)
	} else {
		copy(pre[:magicSize], magicOK)
	}
	hdr := t.hdr
	hdr.Compression = cfg.compression
	hdr.encodeTo(pre[magicSize:])
	if _, err := bw.Write(pre[:]); err != nil {
		return cw.n, fmt.Errorf("write header: %w", err)
	}

	enc, err := cfg.compression.newWriter(bw)
	if err != nil {
		return cw.n, err
	}
	digest := xxhash.New()
	sw := io.MultiWriter(enc, digest)
	buf := make([]byte, sectionChunkWords*8)
	for i, a := range t.sections() {
		if err := writeSection(sw, a.Words(), buf); err != nil {
			return cw.n, fmt.Errorf("write section %d: %w", i, err)
		}
	}
	var ftr [footerSize]byte
	(&footer{SectionsHash: digest.Sum64()}).encodeTo(ftr[:])
	if _, err := enc.Write(ftr[:]); err != nil {
		return cw.n, fmt.Errorf("write footer: %w", err)
	}
	if err := enc.Close(); err != nil {
		return cw.n, fmt.Errorf("flush %s encoder: %w", cfg.compression, err)
	}
	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("flush: %w", err)
	}
	if !seekable {
		return cw.n, nil
	}

	// Everything but the magic is durable before the magic says so.
	if err := syncSink(w); err != nil {
		return cw.n, err
	}
	if _, err := ws.Seek(base, io.SeekStart); err != nil {
		return cw.n, fmt.Errorf("seek to magic: %w", err)
	}
	if _, err := io.WriteString(ws, magicOK); err != nil {
		return cw.n, fmt.Errorf("write magic: %w", err)
	}
	if _, err := ws.Seek(base+cw.n, io.SeekStart); err != nil {
		return cw.n, fmt.Errorf("seek to end: %w", err)
	}
	return cw.n, syncSink(w)
}

func syncSink(w io.Writer) error {
	if s, ok := w.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// writeSection writes a word count followed by the words, little-endian.
func writeSection(w io.Writer, words []uint64, buf []byte) error {
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(len(words)))
	if _, err := w.Write(count[:]); err != nil {
		return err
	}
	for len(words) > 0 {
		n := min(len(words), len(buf)/8)
		for i, v := range words[:n] {
			binary.LittleEndian.PutUint64(buf[i*8:], v)
		}
		if _, err := w.Write(buf[:n*8]); err != nil {
			return err
		}
		words = words[n:]
	}
	return nil
}
