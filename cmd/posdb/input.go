package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/zeebo/xxh3"
	"github.com/tamirms/kmerindex"
	"github.com/tamirms/kmerindex/internal/merhash"
)

const inputBufferSize = int(1 * datasize.MB)

// merFile streams the k-mers of a text file, one per line. Reset seeks
// back to the start, so the builder can replay it.
type merFile struct {
	f       *os.File
	sc      *bufio.Scanner
	merSize uint
	line    uint64 // lines consumed so far
	pos     uint64 // 0-based line of the last mer
	err     error
}

var _ kmerindex.PositionedStream = (*merFile)(nil)

func openMerFile(path string, merSize uint) (*merFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m := &merFile{f: f, merSize: merSize}
	if err := m.Reset(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *merFile) Reset() error {
	if _, err := m.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	m.sc = bufio.NewScanner(bufio.NewReaderSize(m.f, inputBufferSize))
	m.line, m.pos, m.err = 0, 0, nil
	return nil
}

func (m *merFile) Next() (uint64, bool) {
	if m.err != nil {
		return 0, false
	}
	for m.sc.Scan() {
		m.line++
		text := bytes.TrimSpace(m.sc.Bytes())
		if len(text) == 0 || text[0] == '#' || text[0] == '>' {
			continue
		}
		if uint(len(text)) != m.merSize {
			m.err = fmt.Errorf("%s:%d: k-mer %q has %d bases, want %d", m.f.Name(), m.line, text, len(text), m.merSize)
			return 0, false
		}
		mer, err := merhash.Encode(string(text))
		if err != nil {
			m.err = fmt.Errorf("%s:%d: %w", m.f.Name(), m.line, err)
			return 0, false
		}
		m.pos = m.line - 1
		return mer, true
	}
	return 0, false
}

func (m *merFile) Position() uint64 { return m.pos }

func (m *merFile) Err() error {
	if m.err != nil {
		return m.err
	}
	return m.sc.Err()
}

// approxMers estimates the mer count from the file size.
func (m *merFile) approxMers() (uint64, error) {
	info, err := m.f.Stat()
	if err != nil {
		return 0, err
	}
	return max(1, uint64(info.Size())/uint64(m.merSize+1)), nil
}

// sourceID identifies the input for cache invalidation.
func (m *merFile) sourceID() ([]byte, error) {
	info, err := m.f.Stat()
	if err != nil {
		return nil, err
	}
	return appendFileID(nil, m.f.Name(), info), nil
}

func appendFileID(dst []byte, name string, info os.FileInfo) []byte {
	return fmt.Appendf(dst, "%s|%d|%d", name, info.Size(), info.ModTime().UnixNano())
}

func (m *merFile) Close() error { return m.f.Close() }

// countFile streams "kmer count" lines, as written by k-mer counters'
// text dumps. Blank and comment lines are skipped.
type countFile struct {
	f       *os.File
	sc      *bufio.Scanner
	merSize uint
	line    uint64
	err     error
}

var _ kmerindex.CountSource = (*countFile)(nil)

func openCountFile(path string, merSize uint) (*countFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c := &countFile{f: f, merSize: merSize}
	if err := c.Reset(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *countFile) Reset() error {
	if _, err := c.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	c.sc = bufio.NewScanner(bufio.NewReaderSize(c.f, inputBufferSize))
	c.line, c.err = 0, nil
	return nil
}

func (c *countFile) Next() (mer, count uint64, ok bool) {
	if c.err != nil {
		return 0, 0, false
	}
	for c.sc.Scan() {
		c.line++
		fields := bytes.Fields(c.sc.Bytes())
		if len(fields) == 0 || fields[0][0] == '#' {
			continue
		}
		if len(fields) != 2 || uint(len(fields[0])) != c.merSize {
			c.err = fmt.Errorf("%s:%d: want a %d-base k-mer and a count", c.f.Name(), c.line, c.merSize)
			return 0, 0, false
		}
		mer, err := merhash.Encode(string(fields[0]))
		if err != nil {
			c.err = fmt.Errorf("%s:%d: %w", c.f.Name(), c.line, err)
			return 0, 0, false
		}
		count, err := strconv.ParseUint(string(fields[1]), 10, 64)
		if err != nil {
			c.err = fmt.Errorf("%s:%d: count: %w", c.f.Name(), c.line, err)
			return 0, 0, false
		}
		return mer, count, true
	}
	return 0, 0, false
}

func (c *countFile) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.sc.Err()
}

// Digest identifies the file by name, size and modification time, so
// --reuse can match an index built from the same counts.
func (c *countFile) Digest() uint64 {
	info, err := c.f.Stat()
	if err != nil {
		return 0
	}
	return xxh3.Hash(appendFileID(nil, c.f.Name(), info))
}

func (c *countFile) Close() error { return c.f.Close() }
