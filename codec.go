package kmerindex

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	streamerrors "github.com/tamirms/kmerindex/errors"
)

// Compression selects how the sections after the header are encoded. The
// magic and header are never compressed, so a metadata-only read costs the
// same for every codec.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) valid() bool { return c <= CompressionLZ4 }

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseCompression parses "none", "zstd" or "lz4".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return 0, fmt.Errorf("%w: %q", streamerrors.ErrUnknownCompression, s)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newWriter wraps w in the section encoder. Close flushes the encoder but
// does not close w.
func (c Compression) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("%w: codec %d", streamerrors.ErrUnknownCompression, c)
}

// newReader wraps r in the section decoder. The returned func releases
// decoder resources.
func (c Compression) newReader(r io.Reader) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	}
	return nil, nil, fmt.Errorf("%w: codec %d", streamerrors.ErrUnknownCompression, c)
}
