package kmerindex

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"

	streamerrors "github.com/tamirms/kmerindex/errors"
)

// buildPersistTable builds a position index with repeats for persistence tests.
func buildPersistTable(t *testing.T) (*Table, model, []uint64) {
	t.Helper()
	rng := newTestRNG(t)
	mers := randomMers(rng, 6000, 1500, 13)
	table := buildTable(t, 13, 11, NewSliceStream(mers), WithPositions(), WithCountRange(1, 40))
	m := newModel(mers, nil).filter(func(_ uint64, n int) bool { return n <= 40 })
	return table, m, mers
}

func sameSections(t *testing.T, want, got *Table) {
	t.Helper()
	ws, gs := want.sections(), got.sections()
	if len(ws) != len(gs) {
		t.Fatalf("%d sections, want %d", len(gs), len(ws))
	}
	for i := range ws {
		if ws[i].Len() != gs[i].Len() || ws[i].Width() != gs[i].Width() {
			t.Fatalf("section %d shape %d/%d, want %d/%d", i, gs[i].Len(), gs[i].Width(), ws[i].Len(), ws[i].Width())
		}
		if !slices.Equal(ws[i].Words(), gs[i].Words()) {
			t.Fatalf("section %d words differ", i)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	table, m, queries := buildPersistTable(t)

	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			t.Run("File", func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "index.posdb")
				if err := table.SaveFile(path, WithCompression(c)); err != nil {
					t.Fatal(err)
				}
				loaded, err := LoadFile(path)
				if err != nil {
					t.Fatal(err)
				}
				defer loaded.Close()
				sameSections(t, table, loaded)
				checkAgainstModel(t, loaded, m, queries)
				if st, _ := loaded.Stats(); st.Compression != c {
					t.Errorf("Compression = %s, want %s", st.Compression, c)
				}
			})
			t.Run("Stream", func(t *testing.T) {
				var buf bytes.Buffer
				if err := table.Save(&buf, WithCompression(c)); err != nil {
					t.Fatal(err)
				}
				loaded, err := Load(&buf)
				if err != nil {
					t.Fatal(err)
				}
				sameSections(t, table, loaded)
				checkAgainstModel(t, loaded, m, queries)
			})
			t.Run("Bytes", func(t *testing.T) {
				var buf bytes.Buffer
				if err := table.Save(&buf, WithCompression(c)); err != nil {
					t.Fatal(err)
				}
				loaded, err := LoadBytes(buf.Bytes())
				if err != nil {
					t.Fatal(err)
				}
				sameSections(t, table, loaded)
			})
		})
	}
}

func TestSaveFileExactSize(t *testing.T) {
	table, _, _ := buildPersistTable(t)
	path := filepath.Join(t.TempDir(), "index.posdb")
	if err := table.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != table.encodedSize() {
		t.Errorf("file is %d bytes, want %d", fi.Size(), table.encodedSize())
	}
}

// TestResaveIsByteIdentical saves a mapped table again and compares bytes.
func TestResaveIsByteIdentical(t *testing.T) {
	table, _, _ := buildPersistTable(t)
	var first bytes.Buffer
	if _, err := table.WriteTo(&first); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "index.posdb")
	if err := os.WriteFile(path, first.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer loaded.Close()

	var second bytes.Buffer
	if _, err := loaded.WriteTo(&second); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatal("re-saved index differs")
	}
}

func TestNonSeekableSinkGetsOKMagic(t *testing.T) {
	table, _, _ := buildPersistTable(t)
	var buf bytes.Buffer
	if err := table.Save(&buf); err != nil {
		t.Fatal(err)
	}
	if got := string(buf.Bytes()[:magicSize]); got != magicOK {
		t.Fatalf("magic %q, want %q", got, magicOK)
	}
}

func TestSaveAtOffset(t *testing.T) {
	table, m, _ := buildPersistTable(t)
	path := filepath.Join(t.TempDir(), "bundle")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("prefix"); err != nil {
		t.Fatal(err)
	}
	if err := table.Save(f); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("suffix"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data[:6]) != "prefix" || string(data[len(data)-6:]) != "suffix" {
		t.Fatal("surrounding bytes clobbered")
	}
	loaded, err := LoadBytes(data[6 : len(data)-6])
	if err != nil {
		t.Fatal(err)
	}
	checkAgainstModel(t, loaded, m, nil)
}

// failingFile fails every write once budget bytes have been written.
type failingFile struct {
	f      *os.File
	budget int
}

var errInjected = errors.New("injected write failure")

func (ff *failingFile) Write(p []byte) (int, error) {
	if len(p) <= ff.budget {
		ff.budget -= len(p)
		return ff.f.Write(p)
	}
	n, _ := ff.f.Write(p[:ff.budget])
	ff.budget = 0
	return n, errInjected
}

func (ff *failingFile) Seek(offset int64, whence int) (int64, error) {
	return ff.f.Seek(offset, whence)
}

func TestCrashSafety(t *testing.T) {
	table, _, _ := buildPersistTable(t)

	t.Run("WriteFailsMidway", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "index.posdb")
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		err = table.Save(&failingFile{f: f, budget: 1000})
		f.Close()
		if !errors.Is(err, errInjected) {
			t.Fatalf("expected injected error, got %v", err)
		}

		_, err = LoadFile(path)
		if !errors.Is(err, streamerrors.ErrLoadFailed) || !errors.Is(err, streamerrors.ErrIncompleteWrite) {
			t.Fatalf("expected ErrLoadFailed and ErrIncompleteWrite, got %v", err)
		}
		if !Recoverable(err) {
			t.Error("incomplete file not recoverable")
		}
	})

	t.Run("TruncatedAfterMarker", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "index.posdb")
		if err := os.WriteFile(path, []byte(magicIncomplete), 0o644); err != nil {
			t.Fatal(err)
		}
		for _, opts := range [][]LoadOption{nil, {MetadataOnly()}} {
			_, err := LoadFile(path, opts...)
			if !errors.Is(err, streamerrors.ErrIncompleteWrite) {
				t.Fatalf("expected ErrIncompleteWrite, got %v", err)
			}
		}
	})

	t.Run("CompleteFileWithIncompleteMarker", func(t *testing.T) {
		var buf bytes.Buffer
		if err := table.Save(&buf); err != nil {
			t.Fatal(err)
		}
		data := buf.Bytes()
		copy(data, magicIncomplete)
		if _, err := LoadBytes(data); !errors.Is(err, streamerrors.ErrIncompleteWrite) {
			t.Fatalf("expected ErrIncompleteWrite, got %v", err)
		}
	})
}

func saveBytes(t *testing.T, table *Table, opts ...SaveOption) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := table.Save(&buf, opts...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadRejectsDamage(t *testing.T) {
	table, _, _ := buildPersistTable(t)

	tests := []struct {
		name    string
		damage  func([]byte) []byte
		wantAll []error
	}{
		{
			name:    "InvalidMagic",
			damage:  func(d []byte) []byte { d[0] ^= 0xFF; return d },
			wantAll: []error{streamerrors.ErrLoadFailed, streamerrors.ErrInvalidMagic},
		},
		{
			name:    "Empty",
			damage:  func(d []byte) []byte { return d[:0] },
			wantAll: []error{streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile},
		},
		{
			name:    "HeaderCut",
			damage:  func(d []byte) []byte { return d[:magicSize+40] },
			wantAll: []error{streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile},
		},
		{
			name:    "SectionCut",
			damage:  func(d []byte) []byte { return d[:len(d)/2] },
			wantAll: []error{streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile},
		},
		{
			name:    "FooterCut",
			damage:  func(d []byte) []byte { return d[:len(d)-3] },
			wantAll: []error{streamerrors.ErrLoadFailed, streamerrors.ErrTruncatedFile},
		},
		{
			name:    "HashWidth",
			damage:  func(d []byte) []byte { d[magicSize+8]++; return d },
			wantAll: []error{streamerrors.ErrCorruptHeader},
		},
		{
			name:    "CheckWidth",
			damage:  func(d []byte) []byte { d[magicSize+12]++; return d },
			wantAll: []error{streamerrors.ErrCorruptHeader},
		},
		{
			name:    "CountWidthWithoutCounts",
			damage:  func(d []byte) []byte { d[magicSize+96] = 5; return d },
			wantAll: []error{streamerrors.ErrCorruptHeader},
		},
		{
			name:    "TableBits",
			damage:  func(d []byte) []byte { d[magicSize+4] = 60; return d },
			wantAll: []error{streamerrors.ErrCorruptHeader},
		},
		{
			name:    "DistinctCounter",
			damage:  func(d []byte) []byte { d[magicSize+48]++; return d },
			wantAll: []error{streamerrors.ErrCorruptHeader},
		},
		{
			name:    "UnknownCompression",
			damage:  func(d []byte) []byte { d[magicSize+28] = 9; return d },
			wantAll: []error{streamerrors.ErrLoadFailed, streamerrors.ErrUnknownCompression},
		},
		{
			name:    "SectionWordCount",
			damage:  func(d []byte) []byte { d[magicSize+headerSize]++; return d },
			wantAll: []error{streamerrors.ErrLoadFailed},
		},
		{
			name:    "SectionBits",
			damage:  func(d []byte) []byte { d[len(d)-footerSize-1] ^= 0x40; return d },
			wantAll: []error{streamerrors.ErrLoadFailed, streamerrors.ErrChecksumFailed},
		},
		{
			name:    "FooterHash",
			damage:  func(d []byte) []byte { d[len(d)-footerSize] ^= 1; return d },
			wantAll: []error{streamerrors.ErrLoadFailed, streamerrors.ErrChecksumFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := func(t *testing.T, err error) {
				t.Helper()
				if err == nil {
					t.Fatal("damaged index loaded")
				}
				for _, want := range tt.wantAll {
					if !errors.Is(err, want) {
						t.Errorf("error %v is not %v", err, want)
					}
				}
				if !Recoverable(err) {
					t.Errorf("error %v not recoverable", err)
				}
			}

			t.Run("Bytes", func(t *testing.T) {
				_, err := LoadBytes(tt.damage(saveBytes(t, table)))
				check(t, err)
			})
			t.Run("Stream", func(t *testing.T) {
				_, err := Load(bytes.NewReader(tt.damage(saveBytes(t, table))))
				check(t, err)
			})
			t.Run("File", func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "damaged.posdb")
				if err := os.WriteFile(path, tt.damage(saveBytes(t, table)), 0o644); err != nil {
					t.Fatal(err)
				}
				_, err := LoadFile(path)
				check(t, err)
			})
		})
	}
}

func TestCompressedDamageIsLoadFailed(t *testing.T) {
	table, _, _ := buildPersistTable(t)
	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			data := saveBytes(t, table, WithCompression(c))
			for _, cut := range []int{magicSize + headerSize + 3, len(data) / 2} {
				_, err := LoadBytes(slices.Clone(data[:cut]))
				if !errors.Is(err, streamerrors.ErrLoadFailed) {
					t.Errorf("cut at %d: expected ErrLoadFailed, got %v", cut, err)
				}
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.posdb"))
	if !errors.Is(err, streamerrors.ErrLoadFailed) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrLoadFailed wrapping ErrNotExist, got %v", err)
	}
}

func TestMetadataOnly(t *testing.T) {
	table, _, _ := buildPersistTable(t)
	path := filepath.Join(t.TempDir(), "index.posdb")
	if err := table.SaveFile(path, WithCompression(CompressionZstd)); err != nil {
		t.Fatal(err)
	}

	meta, err := LoadFile(path, MetadataOnly())
	if err != nil {
		t.Fatal(err)
	}
	if meta.Ready() {
		t.Error("metadata-only table reports Ready")
	}
	if _, err := meta.Count(1); !errors.Is(err, streamerrors.ErrNotReady) {
		t.Errorf("Count: expected ErrNotReady, got %v", err)
	}

	got, err := ReadStats(path)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := table.Stats()
	want.SizeBytes = 0
	want.Compression = CompressionZstd
	if got != want {
		t.Errorf("ReadStats = %+v\nwant %+v", got, want)
	}
}

// TestMetadataOnlyIgnoresSections checks that a header-only read does not
// look past the header.
func TestMetadataOnlyIgnoresSections(t *testing.T) {
	table, _, _ := buildPersistTable(t)
	data := saveBytes(t, table)
	data = data[:magicSize+headerSize]

	if _, err := LoadBytes(data, MetadataOnly()); err != nil {
		t.Fatalf("metadata-only load of header: %v", err)
	}
	if _, err := Load(bytes.NewReader(data), MetadataOnly()); err != nil {
		t.Fatalf("metadata-only stream load of header: %v", err)
	}
	if _, err := LoadBytes(data); !errors.Is(err, streamerrors.ErrLoadFailed) {
		t.Fatalf("full load of header only: expected ErrLoadFailed, got %v", err)
	}
}

func TestSaveRequiresReadyTable(t *testing.T) {
	var table Table
	if err := table.Save(io.Discard); !errors.Is(err, streamerrors.ErrNotReady) {
		t.Errorf("Save: expected ErrNotReady, got %v", err)
	}
	if err := table.SaveFile(filepath.Join(t.TempDir(), "x")); !errors.Is(err, streamerrors.ErrNotReady) {
		t.Errorf("SaveFile: expected ErrNotReady, got %v", err)
	}

	ready, _, _ := buildPersistTable(t)
	if err := ready.Save(io.Discard, WithCompression(Compression(7))); !errors.Is(err, streamerrors.ErrUnknownCompression) {
		t.Errorf("expected ErrUnknownCompression, got %v", err)
	}
}

func TestCloseMappedTable(t *testing.T) {
	table, _, _ := buildPersistTable(t)
	path := filepath.Join(t.TempDir(), "index.posdb")
	if err := table.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := loaded.Count(1); !errors.Is(err, streamerrors.ErrNotReady) {
		t.Errorf("Count after Close: expected ErrNotReady, got %v", err)
	}
	if err := loaded.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSaveLoadRecordsMetrics(t *testing.T) {
	table, _, _ := buildPersistTable(t)
	m := &BasicMetricsCollector{}
	table.metrics = m

	path := filepath.Join(t.TempDir(), "index.posdb")
	if err := table.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	fi, _ := os.Stat(path)
	if m.SaveCount.Load() != 1 || m.SaveBytes.Load() != fi.Size() {
		t.Errorf("saves=%d bytes=%d, file is %d bytes", m.SaveCount.Load(), m.SaveBytes.Load(), fi.Size())
	}

	if _, err := LoadFile(path, WithLoadMetrics(m)); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path+".missing", WithLoadMetrics(m)); err == nil {
		t.Fatal("loaded a missing file")
	}
	if m.LoadCount.Load() != 2 || m.LoadErrors.Load() != 1 {
		t.Errorf("loads=%d errors=%d", m.LoadCount.Load(), m.LoadErrors.Load())
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		got, err := ParseCompression(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCompression(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseCompression("brotli"); !errors.Is(err, streamerrors.ErrUnknownCompression) {
		t.Errorf("expected ErrUnknownCompression, got %v", err)
	}
}
