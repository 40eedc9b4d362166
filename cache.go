package kmerindex

import (
	"context"
	"errors"
	"fmt"
	"os"

	streamerrors "github.com/tamirms/kmerindex/errors"
)

// Recoverable reports whether err means a stored index is unusable and
// should be rebuilt, as opposed to a failure the caller must see.
func Recoverable(err error) bool {
	return errors.Is(err, streamerrors.ErrLoadFailed) || errors.Is(err, streamerrors.ErrCorruptHeader)
}

// matches reports whether a stored index was built with this builder's
// configuration.
func (b *Builder) matches(st Stats) bool {
	return b.reusable &&
		st.ConfigDigest == b.digest &&
		uint(st.MerSize) == b.hasher.MerSize() &&
		uint(st.TableSizeInBits) == b.hasher.TableBits() &&
		st.HasPositions == b.cfg.positions
}

// LoadOrBuild returns the index cached at path if its header says it was
// built with this configuration, and otherwise builds one from s and saves
// it to path. loaded reports which happened.
//
// A builder whose mask, only set or count source is not a Digester always
// rebuilds.
//
// A cached file that is missing, incomplete, corrupt or built differently
// is rebuilt, never returned. The new file is written beside path and
// renamed over it, so a concurrent reader sees the old file or the new one.
func (b *Builder) LoadOrBuild(ctx context.Context, path string, s Stream, opts ...SaveOption) (t *Table, loaded bool, err error) {
	logger := b.cfg.logger
	lopts := []LoadOption{WithLoadLogger(logger), WithLoadMetrics(b.cfg.metrics)}

	st, err := LoadFile(path, append(lopts, MetadataOnly())...)
	switch {
	case err == nil && b.matches(st.stats()):
		t, err := LoadFile(path, lopts...)
		if err == nil {
			return t, true, nil
		}
		if !Recoverable(err) {
			return nil, false, err
		}
		logger.WarnContext(ctx, "cached index unusable, rebuilding", "path", path, "error", err)
	case err == nil && !b.reusable:
		logger.InfoContext(ctx, "filter set or count source has no digest, rebuilding", "path", path)
	case err == nil:
		logger.InfoContext(ctx, "cached index has a different configuration, rebuilding",
			"path", path,
			"cached_digest", fmt.Sprintf("%016x", st.hdr.ConfigDigest),
			"digest", b.CacheKey(),
		)
	case Recoverable(err):
		logger.DebugContext(ctx, "no usable cached index", "path", path, "error", err)
	default:
		return nil, false, err
	}

	if t, err = b.Build(ctx, s); err != nil {
		return nil, false, err
	}
	tmp := path + ".tmp"
	if err := t.SaveFile(tmp, opts...); err != nil {
		return nil, false, errors.Join(fmt.Errorf("save cached index: %w", err), removeIfExists(tmp))
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, false, errors.Join(fmt.Errorf("install cached index: %w", err), removeIfExists(tmp))
	}
	return t, false, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
