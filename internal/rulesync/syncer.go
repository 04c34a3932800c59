package rulesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Syncer merges one local file with its deployed counterpart.
type Syncer struct {
	Source    Source
	Merger    Merger
	LocalPath string
	// StateDir holds the content as of the last sync, used as merge base.
	StateDir string
	Logger   zerolog.Logger
}

type Options struct {
	// Deploy publishes the merged content when it differs from the remote.
	Deploy bool
}

// Result describes what a sync did.
type Result struct {
	LocalUpdated bool
	Deployed     bool
	// MergedPath is set when conflicts were written for manual resolution.
	MergedPath string
}

// StatePath is where the merge base for the syncer's source is kept.
func (s *Syncer) StatePath() string {
	return filepath.Join(s.StateDir, s.Source.Name()+".base")
}

// MergedPath is where conflicted output is written.
func (s *Syncer) MergedPath() string {
	return s.LocalPath + ".merged"
}

// Sync fetches the remote, merges it with the local file against the last
// synced base and writes the result back. When the merge has conflicts the
// output goes to MergedPath, nothing else is touched and ErrConflicts is
// returned.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*Result, error) {
	log := s.Logger.With().Str("source", s.Source.Name()).Str("file", s.LocalPath).Logger()

	local, err := readOptional(s.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("read local file: %w", err)
	}
	base, err := readOptional(s.StatePath())
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	remote, err := s.Source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.Source.Name(), err)
	}

	if n, ok := s.Source.(Normalizer); ok {
		if local, err = normalizeNonEmpty(n, local); err != nil {
			return nil, fmt.Errorf("normalize local file: %w", err)
		}
		if base, err = normalizeNonEmpty(n, base); err != nil {
			return nil, fmt.Errorf("normalize sync state: %w", err)
		}
	}

	var merged []byte
	switch {
	case bytes.Equal(local, remote):
		merged = local
	case len(local) == 0 && len(base) == 0:
		merged = remote
	default:
		if merged, err = s.Merger.Merge(ctx, local, base, remote); err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
	}

	res := &Result{}
	if HasConflictMarkers(merged) {
		if err := os.WriteFile(s.MergedPath(), merged, 0o644); err != nil {
			return nil, fmt.Errorf("write merged file: %w", err)
		}
		res.MergedPath = s.MergedPath()
		log.Warn().Str("merged", res.MergedPath).Msg("merge left conflicts; resolve them and sync again")
		return res, ErrConflicts
	}

	if !bytes.Equal(merged, local) {
		if err := os.WriteFile(s.LocalPath, merged, 0o644); err != nil {
			return nil, fmt.Errorf("write local file: %w", err)
		}
		res.LocalUpdated = true
		log.Info().Msg("local file updated from remote")
	}
	// A stale .merged file from an earlier conflicted run no longer applies.
	if err := os.Remove(s.MergedPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to remove stale merged file")
	}

	newBase := remote
	if opts.Deploy && !bytes.Equal(merged, remote) {
		if err := s.Source.Deploy(ctx, merged); err != nil {
			return res, fmt.Errorf("deploy %s: %w", s.Source.Name(), err)
		}
		res.Deployed = true
		newBase = merged
		log.Info().Msg("deployed merged content")
	}

	if err := os.MkdirAll(s.StateDir, 0o755); err != nil {
		return res, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(s.StatePath(), newBase, 0o644); err != nil {
		return res, fmt.Errorf("write sync state: %w", err)
	}
	return res, nil
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func normalizeNonEmpty(n Normalizer, b []byte) ([]byte, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return b, nil
	}
	return n.Normalize(b)
}
