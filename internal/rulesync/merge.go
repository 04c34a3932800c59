package rulesync

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrConflicts is returned by Sync when the merge left conflict markers.
var ErrConflicts = errors.New("merge produced conflicts")

// Merger performs a three-way text merge.
type Merger interface {
	Merge(ctx context.Context, local, base, remote []byte) ([]byte, error)
}

// GitMerger shells out to `git merge-file -p`. Conflicts are reported through
// the markers in the returned content, not as an error.
type GitMerger struct {
	// Path of the git binary. Defaults to "git" looked up on PATH.
	Path string
}

func (g GitMerger) Merge(ctx context.Context, local, base, remote []byte) ([]byte, error) {
	bin := g.Path
	if bin == "" {
		bin = "git"
	}

	dir, err := os.MkdirTemp("", "rulesync-merge-")
	if err != nil {
		return nil, fmt.Errorf("create merge dir: %w", err)
	}
	defer os.RemoveAll(dir)

	paths := make([]string, 3)
	for i, f := range []struct {
		name    string
		content []byte
	}{{"local", local}, {"base", base}, {"remote", remote}} {
		paths[i] = filepath.Join(dir, f.name)
		if err := os.WriteFile(paths[i], f.content, 0o600); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "merge-file", "-p",
		"-L", "local", "-L", "base", "-L", "remote",
		paths[0], paths[1], paths[2])
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0 && exitErr.ExitCode() < 128:
		// Exit status is the number of conflicts.
	default:
		return nil, fmt.Errorf("%s merge-file: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// HasConflictMarkers reports whether content contains a merge conflict block.
func HasConflictMarkers(content []byte) bool {
	var open, sep bool
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "<<<<<<<"):
			open = true
		case open && strings.HasPrefix(line, "=======") && strings.TrimRight(line, "=") == "":
			sep = true
		case open && sep && strings.HasPrefix(line, ">>>>>>>"):
			return true
		}
	}
	return false
}
