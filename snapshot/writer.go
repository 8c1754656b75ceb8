package snapshot

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	filePrefix = "snapshot-"
	fileSuffix = ".bin"
)

type Writer struct {
	Dir string
	// Retain is how many checkpoints to keep; older ones are removed.
	// Zero keeps two.
	Retain int
}

// Write stores s atomically: it is encoded to a temp file, synced, then
// renamed into place.
func (w *Writer) Write(s *State) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(w.Dir, fmt.Sprintf("%s%020d%s", filePrefix, s.Seq, fileSuffix))
	tmp, err := os.CreateTemp(w.Dir, "snapshot-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(s); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	if d, err := os.Open(w.Dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return path, w.prune()
}

func (w *Writer) prune() error {
	keep := w.Retain
	if keep <= 0 {
		keep = 2
	}
	paths, err := list(w.Dir)
	if err != nil {
		return err
	}
	for i := 0; i < len(paths)-keep; i++ {
		if err := os.Remove(paths[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load returns the newest checkpoint in dir, or nil when there is none.
func Load(dir string) (*State, error) {
	paths, err := list(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	f, err := os.Open(paths[len(paths)-1])
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var s State
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", f.Name(), err)
	}
	return &s, nil
}

// list returns checkpoint files oldest first.
func list(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type item struct {
		path string
		seq  uint64
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		items = append(items, item{filepath.Join(dir, name), seq})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}
