package entry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

type ReplayHandler func(*Record) error

// Replay reads the log in order and hands committed records with Seq > from
// to fn. Records after the last commit marker are discarded. It returns the
// last committed sequence seen.
func (w *WAL) Replay(from uint64, fn ReplayHandler) (uint64, error) {
	return Replay(w.cfg.Dir, from, fn)
}

func Replay(dir string, from uint64, fn ReplayHandler) (lastSeq uint64, err error) {
	paths, err := segmentPaths(dir)
	if err != nil {
		return 0, err
	}

	var prev uint64
	for i, path := range paths {
		last := i == len(paths)-1
		committed, err := replaySegment(path, last, from, &prev, fn)
		if committed > lastSeq {
			lastSeq = committed
		}
		if err != nil {
			return lastSeq, err
		}
	}
	return lastSeq, nil
}

func replaySegment(path string, last bool, from uint64, prev *uint64, fn ReplayHandler) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		batch     []*Record
		committed uint64
	)
	for {
		rec, _, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return committed, nil
			}
			if last && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errChecksum)) {
				// torn tail: whatever the batch held was never acknowledged
				return committed, nil
			}
			return committed, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}

		if rec.Type == RecordCommit {
			if len(batch) > 0 && rec.Seq != batch[len(batch)-1].Seq {
				return committed, fmt.Errorf("%w: %s: commit %d does not close batch ending at %d",
					ErrCorrupt, path, rec.Seq, batch[len(batch)-1].Seq)
			}
			for _, b := range batch {
				if b.Seq <= from {
					continue
				}
				if err := fn(b); err != nil {
					return committed, err
				}
			}
			batch = batch[:0]
			committed = rec.Seq
			continue
		}

		if rec.Seq <= *prev {
			return committed, fmt.Errorf("%w: %s: non-monotonic seq %d after %d", ErrCorrupt, path, rec.Seq, *prev)
		}
		*prev = rec.Seq
		batch = append(batch, rec)
	}
}
