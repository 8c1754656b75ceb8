// Package entry is the engine's write-ahead log.
//
// The engine appends records from its own goroutine; a writer goroutine owns
// the segment file, writes frames in order and makes them durable by writing
// a commit marker and syncing. Only committed records survive a crash.
package entry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Mode uint8

const (
	// ModeBatch syncs every SyncEvery commands or SyncInterval, whichever
	// comes first. A crash may lose at most that window.
	ModeBatch Mode = iota
	// ModeAlways syncs after every command; the engine waits for it.
	ModeAlways
)

func (m Mode) String() string {
	if m == ModeAlways {
		return "always"
	}
	return "batch"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "batch":
		return ModeBatch, nil
	case "always":
		return ModeAlways, nil
	}
	return ModeBatch, fmt.Errorf("wal: unknown sync mode %q", s)
}

type Config struct {
	Dir          string
	SegmentSize  int64
	Mode         Mode
	SyncEvery    int
	SyncInterval time.Duration
	QueueSize    int
	Logger       zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 64 << 20
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = 64
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

var (
	// ErrUnavailable is returned once a write or sync has failed. The log
	// stays unavailable until it is reopened.
	ErrUnavailable = errors.New("wal: unavailable")
	ErrClosed      = errors.New("wal: closed")
	ErrCorrupt     = errors.New("wal: corrupt segment")
)

type request struct {
	buf   []byte
	last  uint64
	force bool
}

type WAL struct {
	cfg Config
	log zerolog.Logger

	lastSeq  atomic.Uint64
	durable  atomic.Uint64
	segIndex atomic.Int64

	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	notify  chan struct{}
	failure error

	in   chan request
	done chan struct{}

	// writer goroutine only
	seg     *segment
	written uint64
	pending int
}

// Open repairs the tail of the newest segment, then starts a fresh segment
// after it. Replay may be called before the first Append.
func Open(cfg Config) (*WAL, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	paths, err := segmentPaths(cfg.Dir)
	if err != nil {
		return nil, err
	}

	var last uint64
	next := 0
	if n := len(paths); n > 0 {
		tail := paths[n-1]
		offset, commit, err := scanCommitted(tail)
		if err != nil {
			return nil, err
		}
		if st, err := os.Stat(tail); err == nil && st.Size() > offset {
			cfg.Logger.Warn().
				Str("segment", tail).
				Int64("size", st.Size()).
				Int64("committed", offset).
				Msg("discarding uncommitted wal tail")
			if err := repairTail(tail, offset); err != nil {
				return nil, err
			}
		}
		last = commit
		for i := n - 2; i >= 0 && last == 0; i-- {
			if _, last, err = scanCommitted(paths[i]); err != nil {
				return nil, err
			}
		}
		idx, err := segmentIndex(tail)
		if err != nil {
			return nil, err
		}
		next = idx + 1
	}

	seg, err := openSegment(cfg.Dir, next)
	if err != nil {
		return nil, err
	}
	if err := syncDir(cfg.Dir); err != nil {
		return nil, err
	}

	w := &WAL{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "wal").Logger(),
		notify:  make(chan struct{}),
		in:      make(chan request, cfg.QueueSize),
		done:    make(chan struct{}),
		seg:     seg,
		written: last,
	}
	w.lastSeq.Store(last)
	w.durable.Store(last)
	w.segIndex.Store(int64(next))

	go w.run()
	return w, nil
}

func (w *WAL) Mode() Mode { return w.cfg.Mode }

func (w *WAL) Dir() string { return w.cfg.Dir }

// LastSeq is the sequence of the last appended record.
func (w *WAL) LastSeq() uint64 { return w.lastSeq.Load() }

// DurableSeq is the sequence of the last record covered by a synced commit.
func (w *WAL) DurableSeq() uint64 { return w.durable.Load() }

// EnsureSeq moves the sequence forward to at least seq. Used after loading a
// checkpoint whose segments have already been truncated.
func (w *WAL) EnsureSeq(seq uint64) {
	if w.lastSeq.Load() < seq {
		w.lastSeq.Store(seq)
		if w.durable.Load() < seq {
			w.durable.Store(seq)
		}
	}
}

// Err reports the sticky failure, if any.
func (w *WAL) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failure != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, w.failure)
	}
	return nil
}

// Append assigns consecutive sequence numbers to recs and queues them as one
// unit: a commit marker never splits them. It must be called from a single
// goroutine. The returned sequence is that of the last record.
func (w *WAL) Append(recs ...*Record) (uint64, error) {
	if err := w.Err(); err != nil {
		return 0, err
	}
	seq := w.lastSeq.Load()
	if len(recs) == 0 {
		return seq, nil
	}

	var buf []byte
	for _, r := range recs {
		seq++
		r.Seq = seq
		buf = appendFrame(buf, r)
	}

	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return 0, ErrClosed
	}
	w.in <- request{buf: buf, last: seq}
	w.lastSeq.Store(seq)
	return seq, nil
}

// WaitDurable blocks until seq is covered by a synced commit marker.
func (w *WAL) WaitDurable(ctx context.Context, seq uint64) error {
	for {
		w.mu.Lock()
		ch, failure := w.notify, w.failure
		w.mu.Unlock()

		if w.durable.Load() >= seq {
			return nil
		}
		if failure != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, failure)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			if w.durable.Load() >= seq {
				return nil
			}
			return ErrClosed
		}
	}
}

// Sync forces a commit of everything appended so far and waits for it.
func (w *WAL) Sync(ctx context.Context) error {
	seq := w.lastSeq.Load()
	w.sendMu.RLock()
	if w.closed {
		w.sendMu.RUnlock()
		return ErrClosed
	}
	w.in <- request{force: true}
	w.sendMu.RUnlock()
	return w.WaitDurable(ctx, seq)
}

// TruncateBefore deletes closed segments whose records are all <= seq.
func (w *WAL) TruncateBefore(seq uint64) error {
	paths, err := segmentPaths(w.cfg.Dir)
	if err != nil {
		return err
	}
	current := int(w.segIndex.Load())
	removed := 0
	for _, path := range paths {
		idx, err := segmentIndex(path)
		if err != nil || idx >= current {
			continue
		}
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			return err
		}
		if maxSeq > seq {
			break
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		w.log.Debug().Int("segments", removed).Uint64("upto", seq).Msg("wal truncated")
	}
	return nil
}

// Close flushes and commits what was appended, then stops the writer.
func (w *WAL) Close() error {
	w.sendMu.Lock()
	if w.closed {
		w.sendMu.Unlock()
		return nil
	}
	w.closed = true
	close(w.in)
	w.sendMu.Unlock()

	<-w.done
	return w.Err()
}

func (w *WAL) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case req, ok := <-w.in:
			if !ok {
				w.commit()
				if err := w.seg.close(); err != nil && !w.failed() {
					w.fail(err)
				}
				return
			}
			w.write(req)
			switch {
			case req.force, w.pending >= w.cfg.SyncEvery:
				w.commit()
			case w.cfg.Mode == ModeAlways && len(w.in) == 0:
				// group everything already queued into one sync
				w.commit()
			}

		case <-ticker.C:
			w.commit()
		}
	}
}

func (w *WAL) write(req request) {
	if len(req.buf) == 0 || w.failed() {
		return
	}
	if err := w.seg.append(req.buf); err != nil {
		w.fail(err)
		return
	}
	w.written = req.last
	w.pending++
}

func (w *WAL) commit() {
	if w.pending == 0 || w.failed() {
		return
	}
	marker := appendFrame(nil, &Record{Type: RecordCommit, Seq: w.written, Time: time.Now().UnixNano()})
	if err := w.seg.append(marker); err != nil {
		w.fail(err)
		return
	}
	if err := w.seg.sync(); err != nil {
		w.fail(err)
		return
	}
	w.pending = 0
	w.durable.Store(w.written)
	w.wake()

	if w.seg.offset >= w.cfg.SegmentSize {
		if err := w.rotate(); err != nil {
			w.fail(err)
		}
	}
}

func (w *WAL) rotate() error {
	if err := w.seg.close(); err != nil {
		return err
	}
	seg, err := openSegment(w.cfg.Dir, w.seg.index+1)
	if err != nil {
		return err
	}
	w.seg = seg
	w.segIndex.Store(int64(seg.index))
	return syncDir(w.cfg.Dir)
}

func (w *WAL) failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failure != nil
}

func (w *WAL) fail(err error) {
	w.mu.Lock()
	if w.failure == nil {
		w.failure = err
		w.log.Error().Err(err).Uint64("durable", w.durable.Load()).Msg("wal write failed; log is now unavailable")
	}
	close(w.notify)
	w.notify = make(chan struct{})
	w.mu.Unlock()
}

func (w *WAL) wake() {
	w.mu.Lock()
	close(w.notify)
	w.notify = make(chan struct{})
	w.mu.Unlock()
}
