// Package exit is the outbox between the engine and the external storage
// writer. Trades and terminal orders are archived here, then published and
// acknowledged by the broadcaster.
package exit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// -------------------- State --------------------

type ExitState uint8

const (
	StateNew ExitState = iota
	StateSent
	StateAcked
	StateFailed
)

func (s ExitState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Event --------------------

type Kind uint8

const (
	KindTrade Kind = iota + 1
	KindOrder
)

func (k Kind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindOrder:
		return "order"
	default:
		return "unknown"
	}
}

var eventNamespace = uuid.MustParse("6f1d3c2a-9b8e-4f57-a0c4-2d5e7b1a9c30")

// EventID is stable for a given entity so consumers can deduplicate.
func EventID(kind Kind, ref uint64) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%d", kind, ref)))
}

// Event is one hand-off to external storage. Seq is the entry-WAL sequence
// of the command that produced it; Ref is the trade or order id.
type Event struct {
	ID      uuid.UUID
	Seq     uint64
	Kind    Kind
	Ref     uint64
	Payload []byte
}

func NewEvent(seq uint64, kind Kind, ref uint64, payload []byte) Event {
	return Event{ID: EventID(kind, ref), Seq: seq, Kind: kind, Ref: ref, Payload: payload}
}

// -------------------- Record --------------------

type ExitRecord struct {
	Event
	State       ExitState
	Retries     uint32
	LastAttempt int64
}

// binary encoding: [state:1][retries:4][lastAttempt:8][kind:1][id:16][payload]
const recordHeader = 1 + 4 + 8 + 1 + 16

func encodeRecord(r ExitRecord) []byte {
	buf := make([]byte, recordHeader, recordHeader+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	buf[13] = byte(r.Kind)
	copy(buf[14:30], r.ID[:])
	return append(buf, r.Payload...)
}

func decodeRecord(key, b []byte) (ExitRecord, error) {
	if len(b) < recordHeader {
		return ExitRecord{}, errors.New("invalid exit record length")
	}
	seq, ref, err := parseKey(key)
	if err != nil {
		return ExitRecord{}, err
	}
	r := ExitRecord{
		State:       ExitState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
	}
	r.Kind = Kind(b[13])
	copy(r.ID[:], b[14:30])
	r.Seq, r.Ref = seq, ref
	r.Payload = append([]byte(nil), b[recordHeader:]...)
	return r, nil
}

// -------------------- WAL --------------------

type ExitWAL struct {
	db *pebble.DB
}

func Open(dir string) (*ExitWAL, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &ExitWAL{db: db}, nil
}

func (w *ExitWAL) Close() error {
	return w.db.Close()
}

// -------------------- API --------------------

// Append stores events that are not already present. Events below the
// prune floor were acknowledged, covered by a checkpoint and deleted, so
// they are skipped rather than resurrected. Everything else is deduplicated
// by key, which lets a replay of the entry WAL re-offer events that never
// made it here.
func (w *ExitWAL) Append(events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	floor, err := w.PruneFloor()
	if err != nil {
		return 0, err
	}

	b := w.db.NewBatch()
	defer b.Close()

	inserted := 0
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if ev.Seq < floor {
			continue
		}
		key := keyFor(ev.Seq, ev.Kind, ev.Ref)
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}

		exists, err := w.has(key)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		if err := b.Set(key, encodeRecord(ExitRecord{Event: ev, State: StateNew}), nil); err != nil {
			return 0, err
		}
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}
	return inserted, b.Commit(pebble.Sync)
}

// PruneFloor is the sequence below which acknowledged rows have been
// pruned.
func (w *ExitWAL) PruneFloor() (uint64, error) {
	val, closer, err := w.db.Get(floorKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.New("invalid prune floor")
	}
	return binary.BigEndian.Uint64(val), nil
}

// UpdateState records a send attempt, ack or failure.
func (w *ExitWAL) UpdateState(key []byte, state ExitState, retries uint32) error {
	rec, err := w.get(key)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	return w.db.Set(key, encodeRecord(rec), pebble.Sync)
}

// Get returns the current record for an event.
func (w *ExitWAL) Get(seq uint64, kind Kind, ref uint64) (ExitRecord, error) {
	return w.get(keyFor(seq, kind, ref))
}

// PruneAcked deletes acknowledged rows older than upTo and raises the prune
// floor to upTo. Callers pass a sequence the entry WAL will never replay
// below again.
func (w *ExitWAL) PruneAcked(upTo uint64) (int, error) {
	floor, err := w.PruneFloor()
	if err != nil {
		return 0, err
	}

	b := w.db.NewBatch()
	defer b.Close()

	n := 0
	err = w.ScanByState(StateAcked, 0, func(key []byte, rec ExitRecord) error {
		if rec.Seq >= upTo {
			return errStop
		}
		n++
		return b.Delete(key, nil)
	})
	if err != nil {
		return 0, err
	}
	if upTo > floor {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], upTo)
		if err := b.Set(floorKey, v[:], nil); err != nil {
			return 0, err
		}
	}
	if b.Empty() {
		return 0, nil
	}
	return n, b.Commit(pebble.Sync)
}

// -------------------- Scan --------------------

var errStop = errors.New("stop scan")

// ScanByState iterates records in the given state in sequence order, up to
// limit records (0 means no limit). The key passed to fn is a copy and may be
// handed to UpdateState.
func (w *ExitWAL) ScanByState(state ExitState, limit int, fn func(key []byte, rec ExitRecord) error) error {
	iter, err := w.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(eventPrefix),
		UpperBound: []byte(eventPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	seen := 0
	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		if len(val) == 0 || ExitState(val[0]) != state {
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		rec, err := decodeRecord(key, val)
		if err != nil {
			return err
		}
		if err := fn(key, rec); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
		seen++
		if limit > 0 && seen >= limit {
			break
		}
	}
	return iter.Error()
}

// Count returns how many records are in state.
func (w *ExitWAL) Count(state ExitState) (int, error) {
	n := 0
	err := w.ScanByState(state, 0, func([]byte, ExitRecord) error {
		n++
		return nil
	})
	return n, err
}

// -------------------- Helpers --------------------

const eventPrefix = "event/"

var floorKey = []byte("meta/prune_floor")

// keyFor orders rows by entry-WAL sequence so publication follows command
// order.
func keyFor(seq uint64, kind Kind, ref uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%d/%020d", eventPrefix, seq, kind, ref))
}

func parseKey(b []byte) (seq, ref uint64, err error) {
	var kind int
	_, err = fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(eventPrefix))), "%d/%d/%d", &seq, &kind, &ref)
	return seq, ref, err
}

func (w *ExitWAL) has(key []byte) (bool, error) {
	_, closer, err := w.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (w *ExitWAL) get(key []byte) (ExitRecord, error) {
	val, closer, err := w.db.Get(key)
	if err != nil {
		return ExitRecord{}, err
	}
	defer closer.Close()
	return decodeRecord(key, val)
}
