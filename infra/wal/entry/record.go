package entry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

type RecordType uint8

const (
	RecordOrderAccepted RecordType = iota + 1
	RecordOrderCancelled
	RecordTradeExecuted
	RecordBalanceAdjusted

	// RecordCommit closes a durable batch. Its Seq is the last record the
	// batch covers; it carries no payload.
	RecordCommit
)

func (t RecordType) String() string {
	switch t {
	case RecordOrderAccepted:
		return "order_accepted"
	case RecordOrderCancelled:
		return "order_cancelled"
	case RecordTradeExecuted:
		return "trade_executed"
	case RecordBalanceAdjusted:
		return "balance_adjusted"
	case RecordCommit:
		return "commit"
	default:
		return fmt.Sprintf("record(%d)", uint8(t))
	}
}

type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

// NewRecord stamps the wall clock. Seq is assigned by Append.
func NewRecord(t RecordType, data []byte) *Record {
	return &Record{
		Type: t,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}

// Frame:
// [type:1][seq:8][time:8][len:4][payload][crc:4]
const (
	headerSize = 1 + 8 + 8 + 4
	crcSize    = 4

	maxPayload = 16 << 20
)

var errChecksum = errors.New("crc mismatch")

func appendFrame(buf []byte, r *Record) []byte {
	start := len(buf)
	var hdr [headerSize]byte
	hdr[0] = byte(r.Type)
	binary.BigEndian.PutUint64(hdr[1:9], r.Seq)
	binary.BigEndian.PutUint64(hdr[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(hdr[17:21], uint32(len(r.Data)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, r.Data...)
	return binary.BigEndian.AppendUint32(buf, CRC32(buf[start:]))
}

// readFrame returns the record and its encoded size. A clean end of input is
// io.EOF; a partial frame is io.ErrUnexpectedEOF.
func readFrame(r io.Reader) (*Record, int64, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	l := binary.BigEndian.Uint32(hdr[17:21])
	if l > maxPayload {
		return nil, 0, fmt.Errorf("payload length %d: %w", l, errChecksum)
	}

	body := make([]byte, l+crcSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	payload := body[:l]
	sum := binary.BigEndian.Uint32(body[l:])
	if !CRC32Valid(append(hdr[:], payload...), sum) {
		return nil, 0, errChecksum
	}

	rec := &Record{
		Type: RecordType(hdr[0]),
		Seq:  binary.BigEndian.Uint64(hdr[1:9]),
		Time: int64(binary.BigEndian.Uint64(hdr[9:17])),
	}
	if l > 0 {
		rec.Data = payload
	}
	return rec, int64(headerSize + len(body)), nil
}
