package entry

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// maxSeqInSegment returns the highest sequence number in a segment. It is
// used only for checkpoint truncation, so a torn tail just ends the scan.
func maxSeqInSegment(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var max uint64
	for {
		rec, _, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errChecksum) {
				return max, nil
			}
			return max, err
		}
		if rec.Seq > max {
			max = rec.Seq
		}
	}
}

// scanCommitted returns the byte offset just past the last commit marker and
// the sequence number that marker covers.
func scanCommitted(path string) (offset int64, lastCommit uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var pos int64
	for {
		rec, n, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errChecksum) {
				return offset, lastCommit, nil
			}
			return offset, lastCommit, err
		}
		pos += n
		if rec.Type == RecordCommit {
			offset, lastCommit = pos, rec.Seq
		}
	}
}

// repairTail cuts a segment back to its last commit marker.
func repairTail(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return err
	}
	return f.Sync()
}
