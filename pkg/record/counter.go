package record

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

const countChunkSize = 100 * 1024 * 1024

// CountRecords scans each stream for the record terminator and returns the
// total count across all of them. Non-whitespace bytes after the last
// terminator count as one more record, matching the bad unit a Stream
// yields for a corrupt tail. Every stream is seeked back to its start, so
// the caller can read it again afterwards.
func CountRecords(streams ...io.ReadSeeker) (int, error) {
	total := 0
	buf := make([]byte, countChunkSize)

	for _, s := range streams {
		tail := false
		for {
			n, err := s.Read(buf)
			chunk := buf[:n]
			total += bytes.Count(chunk, []byte{Terminator})

			if i := bytes.LastIndexByte(chunk, Terminator); i >= 0 {
				tail = len(bytes.TrimSpace(chunk[i+1:])) > 0
			} else if len(bytes.TrimSpace(chunk)) > 0 {
				tail = true
			}

			if err == io.EOF {
				break
			}
			if err != nil {
				return 0, errors.Wrap(err, "count records")
			}
		}
		if tail {
			total++
		}
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return 0, errors.Wrap(err, "rewind stream after counting")
		}
	}

	return total, nil
}
