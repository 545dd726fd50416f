package io

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// TryGetSize reports the number of bytes readable from r without
// consuming it. Seekable readers are measured and rewound.
func TryGetSize(r io.Reader) (int64, error) {
	switch f := r.(type) {
	case *bytes.Reader:
		return int64(f.Len()), nil
	case *strings.Reader:
		return int64(f.Len()), nil
	case *os.File:
		filestat, err := f.Stat()
		if err != nil {
			return 0, err
		}
		return filestat.Size(), nil
	case io.Seeker:
		cur, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		if _, err := f.Seek(cur, io.SeekStart); err != nil {
			return 0, err
		}
		return end - cur, nil
	}

	return 0, errors.Errorf("unsupported type of io.Reader: %T", r)
}
