package record

import (
	"bufio"
	"bytes"
	"io"
)

// Stream yields one Unit per logical record in its source. It is finite and
// not restartable: once Next has returned io.EOF the stream is drained.
type Stream struct {
	r    *bufio.Reader
	name string
	dec  Decoder
	ord  int
}

func NewStream(r io.Reader, name string, dec Decoder) *Stream {
	return &Stream{
		r:    bufio.NewReaderSize(r, 64*1024),
		name: name,
		dec:  dec,
	}
}

func (s *Stream) Name() string {
	return s.name
}

// Next returns the next unit or io.EOF. A record that fails to decode is
// returned as a unit with a nil decoded form, never as an error.
func (s *Stream) Next() (*Unit, error) {
	chunk, err := s.r.ReadBytes(Terminator)
	if err == io.EOF {
		if len(bytes.TrimSpace(chunk)) == 0 {
			return nil, io.EOF
		}
		// Trailing bytes without a terminator form one last bad record.
	} else if err != nil {
		return nil, err
	}

	s.ord++
	unit := &Unit{
		Raw:     chunk,
		File:    s.name,
		Ordinal: s.ord,
	}

	if rec, derr := s.dec.Decode(chunk); derr == nil {
		unit.Rec = rec
	}

	return unit, nil
}
