package record

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	// Terminator closes every binary record on the wire and in files.
	Terminator byte = 0x1d

	fieldTerminator byte = 0x1e
	leaderLen            = 24
	dirEntryLen          = 12
)

// Field is one tagged field of a record. Control field data and variable
// field data (indicators plus subfields) are both kept raw.
type Field struct {
	Tag  string
	Data []byte
}

// Record is the structured form of one binary bibliographic record.
type Record struct {
	Leader []byte
	Fields []Field
}

// Unit pairs the raw bytes of one logical record with its decoded form.
// Rec is nil when decoding failed; the raw chunk is preserved so failed
// records can be archived and replayed.
type Unit struct {
	Raw     []byte
	Rec     *Record
	File    string
	Ordinal int
}

func (u *Unit) OK() bool {
	return u.Rec != nil
}

// Decoder turns one raw record chunk into its structured form. The shipped
// implementation understands the standard binary layout; any external
// decoding library satisfying this interface can replace it.
type Decoder interface {
	Decode(raw []byte) (*Record, error)
}

type marcDecoder struct{}

func NewDecoder() Decoder {
	return marcDecoder{}
}

func (marcDecoder) Decode(raw []byte) (*Record, error) {
	if len(raw) < leaderLen {
		return nil, errors.Errorf("record shorter than leader: %d bytes", len(raw))
	}

	declared, err := strconv.Atoi(string(bytes.TrimLeft(raw[:5], " 0")))
	if err != nil {
		return nil, errors.Wrap(err, "parse record length from leader")
	}
	if declared != len(raw) {
		return nil, errors.Errorf("leader declares %d bytes, got %d", declared, len(raw))
	}
	if raw[len(raw)-1] != Terminator {
		return nil, errors.New("record does not end with terminator")
	}

	rec := &Record{Leader: append([]byte(nil), raw[:leaderLen]...)}

	dirEnd := bytes.IndexByte(raw[leaderLen:], fieldTerminator)
	if dirEnd < 0 || dirEnd%dirEntryLen != 0 {
		return nil, errors.New("malformed record directory")
	}
	dir := raw[leaderLen : leaderLen+dirEnd]

	body := raw[leaderLen+dirEnd+1 : len(raw)-1]
	chunks := bytes.Split(body, []byte{fieldTerminator})
	if len(chunks) > 0 && len(chunks[len(chunks)-1]) == 0 {
		chunks = chunks[:len(chunks)-1]
	}
	if len(chunks) != len(dir)/dirEntryLen {
		return nil, errors.Errorf("directory lists %d fields, body has %d", len(dir)/dirEntryLen, len(chunks))
	}

	for i := 0; i < len(dir); i += dirEntryLen {
		rec.Fields = append(rec.Fields, Field{
			Tag:  string(dir[i : i+3]),
			Data: append([]byte(nil), chunks[i/dirEntryLen]...),
		})
	}

	return rec, nil
}

// Bytes re-serializes the record, recomputing the directory, the base
// address and the declared length in the leader.
func (r *Record) Bytes() []byte {
	var dir, body bytes.Buffer
	pos := 0
	for _, f := range r.Fields {
		flen := len(f.Data) + 1
		dir.WriteString(f.Tag)
		dir.WriteString(pad(flen, 4))
		dir.WriteString(pad(pos, 5))
		body.Write(f.Data)
		body.WriteByte(fieldTerminator)
		pos += flen
	}

	base := leaderLen + dir.Len() + 1
	total := base + body.Len() + 1

	leader := append([]byte(nil), r.Leader...)
	for len(leader) < leaderLen {
		leader = append(leader, ' ')
	}
	copy(leader[:5], pad(total, 5))
	copy(leader[12:17], pad(base, 5))

	out := make([]byte, 0, total)
	out = append(out, leader...)
	out = append(out, dir.Bytes()...)
	out = append(out, fieldTerminator)
	out = append(out, body.Bytes()...)
	out = append(out, Terminator)
	return out
}

// GetFields returns every field carrying tag, in record order.
func (r *Record) GetFields(tag string) []Field {
	return lo.Filter(r.Fields, func(f Field, _ int) bool {
		return f.Tag == tag
	})
}

func pad(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
