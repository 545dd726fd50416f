package preprocess

import (
	"testing"

	"github.com/ndrozd/liber/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *record.Record {
	return &record.Record{
		Leader: []byte("00000nam a2200000   4500"),
		Fields: []record.Field{
			{Tag: "001", Data: []byte("123456789")},
			{Tag: "245", Data: []byte("10\x1faTitle")},
			{Tag: "999", Data: []byte("ff\x1fiinstance-id")},
			{Tag: "999", Data: []byte("10\x1falocal note")},
		},
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"identity", "prepend-ppn-prefix-001", "prepend-abes-prefix-001", "strip-999-ff"} {
		fn, err := Lookup(name)
		require.NoError(t, err, name)
		require.NotNil(t, fn, name)
	}

	_, err := Lookup("does-not-exist")
	assert.Error(t, err)
}

func TestRegisterOverrides(t *testing.T) {
	Register("test-noop", func(r *record.Record) *record.Record { return r })

	fn, err := Lookup("test-noop")
	require.NoError(t, err)

	rec := testRecord()
	assert.Same(t, rec, fn(rec))
}

func TestPrependPrefix001(t *testing.T) {
	fn, err := Lookup("prepend-ppn-prefix-001")
	require.NoError(t, err)

	rec := fn(testRecord())
	fields := rec.GetFields("001")
	require.Len(t, fields, 1)
	assert.Equal(t, []byte("(PPN)123456789"), fields[0].Data)

	// Other fields stay untouched.
	assert.Equal(t, []byte("10\x1faTitle"), rec.GetFields("245")[0].Data)
}

func TestStrip999ff(t *testing.T) {
	fn, err := Lookup("strip-999-ff")
	require.NoError(t, err)

	rec := fn(testRecord())
	fields := rec.GetFields("999")
	require.Len(t, fields, 1)
	assert.Equal(t, []byte("10\x1falocal note"), fields[0].Data)
}

func TestChain(t *testing.T) {
	ppn, err := Lookup("prepend-ppn-prefix-001")
	require.NoError(t, err)
	strip, err := Lookup("strip-999-ff")
	require.NoError(t, err)

	rec := Chain(ppn, strip)(testRecord())
	assert.Equal(t, []byte("(PPN)123456789"), rec.GetFields("001")[0].Data)
	assert.Len(t, rec.GetFields("999"), 1)
}
