package io

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryGetSize(t *testing.T) {
	tests := []struct {
		name   string
		reader io.Reader
		len    int64
		isErr  bool
	}{
		{"bytes reader", bytes.NewReader([]byte("12345")), 5, false},
		{"strings reader", strings.NewReader("1234567"), 7, false},
		{"nil reader", nil, 0, true},
		{"unseekable", &bytes.Buffer{}, 0, true},
	}

	for _, v := range tests {
		t.Run(v.name, func(t *testing.T) {
			res, err := TryGetSize(v.reader)
			assert.Equal(t, v.len, res)
			assert.Equal(t, v.isErr, err != nil)
		})
	}
}

type seekerOnly struct {
	io.ReadSeeker
}

func TestTryGetSizeRewindsSeeker(t *testing.T) {
	r := bytes.NewReader([]byte("abcdef"))
	_, err := r.Seek(2, io.SeekStart)
	require.NoError(t, err)

	res, err := TryGetSize(seekerOnly{r})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res)

	pos, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
}
