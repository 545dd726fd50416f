package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFilesRemovesEmptySinks(t *testing.T) {
	dir := t.TempDir()

	f, err := NewRunFiles(dir, log.NewNopLogger())
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	require.NoError(t, f.WriteBadRecord([]byte("raw-bytes\x1d")))
	require.NoError(t, f.Close())

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "bad_records_")

	kept := f.KeptFiles()
	require.Len(t, kept, 1)
	assert.Equal(t, filepath.Join(dir, entries[0].Name()), kept[0])
}

func TestRunFilesWritesJSONLines(t *testing.T) {
	dir := t.TempDir()

	f, err := NewRunFiles(dir, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, f.WriteFailedUnit(map[string]interface{}{"username": "jdoe"}))
	require.NoError(t, f.WriteFailedLine([]byte(`{"broken":`)))
	require.NoError(t, f.Close())

	kept := f.KeptFiles()
	require.Len(t, kept, 1)

	raw, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, "{\"username\":\"jdoe\"}\n{\"broken\":\n", string(raw))
}

func TestRunFilesArchivesWholeBatch(t *testing.T) {
	dir := t.TempDir()

	f, err := NewRunFiles(dir, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, f.WriteFailedBatch([][]byte{[]byte("one\x1d"), []byte("two\x1d")}))
	require.NoError(t, f.Close())

	kept := f.KeptFiles()
	require.Len(t, kept, 1)
	assert.Contains(t, kept[0], "failed_batches_")

	raw, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, "one\x1dtwo\x1d", string(raw))
}
