package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// RunFiles owns the per-run failure sinks: raw bad records, whole failed
// batches and JSON-lines failed units. Files that stay empty are removed
// when the run closes.
type RunFiles struct {
	log log.Logger

	badRecords    *os.File
	failedBatches *os.File
	failedUnits   *os.File

	kept []string
}

func NewRunFiles(dir string, logger log.Logger) (*RunFiles, error) {
	stamp := time.Now().UTC().Format("20060102150405")

	f := &RunFiles{log: logger}
	var err error

	if f.badRecords, err = os.Create(filepath.Join(dir, fmt.Sprintf("bad_records_%s.mrc", stamp))); err != nil {
		return nil, errors.Wrap(err, "create bad records file")
	}
	if f.failedBatches, err = os.Create(filepath.Join(dir, fmt.Sprintf("failed_batches_%s.mrc", stamp))); err != nil {
		return nil, errors.Wrap(err, "create failed batches file")
	}
	if f.failedUnits, err = os.Create(filepath.Join(dir, fmt.Sprintf("failed_units_%s.jsonl", stamp))); err != nil {
		return nil, errors.Wrap(err, "create failed units file")
	}

	level.Info(logger).Log("msg", "writing bad records to "+f.badRecords.Name())
	level.Info(logger).Log("msg", "writing failed batches to "+f.failedBatches.Name())

	return f, nil
}

// WriteBadRecord archives the raw bytes of a record that failed to decode.
func (f *RunFiles) WriteBadRecord(raw []byte) error {
	_, err := f.badRecords.Write(raw)
	return errors.Wrap(err, "write bad record")
}

// WriteFailedBatch archives every raw record of a batch whose submission
// terminally failed, so it can be re-queued out-of-band.
func (f *RunFiles) WriteFailedBatch(raws [][]byte) error {
	for _, raw := range raws {
		if _, err := f.failedBatches.Write(raw); err != nil {
			return errors.Wrap(err, "write failed batch")
		}
	}
	return nil
}

// WriteFailedUnit appends one JSON object per line for replay.
func (f *RunFiles) WriteFailedUnit(doc map[string]interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshal failed unit")
	}
	if _, err := f.failedUnits.Write(append(raw, '\n')); err != nil {
		return errors.Wrap(err, "write failed unit")
	}
	return nil
}

// WriteFailedLine appends a raw input line that could not even be parsed
// into a document.
func (f *RunFiles) WriteFailedLine(line []byte) error {
	if _, err := f.failedUnits.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		return errors.Wrap(err, "write failed line")
	}
	return nil
}

// Close closes all sinks and removes the ones nothing was written to.
func (f *RunFiles) Close() error {
	for _, file := range []*os.File{f.badRecords, f.failedBatches, f.failedUnits} {
		stat, err := file.Stat()
		if cerr := file.Close(); cerr != nil {
			return errors.Wrap(cerr, "close run file")
		}
		if err != nil {
			return errors.Wrap(err, "stat run file")
		}
		if stat.Size() == 0 {
			if err := os.Remove(file.Name()); err != nil {
				return errors.Wrap(err, "remove empty run file")
			}
			level.Info(f.log).Log("msg", "removed empty run file "+filepath.Base(file.Name()))
			continue
		}
		f.kept = append(f.kept, file.Name())
	}
	return nil
}

// KeptFiles returns the paths of the non-empty sinks. Valid after Close.
func (f *RunFiles) KeptFiles() []string {
	return f.kept
}
