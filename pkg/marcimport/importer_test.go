package marcimport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/ndrozd/liber/pkg/gateway"
	"github.com/ndrozd/liber/pkg/record"
	"github.com/ndrozd/liber/pkg/report"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJobID = "job-exec-1"

// fakeImportPlatform fakes the data-import side of the platform: profile
// listing, job execution lifecycle, record batch intake and status /
// summary reporting.
type fakeImportPlatform struct {
	t *testing.T

	mtx      sync.Mutex
	bound    map[string]interface{}
	payloads []map[string]interface{}
	received int
	complete bool

	// batchStatus forces a status code for the nth batch POST (1-based).
	batchStatus map[int]int

	jobCreates int

	// summaryFails makes that many summary fetches return 502 before the
	// document is served; -1 keeps failing forever.
	summaryFails int
	summaryCalls int
}

func newFakeImportPlatform(t *testing.T) *fakeImportPlatform {
	return &fakeImportPlatform{t: t, batchStatus: map[int]int{}}
}

func (f *fakeImportPlatform) batchMeta(i int) map[string]interface{} {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.payloads[i]["recordsMetadata"].(map[string]interface{})
}

func (f *fakeImportPlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	switch {
	case r.URL.Path == "/data-import-profiles/jobProfiles":
		fmt.Fprint(w, `{"jobProfiles":[{"id":"prof-1","name":"Default instances"},{"id":"prof-2","name":"Updates"}]}`)

	case r.URL.Path == "/change-manager/jobExecutions" && r.Method == http.MethodPost:
		f.jobCreates++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"parentJobExecutionId":%q}`, testJobID)

	case r.URL.Path == "/change-manager/jobExecutions/"+testJobID+"/jobProfile" && r.Method == http.MethodPut:
		doc := map[string]interface{}{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&doc))
		f.bound = doc
		w.WriteHeader(http.StatusNoContent)

	case r.URL.Path == "/change-manager/jobExecutions/"+testJobID+"/records" && r.Method == http.MethodPost:
		doc := map[string]interface{}{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&doc))
		f.payloads = append(f.payloads, doc)

		if status, ok := f.batchStatus[len(f.payloads)]; ok {
			w.WriteHeader(status)
			if status >= 400 && status < 500 && status != 422 {
				// Client errors never reach the record store.
				return
			}
		} else {
			w.WriteHeader(http.StatusNoContent)
		}

		records, _ := doc["initialRecords"].([]interface{})
		f.received += len(records)
		meta := doc["recordsMetadata"].(map[string]interface{})
		if last, _ := meta["last"].(bool); last {
			f.complete = true
		}

	case r.URL.Path == "/metadata-provider/jobExecutions":
		active := r.URL.Query().Get("uiStatusAny") != ""
		listing := map[string]interface{}{"jobExecutions": []interface{}{}}
		if active != f.complete {
			listing["jobExecutions"] = []interface{}{
				map[string]interface{}{
					"id":       testJobID,
					"progress": map[string]interface{}{"current": float64(f.received)},
				},
			}
		}
		require.NoError(f.t, json.NewEncoder(w).Encode(listing))

	case r.URL.Path == "/metadata-provider/jobSummary/"+testJobID:
		f.summaryCalls++
		if f.summaryFails != 0 {
			if f.summaryFails > 0 {
				f.summaryFails--
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"jobExecutionId":%q,"totalErrors":0,"sourceRecordSummary":{"totalCreatedEntities":%d,"totalErrors":0}}`,
			testJobID, f.received)

	default:
		http.NotFound(w, r)
	}
}

func writeRecordFile(t *testing.T, dir, name string, goodRecords int, extra []byte) string {
	t.Helper()

	var out []byte
	for i := 0; i < goodRecords; i++ {
		rec := &record.Record{
			Leader: []byte("00000nam a2200000   4500"),
			Fields: []record.Field{{Tag: "001", Data: []byte(fmt.Sprintf("rec%05d", i))}},
		}
		out = append(out, rec.Bytes()...)
	}
	out = append(out, extra...)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, out, 0o644))
	return path
}

func newTestImporter(t *testing.T, f *fakeImportPlatform, cfg Config) (*Importer, *report.RunFiles, string) {
	t.Helper()

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	gw := gateway.New(gateway.Config{
		BaseURL: srv.URL,
		UserID:  "operator-1",
		Timeout: 5 * time.Second,
	}, log.NewNopLogger())

	reportDir := t.TempDir()
	files, err := report.NewRunFiles(reportDir, log.NewNopLogger())
	require.NoError(t, err)

	imp, err := New(cfg, gw, files, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	return imp, files, reportDir
}

func TestRunSubmitsAllBatches(t *testing.T) {
	f := newFakeImportPlatform(t)
	imp, files, _ := newTestImporter(t, f, Config{ProfileName: "Default instances", BatchSize: 10})

	path := writeRecordFile(t, t.TempDir(), "input.mrc", 25, nil)
	require.NoError(t, imp.Run(context.Background(), []string{path}))
	require.NoError(t, files.Close())

	assert.Equal(t, 25, imp.TotalSent())

	// The profile was bound before any records flowed.
	require.NotNil(t, f.bound)
	assert.Equal(t, "prof-1", f.bound["id"])
	assert.Equal(t, "MARC", f.bound["dataType"])

	require.Len(t, f.payloads, 3)
	wantCounters := []int{10, 20, 25}
	for i := range f.payloads {
		meta := f.batchMeta(i)
		assert.Equal(t, float64(wantCounters[i]), meta["counter"], "batch %d", i)
		assert.Equal(t, float64(25), meta["total"], "batch %d", i)
		assert.Equal(t, "MARC_RAW", meta["contentType"])
		assert.Equal(t, i == len(f.payloads)-1, meta["last"], "batch %d", i)
	}

	// Every payload record is a decodable binary record again.
	records := f.payloads[0]["initialRecords"].([]interface{})
	require.Len(t, records, 10)
	raw := records[0].(map[string]interface{})["record"].(string)
	_, err := record.NewDecoder().Decode([]byte(raw))
	assert.NoError(t, err)

	// Nothing failed, so no failure artifacts survive.
	assert.Empty(t, files.KeptFiles())
}

func TestRunMovesCompletedFiles(t *testing.T) {
	f := newFakeImportPlatform(t)
	imp, _, _ := newTestImporter(t, f, Config{ProfileName: "Default instances", BatchSize: 10, MoveCompleted: true})

	dir := t.TempDir()
	path := writeRecordFile(t, dir, "input.mrc", 3, nil)
	require.NoError(t, imp.Run(context.Background(), []string{path}))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "import_complete", "input.mrc"))
	assert.NoError(t, err)
}

func TestRunArchivesUndecodableRecords(t *testing.T) {
	f := newFakeImportPlatform(t)
	imp, files, _ := newTestImporter(t, f, Config{ProfileName: "Default instances", BatchSize: 10})

	bad := append([]byte("not a record but terminated....."), record.Terminator)
	path := writeRecordFile(t, t.TempDir(), "input.mrc", 12, bad)
	require.NoError(t, imp.Run(context.Background(), []string{path}))
	require.NoError(t, files.Close())

	// 13 chunks counted up front, 1 set aside, 12 submitted.
	assert.Equal(t, 12, imp.TotalSent())
	last := f.batchMeta(len(f.payloads) - 1)
	assert.Equal(t, float64(12), last["total"])
	assert.Equal(t, true, last["last"])

	kept := files.KeptFiles()
	require.Len(t, kept, 1)
	assert.Contains(t, kept[0], "bad_records_")
	raw, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, bad, raw)
}

func TestRunCountsRecoverableBatchAsSent(t *testing.T) {
	f := newFakeImportPlatform(t)
	f.batchStatus[2] = http.StatusInternalServerError

	imp, files, _ := newTestImporter(t, f, Config{ProfileName: "Default instances", BatchSize: 10})

	path := writeRecordFile(t, t.TempDir(), "input.mrc", 25, nil)
	require.NoError(t, imp.Run(context.Background(), []string{path}))
	require.NoError(t, files.Close())

	assert.Equal(t, 25, imp.TotalSent())
	assert.Empty(t, files.KeptFiles())
}

func TestRunArchivesTerminallyFailedBatch(t *testing.T) {
	f := newFakeImportPlatform(t)
	f.batchStatus[1] = http.StatusBadRequest

	imp, files, _ := newTestImporter(t, f, Config{ProfileName: "Default instances", BatchSize: 10})

	path := writeRecordFile(t, t.TempDir(), "input.mrc", 25, nil)
	require.NoError(t, imp.Run(context.Background(), []string{path}))
	require.NoError(t, files.Close())

	// The first batch of 10 went to the archive, the remaining 15 were
	// submitted with shrunken counters and total.
	assert.Equal(t, 15, imp.TotalSent())

	require.Len(t, f.payloads, 3)
	second := f.batchMeta(1)
	assert.Equal(t, float64(10), second["counter"])
	assert.Equal(t, float64(15), second["total"])
	third := f.batchMeta(2)
	assert.Equal(t, float64(15), third["counter"])
	assert.Equal(t, true, third["last"])

	kept := files.KeptFiles()
	require.Len(t, kept, 1)
	assert.Contains(t, kept[0], "failed_batches_")

	raw, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	n, err := record.CountRecords(strings.NewReader(string(raw)))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestRunConsolidatesFiles(t *testing.T) {
	f := newFakeImportPlatform(t)
	imp, files, _ := newTestImporter(t, f, Config{ProfileName: "Default instances", BatchSize: 10, Consolidate: true})

	dir := t.TempDir()
	first := writeRecordFile(t, dir, "first.mrc", 8, nil)
	second := writeRecordFile(t, dir, "second.mrc", 7, nil)
	require.NoError(t, imp.Run(context.Background(), []string{first, second}))
	require.NoError(t, files.Close())

	// Both files flow through a single job execution.
	assert.Equal(t, 1, f.jobCreates)
	assert.Equal(t, 15, imp.TotalSent())

	require.Len(t, f.payloads, 2)
	firstMeta := f.batchMeta(0)
	assert.Equal(t, float64(10), firstMeta["counter"])
	assert.Equal(t, float64(15), firstMeta["total"])
	assert.Equal(t, false, firstMeta["last"])
	lastMeta := f.batchMeta(1)
	assert.Equal(t, float64(15), lastMeta["counter"])
	assert.Equal(t, true, lastMeta["last"])
}

func TestRunRetriesSummaryFetch(t *testing.T) {
	f := newFakeImportPlatform(t)
	f.summaryFails = 1

	imp, files, _ := newTestImporter(t, f, Config{ProfileName: "Default instances", BatchSize: 10})

	path := writeRecordFile(t, t.TempDir(), "input.mrc", 3, nil)
	require.NoError(t, imp.Run(context.Background(), []string{path}))
	require.NoError(t, files.Close())

	// The first summary fetch got a 502 and was retried.
	assert.Equal(t, 2, f.summaryCalls)
	assert.Equal(t, 3, imp.TotalSent())
}

func TestRunLetSummaryFail(t *testing.T) {
	f := newFakeImportPlatform(t)
	f.summaryFails = -1

	imp, files, _ := newTestImporter(t, f, Config{ProfileName: "Default instances", BatchSize: 10, LetSummaryFail: true})

	path := writeRecordFile(t, t.TempDir(), "input.mrc", 3, nil)
	require.NoError(t, imp.Run(context.Background(), []string{path}))
	require.NoError(t, files.Close())

	// The 502 ends the summary fetch instead of retrying; the run still
	// finishes clean, just without a summary table.
	assert.Equal(t, 1, f.summaryCalls)
	assert.Equal(t, 3, imp.TotalSent())
	assert.Empty(t, files.KeptFiles())
}

func TestRunProfileNotFound(t *testing.T) {
	f := newFakeImportPlatform(t)
	imp, _, _ := newTestImporter(t, f, Config{ProfileName: "No such profile", BatchSize: 10})

	path := writeRecordFile(t, t.TempDir(), "input.mrc", 3, nil)
	err := imp.Run(context.Background(), []string{path})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProfileNotFound))

	// No job execution was ever created.
	assert.Empty(t, f.payloads)
}

func TestRunUnknownPreprocessor(t *testing.T) {
	_, err := New(Config{Preprocessors: []string{"no-such-step"}}, nil, nil, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	assert.Error(t, err)
}
