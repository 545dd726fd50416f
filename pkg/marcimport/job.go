package marcimport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/ndrozd/liber/pkg/gateway"
	"github.com/ndrozd/liber/pkg/record"
	"github.com/ndrozd/liber/pkg/report"
	"github.com/pkg/errors"
)

const (
	pollTimeoutStart = 1 * time.Second
	pollTimeoutMax   = 2 * time.Minute
)

var pollBackoffConfig = backoff.Config{
	MinBackoff: 250 * time.Millisecond,
	MaxBackoff: 1 * time.Minute,
}

// job owns one remote job execution for its lifetime: binds the profile,
// streams batches, polls until terminal and reconciles the summary.
type job struct {
	imp     *Importer
	id      string
	profile profileInfo
	state   State

	lastProcessed int
	finished      bool
	errRecords    int
}

func newJob(ctx context.Context, imp *Importer, profile profileInfo) (*job, error) {
	doc, err := imp.gw.Post(ctx, jobExecutionsPath, map[string]interface{}{
		"sourceType": "ONLINE",
		"userId":     imp.gw.UserID(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create job execution")
	}

	id, _ := doc["parentJobExecutionId"].(string)
	if id == "" {
		return nil, errors.New("job execution created without an id")
	}

	level.Info(imp.log).Log("msg", "created job: "+id)

	return &job{
		imp:     imp,
		id:      id,
		profile: profile,
		state:   StateCreated,
	}, nil
}

func (j *job) to(next State) error {
	s, err := j.state.next(next)
	if err != nil {
		return err
	}
	level.Debug(j.imp.log).Log("msg", "job state transition", "job", j.id, "state", s.String())
	j.state = s
	return nil
}

func (j *job) run(ctx context.Context, src record.Source, total int) error {
	if err := j.bindProfile(ctx); err != nil {
		return err
	}
	if err := j.to(StateProfileBound); err != nil {
		return err
	}

	if err := j.to(StateStreaming); err != nil {
		return err
	}
	batcher := record.NewBatcher(src, j.imp.cfg.BatchSize, j.onBadUnit)
	for {
		batch, err := batcher.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read batch")
		}
		if err := j.submitBatch(ctx, batch, total, batcher.BadCount()); err != nil {
			return err
		}
		if err := j.pollStatus(ctx); err != nil {
			return err
		}
		time.Sleep(interPollWait)
	}

	if err := j.to(StatePolling); err != nil {
		return err
	}
	for !j.finished {
		if err := j.pollStatus(ctx); err != nil {
			return err
		}
	}
	if err := j.to(StateFinished); err != nil {
		return err
	}

	time.Sleep(summarySettleWait)
	summary, err := j.fetchSummary(ctx)
	if err != nil {
		return err
	}
	j.reportSummary(summary)

	return nil
}

func (j *job) bindProfile(ctx context.Context) error {
	err := j.imp.gw.Put(ctx, jobExecutionsPath+"/"+j.id+"/jobProfile", map[string]interface{}{
		"id":       j.profile.ID,
		"name":     j.profile.Name,
		"dataType": "MARC",
	})
	return errors.Wrap(err, "bind job profile")
}

func (j *job) onBadUnit(u *record.Unit) {
	level.Warn(j.imp.log).Log(
		"msg", "RECORD FAILED",
		"record", fmt.Sprintf("%s:%d", u.File, u.Ordinal),
		"err", "error reading record, writing chunk to bad records file",
	)
	if err := j.imp.files.WriteBadRecord(u.Raw); err != nil {
		level.Error(j.imp.log).Log("msg", "archive bad record", "err", err.Error())
	}
}

func (j *job) submitBatch(ctx context.Context, batch *record.Batch, total, badCount int) error {
	payload := j.batchPayload(batch, total, badCount)

	_, err := j.imp.gw.Post(ctx, jobExecutionsPath+"/"+j.id+"/records", payload)
	switch {
	case err == nil:
		j.countSent(batch)
	case gateway.IsRecoverable(err, j.imp.cfg.RecoverableStatuses):
		// The records reached the server; their outcome is unknown but the
		// server will not accept them again. Counting them as sent keeps
		// the totals from diverging.
		level.Warn(j.imp.log).Log("msg", "batch accepted with unknown outcome", "err", err.Error())
		j.countSent(batch)
	default:
		level.Error(j.imp.log).Log("msg", "error posting batch", "err", err.Error())
		raws := make([][]byte, 0, len(batch.Units))
		for _, u := range batch.Units {
			raws = append(raws, u.Raw)
		}
		if aerr := j.imp.files.WriteFailedBatch(raws); aerr != nil {
			return aerr
		}
		j.errRecords += len(batch.Units)
		j.imp.progress.ShrinkTotal(len(batch.Units))
	}

	time.Sleep(j.imp.cfg.BatchDelay)
	return nil
}

func (j *job) countSent(batch *record.Batch) {
	j.imp.totalSent.Add(int64(len(batch.Units)))
	j.imp.progress.AddSent(len(batch.Units))
	j.imp.progress.Report("sent batch")
}

func (j *job) batchPayload(batch *record.Batch, total, badCount int) map[string]interface{} {
	initial := make([]map[string]interface{}, 0, len(batch.Units))
	for _, u := range batch.Units {
		rec := j.imp.pre(u.Rec)
		initial = append(initial, map[string]interface{}{"record": string(rec.Bytes())})
	}

	return map[string]interface{}{
		"id": uuid.NewString(),
		"recordsMetadata": map[string]interface{}{
			"last":        batch.Final,
			"counter":     batch.Counter - j.errRecords,
			"contentType": "MARC_RAW",
			"total":       total - badCount - j.errRecords,
		},
		"initialRecords": initial,
	}
}

// pollStatus looks the job up in the active listing and folds its progress
// delta into the processed gauge. A job absent there is looked up in the
// terminal listing; finding it there ends polling.
func (j *job) pollStatus(ctx context.Context) error {
	doc, err := j.pollGet(ctx, activeJobsPath, activeJobsQuery(), false)
	if err != nil {
		return errors.Wrap(err, "fetch job status")
	}

	if current, found := findJobProgress(doc, j.id); found {
		j.advanceProcessed(current)
		return nil
	}

	doc, err = j.pollGet(ctx, activeJobsPath, terminalJobsQuery(), false)
	if err != nil {
		return errors.Wrap(err, "fetch terminal job status")
	}
	if current, found := findJobProgress(doc, j.id); found {
		j.advanceProcessed(current)
		j.finished = true
	}

	return nil
}

func (j *job) advanceProcessed(current int) {
	j.imp.progress.AddProcessed(current - j.lastProcessed)
	j.lastProcessed = current
}

// pollGet drives its own retry loop: transient failures escalate both the
// wait (doubling backoff) and the per-attempt client timeout. letFail
// turns a 502/504 into an empty document instead of another retry.
func (j *job) pollGet(ctx context.Context, path string, query url.Values, letFail bool) (map[string]interface{}, error) {
	boff := backoff.New(ctx, pollBackoffConfig)
	timeout := pollTimeoutStart

	for boff.Ongoing() {
		doc, err := j.imp.gw.GetWithTimeout(ctx, path, query, timeout)
		if err == nil {
			return doc, nil
		}
		if !gateway.IsTransient(err) {
			return nil, err
		}
		if letFail {
			var serr *gateway.StatusError
			if errors.As(err, &serr) {
				level.Warn(j.imp.log).Log("msg", "SERVER ERROR, skipping final summary check", "err", err.Error())
				return map[string]interface{}{}, nil
			}
		}
		level.Warn(j.imp.log).Log("msg", "SERVER ERROR, retrying", "err", err.Error())

		timeout *= 2
		if timeout > pollTimeoutMax {
			timeout = pollTimeoutMax
		}
		boff.Wait()
	}

	return nil, boff.Err()
}

func (j *job) fetchSummary(ctx context.Context) (*report.Summary, error) {
	doc, err := j.pollGet(ctx, jobSummaryPath+"/"+j.id, nil, j.imp.cfg.LetSummaryFail)
	if err != nil {
		return nil, errors.Wrap(err, "fetch job summary")
	}
	return report.ParseSummary(doc), nil
}

func (j *job) reportSummary(summary *report.Summary) {
	if summary == nil {
		level.Error(j.imp.log).Log("msg", "no job summary available for job "+j.id)
		return
	}
	level.Info(j.imp.log).Log("msg", "job results\n"+summary.Render())
	if summary.TotalErrors > 0 {
		level.Info(j.imp.log).Log(
			"msg", "total errors: "+strconv.Itoa(summary.TotalErrors)+", job id: "+j.id,
		)
	}
}

func findJobProgress(doc map[string]interface{}, id string) (int, bool) {
	executions, _ := doc["jobExecutions"].([]interface{})
	for _, item := range executions {
		exec, ok := item.(map[string]interface{})
		if !ok || exec["id"] != id {
			continue
		}
		progress, _ := exec["progress"].(map[string]interface{})
		current, _ := progress["current"].(float64)
		return int(current), true
	}
	return 0, false
}
