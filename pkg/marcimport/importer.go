package marcimport

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ndrozd/liber/pkg/gateway"
	"github.com/ndrozd/liber/pkg/preprocess"
	"github.com/ndrozd/liber/pkg/record"
	"github.com/ndrozd/liber/pkg/report"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

const (
	jobExecutionsPath = "/change-manager/jobExecutions"
	jobProfilesPath   = "/data-import-profiles/jobProfiles"
	activeJobsPath    = "/metadata-provider/jobExecutions"
	jobSummaryPath    = "/metadata-provider/jobSummary"

	completeDirName = "import_complete"

	// Pause between a batch submission and the status poll that follows it.
	interPollWait = 250 * time.Millisecond
	// The platform needs a moment after a job turns terminal before its
	// summary is consistent.
	summarySettleWait = 1 * time.Second
)

// ErrProfileNotFound aborts the whole run before any job is created.
var ErrProfileNotFound = errors.New("import profile not found")

type Config struct {
	ProfileName    string        `yaml:"profile_name"`
	BatchSize      int           `yaml:"batch_size"`
	BatchDelay     time.Duration `yaml:"batch_delay"`
	Consolidate    bool          `yaml:"consolidate"`
	LetSummaryFail bool          `yaml:"let_summary_fail"`
	MoveCompleted  bool          `yaml:"move_completed"`

	// Statuses on batch submission after which records are counted as sent
	// even though their outcome is unknown. Provisional server behavior,
	// kept configurable.
	RecoverableStatuses []int `yaml:"recoverable_statuses"`

	Preprocessors []string `yaml:"preprocessors"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ProfileName, "marc.profile-name", "", "Name of the import job profile to bind.")
	f.IntVar(&c.BatchSize, "marc.batch-size", 10, "Records per submission batch.")
	f.DurationVar(&c.BatchDelay, "marc.batch-delay", 0, "Fixed delay after every batch.")
	f.BoolVar(&c.Consolidate, "marc.consolidate", false, "Import all files under a single job.")
	f.BoolVar(&c.LetSummaryFail, "marc.let-summary-fail", false, "Do not retry the final summary fetch on gateway errors.")
	f.BoolVar(&c.MoveCompleted, "marc.move-completed", true, "Move imported files into an import_complete directory.")
}

// Importer drives record submission jobs: one per input file, or one for
// the whole run when consolidation is on. Jobs run strictly sequentially.
type Importer struct {
	cfg Config
	gw  *gateway.Gateway
	log log.Logger

	files    *report.RunFiles
	progress *report.Progress
	dec      record.Decoder
	pre      preprocess.Func

	totalSent *atomic.Int64
}

func New(cfg Config, gw *gateway.Gateway, files *report.RunFiles, reg prometheus.Registerer, logger log.Logger) (*Importer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if len(cfg.RecoverableStatuses) == 0 {
		cfg.RecoverableStatuses = []int{422, 500}
	}

	fns := make([]preprocess.Func, 0, len(cfg.Preprocessors))
	for _, name := range cfg.Preprocessors {
		fn, err := preprocess.Lookup(name)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}

	return &Importer{
		cfg:       cfg,
		gw:        gw,
		log:       log.With(logger, "component", "marcimport"),
		files:     files,
		progress:  report.NewProgress(0, reg, logger),
		dec:       record.NewDecoder(),
		pre:       preprocess.Chain(fns...),
		totalSent: atomic.NewInt64(0),
	}, nil
}

// TotalSent is the cumulative count of records submitted across all jobs of
// the run.
func (i *Importer) TotalSent() int {
	return int(i.totalSent.Load())
}

// Run imports the given files. The profile is resolved up front so a bad
// profile name aborts before any job execution exists remotely.
func (i *Importer) Run(ctx context.Context, paths []string) error {
	profile, err := i.findProfile(ctx)
	if err != nil {
		return err
	}

	if i.cfg.Consolidate {
		return i.runJob(ctx, profile, paths)
	}
	for _, path := range paths {
		if err := i.runJob(ctx, profile, []string{path}); err != nil {
			return err
		}
	}
	return nil
}

type profileInfo struct {
	ID   string
	Name string
}

func (i *Importer) findProfile(ctx context.Context) (profileInfo, error) {
	profiles, err := i.gw.GetAll(ctx, jobProfilesPath, "jobProfiles", nil)
	if err != nil {
		return profileInfo{}, errors.Wrap(err, "list import profiles")
	}

	match, found := lo.Find(profiles, func(item interface{}) bool {
		doc, ok := item.(map[string]interface{})
		return ok && doc["name"] == i.cfg.ProfileName
	})
	if !found {
		return profileInfo{}, errors.Wrapf(ErrProfileNotFound, "%q", i.cfg.ProfileName)
	}

	doc := match.(map[string]interface{})
	id, _ := doc["id"].(string)
	return profileInfo{ID: id, Name: i.cfg.ProfileName}, nil
}

func (i *Importer) runJob(ctx context.Context, profile profileInfo, paths []string) error {
	files := make([]*os.File, 0, len(paths))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	streams := make([]*record.Stream, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrap(err, "open import file")
		}
		files = append(files, f)
	}

	total := 0
	for _, f := range files {
		n, err := record.CountRecords(f)
		if err != nil {
			return err
		}
		total += n
	}
	for _, f := range files {
		streams = append(streams, record.NewStream(f, filepath.Base(f.Name()), i.dec))
	}

	i.progress.Reset(total)

	j, err := newJob(ctx, i, profile)
	if err != nil {
		return err
	}

	level.Info(i.log).Log("msg", "importing files: "+describeFiles(paths))

	if err := j.run(ctx, record.MultiSource(streams...), total); err != nil {
		// The job persists remotely; report its id so operators can inspect
		// it out-of-band.
		return errors.Wrapf(err, "job %s", j.id)
	}

	if i.cfg.MoveCompleted {
		for _, path := range paths {
			if err := moveCompleted(path); err != nil {
				level.Error(i.log).Log("msg", "move imported file", "err", err.Error())
			}
		}
	}

	return nil
}

func moveCompleted(path string) error {
	dir := filepath.Join(filepath.Dir(path), completeDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create import_complete dir")
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		return errors.Wrap(err, "move imported file")
	}
	return nil
}

func activeJobsQuery() url.Values {
	return url.Values{
		"statusNot":   []string{"DISCARDED"},
		"uiStatusAny": []string{"PREPARING_FOR_PREVIEW", "READY_FOR_PREVIEW", "RUNNING"},
		"limit":       []string{"50"},
	}
}

func terminalJobsQuery() url.Values {
	return url.Values{
		"limit":     []string{"100"},
		"sortBy":    []string{"completed_date,desc"},
		"statusAny": []string{"COMMITTED", "ERROR", "CANCELLED"},
	}
}

func describeFiles(paths []string) string {
	names := lo.Map(paths, func(p string, _ int) string { return filepath.Base(p) })
	return fmt.Sprintf("%v", names)
}
