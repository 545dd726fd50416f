package liber

import (
	"context"
	"flag"
	"os"
	"time"

	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/ndrozd/liber/pkg/archive"
	"github.com/ndrozd/liber/pkg/gateway"
	"github.com/ndrozd/liber/pkg/marcimport"
	"github.com/ndrozd/liber/pkg/queue"
	"github.com/ndrozd/liber/pkg/queue/message"
	"github.com/ndrozd/liber/pkg/report"
	"github.com/ndrozd/liber/pkg/userimport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ModeRecords = "records"
	ModeUsers   = "users"

	runChannel = "liber.runs"
)

type Config struct {
	Mode      string   `yaml:"mode"`
	Files     []string `yaml:"files"`
	ReportDir string   `yaml:"report_dir"`

	Gateway    gateway.Config    `yaml:"gateway"`
	MARCImport marcimport.Config `yaml:"marc_import"`
	UserImport userimport.Config `yaml:"user_import"`
	Archive    archive.Config    `yaml:"archive"`
	Queue      queue.Config      `yaml:"queue"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Mode, "mode", ModeRecords, "Run mode: records or users.")
	f.StringVar(&c.ReportDir, "report.dir", ".", "Directory for run artifacts.")

	c.Gateway.RegisterFlags(f)
	c.MARCImport.RegisterFlags(f)
	c.UserImport.RegisterFlags(f)
}

// Liber runs one synchronization pass against the platform: binary records
// through the batch submission pipeline, or user documents through the
// per-unit upsert pipeline. It is a one-shot dskit service.
type Liber struct {
	services.Service

	cfg   Config
	log   gklog.Logger
	runID string

	gw    *gateway.Gateway
	files *report.RunFiles

	marc  *marcimport.Importer
	users *userimport.Importer

	archiver  archive.Writer
	publisher queue.Publisher
}

func New(ctx context.Context, cfg Config, reg prometheus.Registerer, log gklog.Logger) (*Liber, error) {
	runID := uuid.NewString()
	log = gklog.With(log, "service", "liber", "run", runID)

	if len(cfg.Files) == 0 {
		return nil, errors.New("no input files")
	}
	if cfg.Mode != ModeRecords && cfg.Mode != ModeUsers {
		return nil, errors.Errorf("invalid run mode: %s", cfg.Mode)
	}

	l := &Liber{
		cfg:   cfg,
		log:   log,
		runID: runID,
		gw:    gateway.New(cfg.Gateway, log),
	}

	var err error
	if cfg.Archive.Store != "" {
		l.archiver, err = archive.NewWriter(cfg.Archive, archive.Bucket)
		if err != nil {
			return nil, errors.Wrap(err, "init archive writer")
		}
	}
	if cfg.Queue.Type != "" {
		l.publisher, err = queue.NewPublisher(cfg.Queue, log)
		if err != nil {
			return nil, errors.Wrap(err, "init run publisher")
		}
	}

	// The sinks are created last so no failed constructor leaves empty
	// timestamped files behind.
	files, err := report.NewRunFiles(cfg.ReportDir, log)
	if err != nil {
		return nil, errors.Wrap(err, "init run files")
	}
	l.files = files

	switch cfg.Mode {
	case ModeRecords:
		l.marc, err = marcimport.New(cfg.MARCImport, l.gw, files, reg, log)
		if err != nil {
			_ = files.Close()
			return nil, errors.Wrap(err, "init record importer")
		}
	case ModeUsers:
		l.users, err = userimport.New(cfg.UserImport, l.gw, files, reg, log)
		if err != nil {
			_ = files.Close()
			return nil, errors.Wrap(err, "init user importer")
		}
	}

	l.Service = services.NewBasicService(nil, l.run, nil)
	return l, nil
}

func (l *Liber) run(ctx context.Context) error {
	level.Info(l.log).Log("msg", "run started", "mode", l.cfg.Mode)

	runErr := l.runImport(ctx)
	if runErr != nil {
		level.Error(l.log).Log("msg", "run failed", "err", runErr)
	}

	if err := l.wrapUp(ctx); err != nil {
		level.Error(l.log).Log("msg", "run wrap up failed", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

func (l *Liber) runImport(ctx context.Context) error {
	if l.marc != nil {
		return l.marc.Run(ctx, l.cfg.Files)
	}

	for _, path := range l.cfg.Files {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "open user file %s", path)
		}

		err = l.users.Run(ctx, f)
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close user file %s", path)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// wrapUp closes the failure sinks, ships the kept artifacts to the archive
// store and announces run completion on the queue. Both integrations are
// optional and best-effort relative to the run outcome.
func (l *Liber) wrapUp(ctx context.Context) error {
	if err := l.files.Close(); err != nil {
		return errors.Wrap(err, "close run files")
	}

	if l.archiver != nil {
		for _, path := range l.files.KeptFiles() {
			if err := l.archiver.Store(ctx, l.runID, path); err != nil {
				return errors.Wrapf(err, "archive %s", path)
			}
		}
	}

	if l.publisher != nil {
		if err := l.publisher.Pub(runChannel, l.report()); err != nil {
			return errors.Wrap(err, "publish run report")
		}
	}

	rep := l.report()
	level.Info(l.log).Log("msg", "run finished",
		"created", rep.Created, "updated", rep.Updated,
		"failed", rep.Failed, "sent", rep.RecordsSent)

	return nil
}

func (l *Liber) report() *message.RunReport {
	rep := &message.RunReport{
		RunID:       l.runID,
		Mode:        l.cfg.Mode,
		CompletedAt: time.Now().UTC(),
	}

	if l.marc != nil {
		rep.RecordsSent = l.marc.TotalSent()
	}
	if l.users != nil {
		created, updated, failed := l.users.Counters().Snapshot()
		rep.Created, rep.Updated, rep.Failed = created, updated, failed
	}

	return rep
}
