package archive

import (
	"context"

	"github.com/ndrozd/liber/pkg/archive/local"
	"github.com/ndrozd/liber/pkg/archive/minio"
	"github.com/pkg/errors"
)

const (
	Bucket = "liberruns"
)

type Config struct {
	// Store selects the backend. Empty disables archival.
	Store string       `yaml:"store"`
	Local local.Config `yaml:"local"`
	Minio minio.Config `yaml:"minio"`
}

// Writer persists run artifacts (failure logs, bad-record archives) under a
// run id so they survive the workstation the run happened on.
type Writer interface {
	Store(ctx context.Context, runID, path string) error
}

func NewWriter(cfg Config, bucket string) (Writer, error) {
	switch cfg.Store {
	case "minio":
		return minio.NewWriter(cfg.Minio, bucket)
	case "local":
		return local.NewWriter(cfg.Local)
	}

	return nil, errors.New("invalid store for writer")
}
