package local

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type Config struct {
	Dir string `yaml:"dir"`
}

// LocalWriter copies run artifacts into a directory tree keyed by run id.
type LocalWriter struct {
	cfg Config
}

func NewWriter(cfg Config) (*LocalWriter, error) {
	if cfg.Dir == "" {
		return nil, errors.New("local archive dir is not set")
	}
	return &LocalWriter{cfg: cfg}, nil
}

func (c *LocalWriter) Store(_ context.Context, runID, path string) error {
	dir := filepath.Join(c.cfg.Dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create archive dir")
	}

	src, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open run artifact")
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dir, filepath.Base(path)))
	if err != nil {
		return errors.Wrap(err, "create archived artifact")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrap(err, "copy run artifact")
	}

	return nil
}
