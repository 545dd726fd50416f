package log

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/weaveworks/common/logging"
)

// Logger is the process-wide logger, a nop until InitLogger runs.
var Logger = log.NewNopLogger()

type Config struct {
	LogFormat logging.Format `yaml:"log_format"`
	LogLevel  logging.Level  `yaml:"log_level"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.LogFormat.RegisterFlags(f)
	c.LogLevel.RegisterFlags(f)
}

func InitLogger(cfg *Config) {
	var logger log.Logger
	if cfg.LogFormat.String() == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	Logger = level.NewFilter(logger, cfg.LogLevel.Gokit)
}

// CheckFatal logs err with run context and exits. A nil err is a no-op.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}

	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}

	_ = logger.Log("err", fmt.Sprintf("%+v", err))
	os.Exit(1)
}
