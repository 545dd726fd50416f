package main

import (
	"flag"
	"os"

	"github.com/ndrozd/liber/pkg/liber"
	util_log "github.com/ndrozd/liber/pkg/util/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/context"
	"gopkg.in/yaml.v2"
)

func main() {
	var (
		configFile string
		logCfg     util_log.Config
		cfg        liber.Config
	)

	fs := flag.NewFlagSet("liber", flag.ExitOnError)
	fs.StringVar(&configFile, "config.file", "", "YAML configuration file.")
	cfg.RegisterFlags(fs)
	logCfg.RegisterFlags(fs)

	util_log.CheckFatal("parsing flags", fs.Parse(os.Args[1:]))

	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		util_log.CheckFatal("reading config file", err)
		util_log.CheckFatal("parsing config file", yaml.UnmarshalStrict(raw, &cfg))
	}

	// Positional arguments are input files, after anything the config names.
	cfg.Files = append(cfg.Files, fs.Args()...)

	util_log.InitLogger(&logCfg)

	ctx := context.Background()

	l, err := liber.New(ctx, cfg, prometheus.NewPedanticRegistry(), util_log.Logger)
	util_log.CheckFatal("initializing liber", err)

	l.StartAsync(ctx)
	util_log.CheckFatal("running liber", l.AwaitTerminated(ctx))
}
