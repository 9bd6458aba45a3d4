package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/sentinelops/perfcore/internal/config"
	"github.com/sentinelops/perfcore/pkg/logging"
)

var Version = "dev-build"

func main() {
	var (
		configFile  = flag.String("config", "", "path to a YAML configuration file")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	conf, err := loadConfig(*configFile)
	checkErr(err, "while loading config")

	log, err := logging.New(logging.Config{
		Level:  conf.Global.LogLevel,
		Format: logging.Format(conf.Global.LogFormat),
		Output: os.Stderr,
	})
	checkErr(err, "while creating logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, conf, log)
	checkErr(err, "while starting perfcore")

	log.Info("perfcore started", map[string]interface{}{"version": Version})
	<-ctx.Done()
	log.Info("caught signal; shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Global.ShutdownTimeout)
	defer cancel()
	d.shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Configuration, error) {
	conf := config.NewDefault()
	if path != "" {
		if err := conf.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := conf.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func checkErr(err error, msg string) {
	if err != nil {
		logrus.WithError(err).Error(msg)
		os.Exit(1)
	}
}
