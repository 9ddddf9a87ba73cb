// Package app wires a node factory to the process: stdio transport, logging and metrics.
package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/o-hill/gossip-glomers/config"
	"github.com/o-hill/gossip-glomers/core/server"
	"github.com/o-hill/gossip-glomers/io/metrics"
	"github.com/o-hill/gossip-glomers/io/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Run serves factory on stdin/stdout until the input ends or the process is signalled.
func Run(name string, conf *config.Config, factory server.Factory) {
	if err := Setup(conf, os.Stderr); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	metrics.Serve(conf.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("starting %s", name)
	err := server.New(transport.New(os.Stdin, os.Stdout)).Serve(ctx, factory)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%s: %v", name, err)
	}
	log.Infof("%s stopped", name)
}

// Setup points logrus at out with the configured level. Stdout belongs to the protocol,
// so logs never go there.
func Setup(conf *config.Config, out io.Writer) error {
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log level")
	}

	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})

	return nil
}
