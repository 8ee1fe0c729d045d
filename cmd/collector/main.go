// collector receives node telemetry on POST /sensor and publishes the
// firmware manifest and image that nodes update from.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"sensornode-go/services/collector"
	"sensornode-go/types"
	"sensornode-go/x/logging"
	"sensornode-go/x/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		opts            collector.Options
		firmwareVersion string
		logLevel        string
		logFormat       string
		showVersion     bool
	)
	flagSet := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flagSet.StringVar(&opts.Addr, "addr", ":5000", "listen address")
	flagSet.StringVar(&opts.FirmwarePath, "firmware", "", "firmware image to serve on /firmware (.zst is served zstd-encoded)")
	flagSet.StringVar(&firmwareVersion, "firmware-version", "", "version advertised on /version")
	flagSet.IntVar(&opts.History, "history", 100, "readings kept for /readings")
	flagSet.StringVar(&opts.CertFile, "tls-cert", "", "TLS certificate (enables HTTPS with --tls-key)")
	flagSet.StringVar(&opts.KeyFile, "tls-key", "", "TLS private key")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	flagSet.StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Info("collector"))
		return nil
	}
	opts.FirmwareVersion = types.FirmwareVersion(firmwareVersion)

	logger, err := logging.New(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}
	srv, err := collector.New(opts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}
