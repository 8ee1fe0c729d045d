// sensornode is the wake-cycle agent for a duty-cycled sensor node. Each
// run increments the persisted wake counter, samples the BME680, brings
// the link up, publishes the reading, checks for firmware on every Nth
// cycle and goes back to sleep.
//
// In rtc power mode one process is one wake: the board powers off at the
// end of the cycle and the RTC alarm boots it again. With --loop the
// process stays up and sleeps on an in-process timer instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"sensornode-go/bus"
	"sensornode-go/services/config"
	"sensornode-go/services/counter"
	"sensornode-go/services/health"
	"sensornode-go/services/netsession"
	"sensornode-go/services/power"
	"sensornode-go/services/sensor"
	"sensornode-go/services/telemetry"
	"sensornode-go/services/transport"
	"sensornode-go/services/update"
	"sensornode-go/services/wake"
	"sensornode-go/types"
	"sensornode-go/x/clock"
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
		configPath  string
		device      string
		logLevel    string
		loop        bool
		dryRun      bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("sensornode", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML file overlaid on the device defaults")
	flagSet.StringVar(&device, "device", config.DefaultDevice, "embedded device profile")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.BoolVar(&loop, "loop", false, "keep running cycles with an in-process timer sleep")
	flagSet.BoolVar(&dryRun, "dry-run", false, "in-memory counter, no link changes, updates are only logged")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Info("sensornode"))
		return nil
	}

	cfg, err := config.Load(configPath, device)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	running := types.FirmwareVersion(cfg.FirmwareVersion)
	if running == "" {
		running = version.Firmware()
	}
	logger.Info("starting", "version", running, "device", cfg.Device, "dry_run", dryRun, "loop", loop)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UpdatesEnabled() && !dryRun {
		confirmBoot(cfg.Update.SlotDir, logger)
	}

	store := openStore(cfg, dryRun, logger)
	defer store.Close()

	client, err := transport.NewClient(cfg.TLS)
	if err != nil {
		return err
	}
	clk := clock.Real()

	var driver netsession.LinkDriver = netsession.NewNetlink()
	if dryRun {
		driver = netsession.Static{}
	}
	deps := wake.Deps{
		Store:     store,
		Sensor:    sensor.NewBME680(sensor.OptionsFromConfig(cfg.Sensor), logger),
		Session:   netsession.New(netsession.OptionsFromConfig(cfg.Network), driver, bus.NewBus(16), clk, logger),
		Publisher: telemetry.NewHTTP(cfg.Collector.URL, client, cfg.Cycle.PublishTimeout(), logger),
		Sleeper:   power.New(cfg.Power, clk, logger),
		Recorder:  health.New(cfg.Metrics.Textfile, running),
		Logger:    logger,
		Clock:     clk,
	}
	if loop || dryRun {
		deps.Sleeper = power.TimerSleeper{Clock: clk}
	}
	if cfg.UpdatesEnabled() {
		deps.Checker = update.NewHTTPChecker(cfg.Update.VersionURL, client, cfg.Update.CheckTimeout(), logger)
		if dryRun {
			deps.Installer = dryRunInstaller{logger}
		} else {
			deps.Installer = &update.Installer{
				ImageURL:  cfg.Update.ImageURL,
				SlotDir:   cfg.Update.SlotDir,
				Client:    client,
				Timeout:   cfg.Update.DownloadTimeout(),
				Restarter: update.NewRestarter(cfg.Update, os.Args[1:]),
				Logger:    logger,
			}
		}
	}

	ctl := wake.New(wake.ConfigFrom(cfg, running), deps)
	if loop {
		if err := ctl.Loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	ctl.Run(ctx)
	return nil
}

func confirmBoot(slotDir string, logger *slog.Logger) {
	exe, err := os.Executable()
	if err != nil {
		logger.Warn("cannot resolve executable, skipping boot confirmation", "error", err)
		return
	}
	res, err := update.ConfirmBoot(slotDir, exe)
	if err != nil {
		logger.Error("boot confirmation failed", "result", res.String(), "error", err)
		return
	}
	if res != update.BootNormal {
		logger.Info("boot transition settled", "result", res.String(), "executable", exe)
	}
}

func openStore(cfg *config.Config, dryRun bool, logger *slog.Logger) counter.Store {
	if dryRun {
		return counter.NewMemory()
	}
	s, err := counter.OpenSQLite(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("counter store unavailable", "path", cfg.Store.Path, "error", err)
		return counter.Unavailable{Err: err}
	}
	return s
}

type dryRunInstaller struct{ logger *slog.Logger }

func (d dryRunInstaller) Apply(_ context.Context, m update.Manifest) error {
	d.logger.Info("dry run: would install firmware", "version", m.Version, "blake3", m.Blake3)
	return nil
}
