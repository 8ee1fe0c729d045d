// Package power ends a wake cycle by suspending the node for a fixed
// duration.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"sensornode-go/services/config"
	"sensornode-go/x/clock"
	"sensornode-go/x/logging"
	"sensornode-go/x/mathx"
)

// Sleeper suspends for d. Sleepers that cut power may never return;
// those that do return nil once d has elapsed.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper waits in-process. The caller resumes from Init afterwards.
type TimerSleeper struct {
	Clock clock.Clock
}

func (s TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	c := s.Clock
	if c == nil {
		c = clock.Real()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// RTCSleeper arms the RTC wake alarm and powers the board off. If either
// step fails it degrades to Fallback so the cycle still ends asleep.
type RTCSleeper struct {
	Wakealarm string   // e.g. /sys/class/rtc/rtc0/wakealarm
	Command   []string // e.g. systemctl poweroff
	Fallback  Sleeper
	Logger    *slog.Logger
	// CommandTimeout bounds the power-off command. Defaults to 30s.
	CommandTimeout time.Duration

	run func(ctx context.Context, argv []string) error
}

func (s *RTCSleeper) Sleep(ctx context.Context, d time.Duration) error {
	log := logging.Component(s.Logger, "power")
	fallback := s.Fallback
	if fallback == nil {
		fallback = TimerSleeper{}
	}

	secs := mathx.CeilDiv(uint64(max(d, time.Second)), uint64(time.Second))
	if err := armWakealarm(s.Wakealarm, secs); err != nil {
		log.Warn("rtc wake alarm unavailable, sleeping in-process", "error", err)
		return fallback.Sleep(ctx, d)
	}
	run := s.run
	if run == nil {
		run = runCommand
	}
	log.Info("powering off", "wake_in_s", secs)
	// The command outlives the cycle context: a SIGTERM from a host
	// shutdown must not cancel it or disarm the alarm.
	timeout := s.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := run(cmdCtx, s.Command); err != nil {
		if ctx.Err() != nil {
			log.Warn("power off failed during shutdown, leaving wake alarm armed", "error", err)
			return fallback.Sleep(ctx, d)
		}
		log.Warn("power off failed, sleeping in-process", "error", err)
		if cerr := armWakealarm(s.Wakealarm, 0); cerr != nil {
			log.Debug("clearing wake alarm failed", "error", cerr)
		}
		return fallback.Sleep(ctx, d)
	}
	// Shutdown is under way; if it stalls, still honour the interval.
	return fallback.Sleep(ctx, d)
}

// armWakealarm clears any pending alarm (the kernel refuses to overwrite
// an armed one) and, for secs > 0, arms a relative one.
func armWakealarm(path string, secs uint64) error {
	if path == "" {
		return fmt.Errorf("no wakealarm path")
	}
	if err := writeSysfs(path, "0"); err != nil {
		return err
	}
	if secs == 0 {
		return nil
	}
	return writeSysfs(path, "+"+strconv.FormatUint(secs, 10))
}

func writeSysfs(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func runCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty power-off command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %w: %s", argv, err, out)
	}
	return nil
}

// New builds the sleeper selected by cfg.Mode.
func New(cfg config.PowerConfig, clk clock.Clock, logger *slog.Logger) Sleeper {
	timer := TimerSleeper{Clock: clk}
	if cfg.Mode != "rtc" {
		return timer
	}
	return &RTCSleeper{
		Wakealarm: cfg.Wakealarm,
		Command:   cfg.Command,
		Fallback:  timer,
		Logger:    logger,
	}
}
