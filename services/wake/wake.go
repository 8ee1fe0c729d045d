// Package wake is the wake-cycle controller. One Run is one wake:
//
//	Init → ReadSensor → AcquireNetwork → Publish → MaybeCheckUpdate → Sleep
//
// Every failure goes straight to Sleep, and Sleep always runs: it tears
// down the link and the sensor, flushes metrics and suspends. Panics in
// collaborators are recovered and recorded as faults on the way.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"sensornode-go/errcode"
	"sensornode-go/services/config"
	"sensornode-go/services/counter"
	"sensornode-go/services/health"
	"sensornode-go/services/netsession"
	"sensornode-go/services/power"
	"sensornode-go/services/sensor"
	"sensornode-go/services/telemetry"
	"sensornode-go/services/update"
	"sensornode-go/types"
	"sensornode-go/x/clock"
	"sensornode-go/x/logging"
)

// State is a controller state, used in logs and panic reports.
type State uint8

const (
	StateInit State = iota
	StateReadSensor
	StateAcquireNetwork
	StatePublish
	StateMaybeCheckUpdate
	StateSleep
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReadSensor:
		return "read_sensor"
	case StateAcquireNetwork:
		return "acquire_network"
	case StatePublish:
		return "publish"
	case StateMaybeCheckUpdate:
		return "maybe_check_update"
	case StateSleep:
		return "sleep"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Config is the cycle policy.
type Config struct {
	CounterKey          counter.Key
	Sleep               time.Duration
	UpdateCheckInterval uint32
	NetworkTimeout      time.Duration
	PublishTimeout      time.Duration
	FirmwareVersion     types.FirmwareVersion
}

// ConfigFrom maps the agent configuration.
func ConfigFrom(c *config.Config, running types.FirmwareVersion) Config {
	return Config{
		CounterKey:          counter.Key{Namespace: c.Store.Namespace, Name: c.Store.Key},
		Sleep:               c.Cycle.Sleep(),
		UpdateCheckInterval: c.Cycle.UpdateCheckInterval,
		NetworkTimeout:      c.Cycle.NetworkTimeout(),
		PublishTimeout:      c.Cycle.PublishTimeout(),
		FirmwareVersion:     running,
	}
}

// Deps are the controller's collaborators. Checker and Installer may be
// nil to disable updates; Recorder may be nil.
type Deps struct {
	Store     counter.Store
	Sensor    sensor.Reader
	Session   netsession.Session
	Publisher telemetry.Publisher
	Checker   update.Checker
	Installer update.Applier
	Sleeper   power.Sleeper
	Recorder  health.Recorder
	Logger    *slog.Logger
	Clock     clock.Clock
}

type Controller struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	clock clock.Clock

	state State
	// lastCount is the best known wake count. It seeds the in-memory
	// fallback when the store cannot be read.
	lastCount types.WakeCounter
}

func New(cfg Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Sleeper == nil {
		deps.Sleeper = power.TimerSleeper{Clock: deps.Clock}
	}
	if cfg.CounterKey == (counter.Key{}) {
		cfg.CounterKey = counter.Key{Namespace: "agent", Name: "wake_count"}
	}
	return &Controller{
		cfg:   cfg,
		deps:  deps,
		log:   logging.Component(deps.Logger, "wake"),
		clock: deps.Clock,
	}
}

// UpdateDue reports whether cycle count is an update-check cycle.
func UpdateDue(count types.WakeCounter, interval uint32) bool {
	return interval != 0 && uint32(count)%interval == 0
}

// Run executes one wake cycle and returns after the sleeper does.
func (c *Controller) Run(ctx context.Context) types.CycleReport {
	rep := types.CycleReport{Started: c.clock.Now()}
	c.guard(&rep, func() { c.cycle(ctx, &rep) })
	if rep.Outcome == 0 {
		rep.Outcome = c.outcomeAfterPanic(&rep)
	}
	c.sleep(ctx, &rep)
	return rep
}

// Loop runs cycles back to back until ctx is cancelled. Only useful with
// sleepers that return.
func (c *Controller) Loop(ctx context.Context) error {
	for {
		c.Run(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (c *Controller) enter(s State) {
	c.state = s
	c.log.Debug("state", "state", s.String())
}

func (c *Controller) fault(rep *types.CycleReport, err error) {
	rep.Faults = append(rep.Faults, err)
}

// guard runs fn and turns a panic into a recorded fault.
func (c *Controller) guard(rep *types.CycleReport, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := &errcode.E{C: errcode.Panic, Op: c.state.String(), Msg: fmt.Sprint(r)}
			c.fault(rep, err)
			c.log.Error("collaborator panicked", "state", c.state.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (c *Controller) outcomeAfterPanic(rep *types.CycleReport) types.CycleOutcome {
	switch c.state {
	case StateInit, StateReadSensor:
		return types.OutcomeSensorFailed
	case StateAcquireNetwork:
		return types.OutcomeNetworkFailed
	}
	if rep.Published {
		return types.OutcomePublished
	}
	return types.OutcomePublishFailed
}

func (c *Controller) cycle(ctx context.Context, rep *types.CycleReport) {
	d := c.deps

	c.enter(StateInit)
	count, err := counter.Increment(ctx, d.Store, c.cfg.CounterKey, c.lastCount)
	if err != nil {
		c.fault(rep, err)
		c.log.Error("wake counter not persisted, using in-memory value", "count", count, "error", err)
	}
	c.lastCount = count
	rep.Count = count
	c.log.Info("woke", "count", count)

	if err := d.Sensor.Init(ctx); err != nil {
		c.fault(rep, err)
		rep.Outcome = types.OutcomeSensorFailed
		c.log.Error("sensor init failed", "error", err)
		return
	}

	c.enter(StateReadSensor)
	reading, err := d.Sensor.Read(ctx)
	if err != nil {
		c.fault(rep, err)
		rep.Outcome = types.OutcomeSensorFailed
		c.log.Error("sensor read failed", "error", err)
		return
	}
	c.log.Info("sensor read",
		"temperature", reading.Temperature,
		"humidity", reading.Humidity,
		"pressure", reading.Pressure,
		"gas_resistance", reading.GasResistance)

	c.enter(StateAcquireNetwork)
	if err := d.Session.Connect(ctx, c.cfg.NetworkTimeout); err != nil {
		c.fault(rep, err)
		rep.Outcome = types.OutcomeNetworkFailed
		c.log.Error("network unavailable, discarding reading", "error", err)
		return
	}

	c.enter(StatePublish)
	pctx, cancel := c.publishContext(ctx)
	err = d.Publisher.Publish(pctx, reading)
	cancel()
	if err != nil {
		c.fault(rep, err)
		rep.Outcome = types.OutcomePublishFailed
		c.log.Warn("publish failed", "error", err)
	} else {
		rep.Published = true
		rep.Outcome = types.OutcomePublished
		c.log.Info("published")
	}

	c.enter(StateMaybeCheckUpdate)
	if d.Checker == nil || !UpdateDue(count, c.cfg.UpdateCheckInterval) {
		return
	}
	rep.UpdateChecked = true
	m, err := d.Checker.Check(ctx)
	if err != nil {
		c.fault(rep, err)
		c.log.Warn("update check failed", "error", err)
		return
	}
	if !update.IsNewFirmwareAvailable(c.cfg.FirmwareVersion, m.Version) {
		rep.Outcome = types.OutcomeUpdateNotAvailable
		c.log.Info("firmware up to date", "version", c.cfg.FirmwareVersion)
		return
	}
	c.log.Info("new firmware available", "running", c.cfg.FirmwareVersion, "available", m.Version)
	if d.Installer == nil {
		c.fault(rep, &errcode.E{C: errcode.UpdateApplyFault, Op: "apply", Msg: "no installer configured"})
		return
	}
	if err := d.Installer.Apply(ctx, m); err != nil {
		c.fault(rep, err)
		c.log.Error("update failed, keeping running image", "error", err)
		return
	}
	// Only reached when the restarter returns instead of replacing us.
	rep.Outcome = types.OutcomeUpdateApplied
}

func (c *Controller) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.PublishTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.PublishTimeout)
}

// sleep is the only way a cycle ends. Each teardown step is guarded on its
// own so one misbehaving collaborator cannot skip the rest.
func (c *Controller) sleep(ctx context.Context, rep *types.CycleReport) {
	c.enter(StateSleep)
	d := c.deps

	if d.Session != nil {
		c.guard(rep, func() {
			if err := d.Session.Disconnect(); err != nil {
				c.log.Warn("network release failed", "error", err)
			}
		})
	}
	if d.Sensor != nil {
		c.guard(rep, func() {
			if err := d.Sensor.Close(); err != nil {
				c.log.Warn("sensor release failed", "error", err)
			}
		})
	}

	rep.Duration = clock.Since(c.clock, rep.Started)
	c.log.Info("cycle complete",
		"count", rep.Count,
		"outcome", rep.Outcome.String(),
		"faults", faultCodes(rep.Faults),
		"duration", rep.Duration,
		"sleep", c.cfg.Sleep)

	if d.Recorder != nil {
		c.guard(rep, func() {
			d.Recorder.Record(*rep)
			if err := d.Recorder.Flush(); err != nil {
				c.log.Warn("metrics flush failed", "error", err)
			}
		})
	}

	slept := false
	c.guard(rep, func() {
		rep.Slept = true
		if err := d.Sleeper.Sleep(ctx, c.cfg.Sleep); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("sleep interrupted", "error", err)
		}
		slept = true
	})
	if !slept {
		// The sleeper itself blew up; fall back to an in-process timer.
		power.TimerSleeper{Clock: c.clock}.Sleep(ctx, c.cfg.Sleep)
	}
}

func faultCodes(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, string(errcode.Of(err)))
	}
	return out
}
