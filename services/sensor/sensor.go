// Package sensor is the Sensor Reader: it owns the I2C bus handle and the
// BME680 for one wake cycle and turns one forced-mode measurement into a
// types.SensorReading.
package sensor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"tinygo.org/x/drivers"

	"sensornode-go/drivers/bme680"
	"sensornode-go/drivers/i2cdev"
	"sensornode-go/errcode"
	"sensornode-go/services/config"
	"sensornode-go/types"
	"sensornode-go/x/clock"
	"sensornode-go/x/logging"
	"sensornode-go/x/timex"
)

// Reader is what the wake controller needs from a sensor.
type Reader interface {
	Init(ctx context.Context) error
	Read(ctx context.Context) (types.SensorReading, error)
	Close() error
}

// Bus is an opened I2C bus.
type Bus interface {
	drivers.I2C
	Close() error
}

// Device is the two-phase driver surface used by BME680.
type Device interface {
	Configure(cfg bme680.Config) error
	Trigger() error
	TriggerHint() time.Duration
	Collect(out *bme680.Sample) error
	Sleep() error
}

type Options struct {
	Bus            string
	Address        uint16
	HeaterTempC    uint16
	HeaterDuration time.Duration
	ReadTimeout    time.Duration
	PollInterval   time.Duration
}

// OptionsFromConfig maps the sensor section of the agent config.
func OptionsFromConfig(c config.SensorConfig) Options {
	return Options{
		Bus:            c.Bus,
		Address:        c.Address,
		HeaterTempC:    c.HeaterTempC,
		HeaterDuration: timex.Ms(c.HeaterMs),
		ReadTimeout:    timex.Ms(c.ReadTimeoutMs),
		PollInterval:   10 * time.Millisecond,
	}
}

// BME680 reads a BME680 on a Linux I2C character device.
type BME680 struct {
	opts   Options
	logger *slog.Logger
	clock  clock.Clock

	open      func(path string) (Bus, error)
	newDevice func(bus drivers.I2C) Device

	bus Bus
	dev Device
}

var _ Reader = (*BME680)(nil)

func NewBME680(opts Options, logger *slog.Logger) *BME680 {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &BME680{
		opts:   opts,
		logger: logging.Component(logger, "sensor"),
		clock:  clock.Real(),
		open:   openI2C,
		newDevice: func(bus drivers.I2C) Device {
			d := bme680.New(bus)
			return &d
		},
	}
}

func openI2C(path string) (Bus, error) {
	b, err := i2cdev.Open(path)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Init opens the bus and configures the sensor (chip check, reset,
// calibration, heater profile).
func (r *BME680) Init(ctx context.Context) error {
	if r.dev != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errcode.New(errcode.SensorFault, "init", err)
	}
	bus, err := r.open(r.opts.Bus)
	if err != nil {
		return errcode.New(errcode.SensorFault, "open "+r.opts.Bus, err)
	}
	dev := r.newDevice(bus)
	err = dev.Configure(bme680.Config{
		Address:        r.opts.Address,
		HeaterTempC:    r.opts.HeaterTempC,
		HeaterDuration: r.opts.HeaterDuration,
		PollInterval:   r.opts.PollInterval,
		CollectTimeout: r.opts.ReadTimeout,
	})
	if err != nil {
		bus.Close()
		return errcode.New(errcode.SensorFault, "configure", err)
	}
	r.bus, r.dev = bus, dev
	r.logger.Debug("sensor ready", "info", types.SensorInfo{
		Sensor: "bme680", Addr: r.opts.Address, Bus: r.opts.Bus, ChipID: bme680.ChipID,
	})
	return nil
}

// Read performs one measurement bounded by the read timeout.
func (r *BME680) Read(ctx context.Context) (types.SensorReading, error) {
	if r.dev == nil {
		return types.SensorReading{}, &errcode.E{C: errcode.SensorFault, Op: "read", Err: errcode.NotReady, Msg: "not initialised"}
	}
	deadline := r.clock.After(r.opts.ReadTimeout)

	if err := r.dev.Trigger(); err != nil {
		return types.SensorReading{}, errcode.New(errcode.SensorFault, "trigger", err)
	}
	wait := r.dev.TriggerHint()
	for {
		select {
		case <-ctx.Done():
			return types.SensorReading{}, errcode.New(errcode.SensorFault, "read", ctx.Err())
		case <-deadline:
			return types.SensorReading{}, errcode.New(errcode.SensorFault, "read", errcode.Timeout)
		case <-r.clock.After(wait):
		}

		var s bme680.Sample
		err := r.dev.Collect(&s)
		switch {
		case err == nil:
			return r.reading(s)
		case errors.Is(err, bme680.ErrNotReady):
			wait = r.opts.PollInterval
		default:
			return types.SensorReading{}, errcode.New(errcode.SensorFault, "collect", err)
		}
	}
}

func (r *BME680) reading(s bme680.Sample) (types.SensorReading, error) {
	if !s.GasValid {
		return types.SensorReading{}, &errcode.E{C: errcode.SensorFault, Op: "collect", Msg: "gas measurement not valid"}
	}
	if !s.HeaterStable {
		r.logger.Warn("gas heater did not reach target", "heater_temp_c", r.opts.HeaterTempC)
	}
	return types.SensorReading{
		Temperature:   s.TemperatureC,
		Humidity:      s.HumidityRH,
		Pressure:      s.PressureHPa(),
		GasResistance: ohms(s.GasOhms),
	}, nil
}

func ohms(v float64) uint32 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(math.Round(v))
}

// Close puts the sensor to sleep and releases the bus. Safe to call more
// than once and without Init.
func (r *BME680) Close() error {
	if r.bus == nil {
		return nil
	}
	var errs []error
	if err := r.dev.Sleep(); err != nil {
		errs = append(errs, err)
	}
	if err := r.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	r.bus, r.dev = nil, nil
	return errors.Join(errs...)
}
