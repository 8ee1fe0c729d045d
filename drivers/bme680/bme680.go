// Package bme680 provides a driver for the Bosch BME680 environmental sensor
// (temperature, humidity, pressure, gas resistance). It mirrors the
// two-phase measurement API of the other drivers in this tree:
//
//	d.Trigger()              // start a forced-mode measurement (fast)
//	err := d.Collect(&s)     // fetch when ready; returns ErrNotReady while busy
//
// d.Read() performs trigger + bounded polling until ready. A measurement
// is only valid once the gas heater has run for its configured duration,
// so TriggerHint() is never shorter than the heater time.
//
// NOTE: I2C.Tx MUST perform a write followed by a repeated-start read when
// both w and r are provided, without releasing the bus.
package bme680

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// I2C addresses (SDO low / SDO high).
const (
	AddressPrimary   = 0x76
	AddressSecondary = 0x77
)

// ChipID is the value of the chip id register; Configure rejects any other.
const ChipID = 0x61

// Registers.
const (
	regStatus0    = 0x1D // meas_status_0, start of the field-0 data block
	regResHeat0   = 0x5A
	regGasWait0   = 0x64
	regCtrlGas0   = 0x70
	regCtrlGas1   = 0x71
	regCtrlHum    = 0x72
	regCtrlMeas   = 0x74
	regConfig     = 0x75
	regChipID     = 0xD0
	regSoftReset  = 0xE0
	regCoeff1     = 0x89
	regCoeff2     = 0xE1
	regResHeatVal = 0x00
	regResHeatRng = 0x02
	regRangeSwErr = 0x04

	cmdSoftReset = 0xB6

	lenField  = 15
	lenCoeff1 = 25
	lenCoeff2 = 16

	statusNewData   = 0x80
	statusMeasuring = 0x20
	gasValid        = 0x20
	heatStable      = 0x10

	modeSleep  = 0x00
	modeForced = 0x01
	runGas     = 0x10
)

// Oversampling settings for ctrl_hum / ctrl_meas.
type Oversampling uint8

const (
	OversampleSkip Oversampling = iota
	Oversample1x
	Oversample2x
	Oversample4x
	Oversample8x
	Oversample16x
)

// Errors returned by the driver.
var (
	ErrTimeout    = errors.New("bme680: timeout")
	ErrNotReady   = errors.New("bme680: not ready")
	ErrWrongChip  = errors.New("bme680: unexpected chip id")
	ErrNotStarted = errors.New("bme680: not configured")
)

// Config controls measurement behaviour. Zero fields take defaults.
type Config struct {
	// Address defaults to AddressSecondary (0x77) if zero.
	Address uint16
	// Oversampling per channel. Defaults: T 8x, P 4x, H 2x.
	TempOversampling     Oversampling
	PressureOversampling Oversampling
	HumidityOversampling Oversampling
	// HeaterTempC is the gas plate target temperature. Default 320 °C.
	HeaterTempC uint16
	// HeaterDuration is how long the plate is held at target. Default 150 ms,
	// at most 4032 ms (register encoding limit).
	HeaterDuration time.Duration
	// AmbientTempC seeds the heater resistance calculation. Default 25 °C.
	AmbientTempC int8
	// PollInterval is used by Read() between Collect() attempts. Default 10 ms.
	PollInterval time.Duration
	// CollectTimeout bounds the polling in Read() after TriggerHint. Default 500 ms.
	CollectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Address == 0 {
		c.Address = AddressSecondary
	}
	if c.TempOversampling == 0 {
		c.TempOversampling = Oversample8x
	}
	if c.PressureOversampling == 0 {
		c.PressureOversampling = Oversample4x
	}
	if c.HumidityOversampling == 0 {
		c.HumidityOversampling = Oversample2x
	}
	if c.HeaterTempC == 0 {
		c.HeaterTempC = 320
	}
	if c.HeaterDuration <= 0 {
		c.HeaterDuration = 150 * time.Millisecond
	}
	if c.AmbientTempC == 0 {
		c.AmbientTempC = 25
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = 500 * time.Millisecond
	}
	return c
}

// Device wraps an I2C connection to a BME680.
type Device struct {
	bus     drivers.I2C
	Address uint16

	cfg        Config
	calib      calibration
	configured bool
	buf        [lenField]byte
	last       Sample
}

// New creates a Device. The bus must already be configured; New does not
// touch the hardware.
func New(bus drivers.I2C) Device {
	return Device{bus: bus, Address: AddressSecondary}
}

// Configure verifies the chip id, soft-resets the device, reads the
// factory calibration and programs oversampling and the gas heater.
func (d *Device) Configure(cfg Config) error {
	cfg = cfg.withDefaults()
	d.cfg = cfg
	d.Address = cfg.Address

	id, err := d.readReg(regChipID)
	if err != nil {
		return err
	}
	if id != ChipID {
		return ErrWrongChip
	}
	if err := d.writeReg(regSoftReset, cmdSoftReset); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)

	if err := d.readCalibration(); err != nil {
		return err
	}

	// ctrl_hum must be written before ctrl_meas for it to take effect.
	if err := d.writeReg(regCtrlHum, byte(cfg.HumidityOversampling)&0x07); err != nil {
		return err
	}
	if err := d.writeReg(regConfig, 0x00); err != nil { // IIR filter off
		return err
	}
	heat := d.calib.heaterResistance(cfg.HeaterTempC, cfg.AmbientTempC)
	if err := d.writeReg(regResHeat0, heat); err != nil {
		return err
	}
	if err := d.writeReg(regGasWait0, encodeGasWait(cfg.HeaterDuration)); err != nil {
		return err
	}
	if err := d.writeReg(regCtrlGas0, 0x00); err != nil { // heater on
		return err
	}
	if err := d.writeReg(regCtrlGas1, runGas); err != nil { // run gas, profile 0
		return err
	}
	if err := d.writeReg(regCtrlMeas, d.ctrlMeas(modeSleep)); err != nil {
		return err
	}
	d.configured = true
	return nil
}

func (d *Device) ctrlMeas(mode byte) byte {
	return byte(d.cfg.TempOversampling&0x07)<<5 | byte(d.cfg.PressureOversampling&0x07)<<2 | mode
}

// Trigger starts one forced-mode measurement and returns immediately.
func (d *Device) Trigger() error {
	if !d.configured {
		return ErrNotStarted
	}
	return d.writeReg(regCtrlMeas, d.ctrlMeas(modeForced))
}

// TriggerHint is the nominal time from Trigger until data is valid: the
// TPH conversion time plus the heater duration.
func (d *Device) TriggerHint() time.Duration {
	cycles := oversampleCycles(d.cfg.TempOversampling) +
		oversampleCycles(d.cfg.PressureOversampling) +
		oversampleCycles(d.cfg.HumidityOversampling)
	us := cycles*1963 + 477*4 + 477*5 + 1000 // datasheet: 1.963 ms per cycle + switching
	return time.Duration(us)*time.Microsecond + d.cfg.HeaterDuration
}

// Collect attempts to read one measurement. ErrNotReady is returned while
// the device is still converting. Any bus error is returned as-is.
func (d *Device) Collect(out *Sample) error {
	data := d.buf[:]
	if err := d.bus.Tx(d.Address, []byte{regStatus0}, data); err != nil {
		return err
	}
	if data[0]&statusNewData == 0 || data[0]&statusMeasuring != 0 {
		return ErrNotReady
	}
	raw := parseField(data)
	s := d.calib.compensate(raw)
	d.last = s
	if out != nil {
		*out = s
	}
	return nil
}

// Read performs a full measurement: Trigger, wait TriggerHint, then poll
// Collect until it succeeds or CollectTimeout elapses.
func (d *Device) Read(out *Sample) error {
	if err := d.Trigger(); err != nil {
		return err
	}
	time.Sleep(d.TriggerHint())
	deadline := time.Now().Add(d.cfg.CollectTimeout)
	for {
		err := d.Collect(out)
		switch err {
		case nil:
			return nil
		case ErrNotReady:
			if time.Now().After(deadline) {
				return ErrTimeout
			}
			time.Sleep(d.cfg.PollInterval)
		default:
			return err
		}
	}
}

// Sleep puts the device back into sleep mode.
func (d *Device) Sleep() error {
	if !d.configured {
		return nil
	}
	return d.writeReg(regCtrlMeas, d.ctrlMeas(modeSleep))
}

// Last returns the most recent collected sample.
func (d *Device) Last() Sample { return d.last }

// Sample holds one compensated measurement.
type Sample struct {
	TemperatureC float64
	HumidityRH   float64
	PressurePa   float64
	GasOhms      float64
	GasValid     bool // heater reached target and gas reading is valid
	HeaterStable bool
	RawGasRange  uint8
	RawGasADC    uint16
	RawTempADC   uint32
	RawPressADC  uint32
	RawHumADC    uint16
}

// PressureHPa returns pressure in hectopascal.
func (s Sample) PressureHPa() float64 { return s.PressurePa / 100 }

// ---- register helpers ----

func (d *Device) readReg(reg byte) (byte, error) {
	var r [1]byte
	if err := d.bus.Tx(d.Address, []byte{reg}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (d *Device) writeReg(reg, val byte) error {
	return d.bus.Tx(d.Address, []byte{reg, val}, nil)
}

func (d *Device) readCalibration() error {
	var c1 [lenCoeff1]byte
	var c2 [lenCoeff2]byte
	if err := d.bus.Tx(d.Address, []byte{regCoeff1}, c1[:]); err != nil {
		return err
	}
	if err := d.bus.Tx(d.Address, []byte{regCoeff2}, c2[:]); err != nil {
		return err
	}
	heatVal, err := d.readReg(regResHeatVal)
	if err != nil {
		return err
	}
	heatRng, err := d.readReg(regResHeatRng)
	if err != nil {
		return err
	}
	swErr, err := d.readReg(regRangeSwErr)
	if err != nil {
		return err
	}
	d.calib = parseCalibration(c1, c2, heatVal, heatRng, swErr)
	return nil
}

func oversampleCycles(o Oversampling) int {
	switch o {
	case Oversample1x:
		return 1
	case Oversample2x:
		return 2
	case Oversample4x:
		return 4
	case Oversample8x:
		return 8
	case Oversample16x:
		return 16
	default:
		return 0
	}
}

// encodeGasWait encodes a heater duration into gas_wait_x: 6-bit value
// with a 2-bit multiplier (1, 4, 16, 64) in milliseconds.
func encodeGasWait(d time.Duration) byte {
	ms := d.Milliseconds()
	if ms >= 0xFC0 {
		return 0xFF
	}
	var factor byte
	for ms > 0x3F {
		ms /= 4
		factor++
	}
	return byte(ms) + factor*64
}
