// Package i2cdev implements the tinygo.org/x/drivers I2C interface on top
// of a Linux /dev/i2c-N character device, so the register-level drivers in
// this tree run unchanged on a Linux board.
package i2cdev

import (
	"errors"
	"sync"

	"tinygo.org/x/drivers"
)

var (
	ErrClosed   = errors.New("i2cdev: bus closed")
	ErrEmptyTx  = errors.New("i2cdev: empty transaction")
	ErrNoDevice = errors.New("i2cdev: no device at address")
)

// Bus is one open I2C adapter. Tx calls are serialised.
type Bus struct {
	mu   sync.Mutex
	path string
	fd   int
}

var _ drivers.I2C = (*Bus)(nil)

// Path returns the device node the bus was opened from.
func (b *Bus) Path() string { return b.path }

// Tx performs a write followed by a repeated-start read in one combined
// transaction when both w and r are given.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	if len(w) == 0 && len(r) == 0 {
		return ErrEmptyTx
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return ErrClosed
	}
	return b.rdwr(addr, w, r)
}

// Probe reports whether a device ACKs a one-byte read at addr.
func (b *Bus) Probe(addr uint16) bool {
	var buf [1]byte
	return b.Tx(addr, nil, buf[:]) == nil
}

// Close releases the device node. Safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := b.close()
	b.fd = -1
	return err
}

// Prober is anything that can test for a device at an address.
type Prober interface {
	Probe(addr uint16) bool
}

// Scan probes every address in [first, last] and returns the responders
// in ascending order.
func Scan(p Prober, first, last uint16) []uint16 {
	var found []uint16
	for addr := first; addr <= last && addr <= 0x7F; addr++ {
		if p.Probe(addr) {
			found = append(found, addr)
		}
	}
	return found
}
