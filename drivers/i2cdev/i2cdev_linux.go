//go:build linux

package i2cdev

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// From <linux/i2c-dev.h> and <linux/i2c.h>.
const (
	ioctlI2CRdwr = 0x0707
	flagRead     = 0x0001
)

// i2cMsg matches struct i2c_msg; Go pads buf to pointer alignment the same
// way the C compiler does.
type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   *byte
}

type rdwrData struct {
	msgs  *i2cMsg
	nmsgs uint32
}

// Open opens a Linux I2C adapter, e.g. "/dev/i2c-1".
func Open(path string) (*Bus, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("i2cdev: open %s: %w", path, err)
	}
	return &Bus{path: path, fd: fd}, nil
}

func (b *Bus) rdwr(addr uint16, w, r []byte) error {
	msgs := make([]i2cMsg, 0, 2)
	if len(w) > 0 {
		msgs = append(msgs, i2cMsg{addr: addr, len: uint16(len(w)), buf: &w[0]})
	}
	if len(r) > 0 {
		msgs = append(msgs, i2cMsg{addr: addr, flags: flagRead, len: uint16(len(r)), buf: &r[0]})
	}
	data := rdwrData{msgs: &msgs[0], nmsgs: uint32(len(msgs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), ioctlI2CRdwr, uintptr(unsafe.Pointer(&data)))
	runtime.KeepAlive(msgs)
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	switch errno {
	case 0:
		return nil
	case unix.ENXIO, unix.EREMOTEIO:
		return fmt.Errorf("%w %#02x", ErrNoDevice, addr)
	default:
		return fmt.Errorf("i2cdev: %s addr %#02x: %w", b.path, addr, errno)
	}
}

func (b *Bus) close() error { return unix.Close(b.fd) }
