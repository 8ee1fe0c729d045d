//go:build !linux

package i2cdev

import "errors"

var errUnsupported = errors.New("i2cdev: only supported on linux")

func Open(path string) (*Bus, error) { return nil, errUnsupported }

func (b *Bus) rdwr(uint16, []byte, []byte) error { return errUnsupported }

func (b *Bus) close() error { return nil }
