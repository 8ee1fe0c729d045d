//go:build !linux

package netsession

import (
	"context"
	"errors"

	"sensornode-go/types"
)

var errUnsupported = errors.New("netsession: netlink is only available on linux")

type Netlink struct{}

func NewNetlink() Netlink { return Netlink{} }

func (Netlink) LinkUp(string) error   { return errUnsupported }
func (Netlink) LinkDown(string) error { return errUnsupported }

func (Netlink) Watch(context.Context, string, func(types.NetEvent)) error {
	return errUnsupported
}
