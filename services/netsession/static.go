package netsession

import (
	"context"

	"sensornode-go/types"
)

// Static is a LinkDriver for links the agent must not touch (dry runs,
// wired bench setups): LinkUp and LinkDown do nothing and Watch reports
// an address immediately.
type Static struct {
	Addr string
}

func (Static) LinkUp(string) error   { return nil }
func (Static) LinkDown(string) error { return nil }

func (s Static) Watch(_ context.Context, name string, emit func(types.NetEvent)) error {
	emit(types.NetEvent{Kind: types.NetGotAddress, Interface: name, Addr: s.Addr})
	return nil
}
