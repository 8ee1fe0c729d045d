//go:build linux

package netsession

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"sensornode-go/types"
)

// Netlink is the production LinkDriver. Association and DHCP are owned by
// the system (wpa_supplicant, systemd-networkd, NetworkManager); the agent
// only toggles the interface and observes it.
type Netlink struct{}

func NewNetlink() Netlink { return Netlink{} }

func (Netlink) LinkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netlink: %s: %w", name, err)
	}
	return netlink.LinkSetUp(link)
}

func (Netlink) LinkDown(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netlink: %s: %w", name, err)
	}
	return netlink.LinkSetDown(link)
}

func (Netlink) Watch(ctx context.Context, name string, emit func(types.NetEvent)) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netlink: %s: %w", name, err)
	}
	idx := link.Attrs().Index

	done := make(chan struct{})
	linkCh := make(chan netlink.LinkUpdate, 16)
	addrCh := make(chan netlink.AddrUpdate, 16)
	if err := netlink.LinkSubscribe(linkCh, done); err != nil {
		close(done)
		return fmt.Errorf("netlink: link subscribe: %w", err)
	}
	if err := netlink.AddrSubscribe(addrCh, done); err != nil {
		close(done)
		return fmt.Errorf("netlink: addr subscribe: %w", err)
	}

	// Addresses configured before the subscription existed.
	if addrs, err := netlink.AddrList(link, netlink.FAMILY_V4); err == nil {
		for _, a := range addrs {
			if a.IPNet != nil && a.IP.IsGlobalUnicast() {
				emit(types.NetEvent{Kind: types.NetGotAddress, Interface: name, Addr: a.IPNet.String()})
				break
			}
		}
	}

	go pump(ctx, name, idx, linkCh, addrCh, done, emit)
	return nil
}

// pump turns updates for interface idx into events until ctx ends or a
// subscription closes. It then closes done and drains both channels until
// netlink closes them, so the receive goroutines never block on a full
// buffer.
func pump(ctx context.Context, name string, idx int, linkCh <-chan netlink.LinkUpdate, addrCh <-chan netlink.AddrUpdate, done chan struct{}, emit func(types.NetEvent)) {
	translate(ctx, name, idx, linkCh, addrCh, emit)
	close(done)
	for linkCh != nil || addrCh != nil {
		select {
		case _, ok := <-linkCh:
			if !ok {
				linkCh = nil
			}
		case _, ok := <-addrCh:
			if !ok {
				addrCh = nil
			}
		}
	}
}

func translate(ctx context.Context, name string, idx int, linkCh <-chan netlink.LinkUpdate, addrCh <-chan netlink.AddrUpdate, emit func(types.NetEvent)) {
	var last types.NetEventKind
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-linkCh:
			if !ok {
				return
			}
			attrs := u.Attrs()
			if attrs == nil || attrs.Index != idx {
				continue
			}
			kind := types.NetStarted
			if attrs.Flags&net.FlagUp == 0 || attrs.OperState == netlink.OperDown {
				kind = types.NetDisconnected
			} else if attrs.OperState != netlink.OperUp {
				continue
			}
			if kind == last {
				continue
			}
			last = kind
			emit(types.NetEvent{Kind: kind, Interface: name})
		case u, ok := <-addrCh:
			if !ok {
				return
			}
			if u.LinkIndex != idx || u.LinkAddress.IP.To4() == nil {
				continue
			}
			if u.NewAddr {
				if !u.LinkAddress.IP.IsGlobalUnicast() {
					continue
				}
				last = types.NetGotAddress
				emit(types.NetEvent{Kind: types.NetGotAddress, Interface: name, Addr: u.LinkAddress.String()})
			} else {
				last = types.NetDisconnected
				emit(types.NetEvent{Kind: types.NetDisconnected, Interface: name})
			}
		}
	}
}
