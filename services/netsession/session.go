// Package netsession acquires and releases the node's network link for one
// wake cycle.
//
// The link watcher publishes retained types.NetEvent messages on
// net/<ifname>/event. Connect subscribes before raising the link, and the
// bus hands a new subscriber the retained event under the same lock that
// publishes, so an address obtained before the wait begins is still seen.
package netsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sensornode-go/bus"
	"sensornode-go/errcode"
	"sensornode-go/services/config"
	"sensornode-go/types"
	"sensornode-go/x/clock"
	"sensornode-go/x/logging"
)

// Session is what the wake controller needs from the network.
type Session interface {
	// Connect returns nil once the link has an address. A timeout is
	// reported as a NetworkFault wrapping errcode.Timeout.
	Connect(ctx context.Context, timeout time.Duration) error
	// Disconnect is idempotent and safe without a prior Connect.
	Disconnect() error
	State() types.SessionState
}

// LinkDriver manipulates and observes one network interface.
type LinkDriver interface {
	LinkUp(name string) error
	LinkDown(name string) error
	// Watch reports events for name through emit until ctx is cancelled.
	// It returns once the underlying subscriptions are in place.
	Watch(ctx context.Context, name string, emit func(types.NetEvent)) error
}

type Options struct {
	Interface   string
	ReleaseLink bool
	MaxRelinks  int
}

func OptionsFromConfig(c config.NetworkConfig) Options {
	o := Options{Interface: c.Interface, MaxRelinks: c.MaxRelinks, ReleaseLink: true}
	if c.ReleaseLink != nil {
		o.ReleaseLink = *c.ReleaseLink
	}
	return o
}

// EventTopic is the retained topic carrying the latest event for ifname.
func EventTopic(ifname string) bus.Topic { return bus.T("net", ifname, "event") }

// LinkSession drives one interface through a LinkDriver.
type LinkSession struct {
	opts   Options
	driver LinkDriver
	conn   *bus.Connection
	topic  bus.Topic
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	state       types.SessionState
	gen         uint64
	stopWatch   context.CancelFunc
	linkRaised  bool
	lastAddress string
}

var _ Session = (*LinkSession)(nil)

func New(opts Options, driver LinkDriver, b *bus.Bus, clk clock.Clock, logger *slog.Logger) *LinkSession {
	if opts.Interface == "" {
		opts.Interface = "wlan0"
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &LinkSession{
		opts:   opts,
		driver: driver,
		conn:   b.NewConnection(),
		topic:  EventTopic(opts.Interface),
		clock:  clk,
		logger: logging.Component(logger, "netsession").With("interface", opts.Interface),
		state:  types.SessionDisconnected,
	}
}

func (s *LinkSession) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address is the address reported when the session last connected.
func (s *LinkSession) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAddress
}

func (s *LinkSession) setState(st types.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// emitter returns the publish hook for one watch generation. Events from
// a stopped watcher are dropped so they cannot repopulate the retained
// slot after Disconnect cleared it.
func (s *LinkSession) emitter(gen uint64) func(types.NetEvent) {
	return func(ev types.NetEvent) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return
		}
		if ev.Interface == "" {
			ev.Interface = s.opts.Interface
		}
		if ev.TS == 0 {
			ev.TS = s.clock.Now().UnixMilli()
		}
		s.conn.Publish(bus.NewMessage(s.topic, ev, true))
	}
}

func (s *LinkSession) fail(op string, err error) error {
	s.setState(types.SessionFailed)
	return errcode.New(errcode.NetworkFault, op, err)
}

func (s *LinkSession) Connect(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.state == types.SessionConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = types.SessionConnecting
	s.gen++
	gen := s.gen
	if s.stopWatch != nil {
		s.stopWatch()
	}
	watchCtx, stop := context.WithCancel(context.Background())
	s.stopWatch = stop
	s.mu.Unlock()

	deadline := s.clock.After(timeout)

	// Subscribe first: anything published from here on, or already
	// retained, reaches us.
	sub := s.conn.Subscribe(s.topic)
	defer s.conn.Unsubscribe(sub)

	if err := s.driver.Watch(watchCtx, s.opts.Interface, s.emitter(gen)); err != nil {
		return s.fail("watch "+s.opts.Interface, err)
	}
	if err := s.driver.LinkUp(s.opts.Interface); err != nil {
		return s.fail("link up "+s.opts.Interface, err)
	}
	s.mu.Lock()
	s.linkRaised = true
	s.mu.Unlock()
	s.logger.Debug("link up requested", "timeout", timeout)

	relinks := 0
	for {
		select {
		case <-ctx.Done():
			return s.fail("connect "+s.opts.Interface, ctx.Err())
		case <-deadline:
			return s.fail("connect "+s.opts.Interface, errcode.Timeout)
		case msg, ok := <-sub.Channel():
			if !ok {
				return s.fail("connect "+s.opts.Interface, errors.New("event subscription closed"))
			}
			ev, ok := msg.Payload.(types.NetEvent)
			if !ok {
				continue
			}
			switch ev.Kind {
			case types.NetGotAddress:
				s.mu.Lock()
				s.state = types.SessionConnected
				s.lastAddress = ev.Addr
				s.mu.Unlock()
				s.logger.Info("network connected", "addr", ev.Addr, "relinks", relinks)
				return nil
			case types.NetStarted:
				s.logger.Debug("link started")
			case types.NetDisconnected:
				if relinks >= s.opts.MaxRelinks {
					s.logger.Debug("link disconnected, relink budget spent", "relinks", relinks)
					continue
				}
				relinks++
				s.logger.Debug("link disconnected, relinking", "attempt", relinks)
				if err := s.relink(); err != nil {
					s.logger.Warn("relink failed", "error", err)
				}
			}
		}
	}
}

func (s *LinkSession) relink() error {
	if err := s.driver.LinkDown(s.opts.Interface); err != nil {
		return err
	}
	return s.driver.LinkUp(s.opts.Interface)
}

// Disconnect stops the watcher, clears the retained event and, when
// ReleaseLink is set, takes the link down.
func (s *LinkSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.conn.Publish(bus.NewMessage(s.topic, nil, true))

	var err error
	if s.linkRaised && s.opts.ReleaseLink {
		if err = s.driver.LinkDown(s.opts.Interface); err != nil {
			err = errcode.New(errcode.NetworkFault, "link down "+s.opts.Interface, err)
		}
	}
	s.linkRaised = false
	s.state = types.SessionDisconnected
	return err
}
