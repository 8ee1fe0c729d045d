// Package counter is the persistent counter store: a durable mapping of
// small namespaced keys to uint32 counters that survives power loss.
package counter

import (
	"context"
	"errors"
	"sync"

	"sensornode-go/errcode"
	"sensornode-go/types"
)

// Key names one counter record.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string { return k.Namespace + "/" + k.Name }

// Store is the counter store contract. Set must not return until the
// value is durably committed.
type Store interface {
	Get(ctx context.Context, key Key) (value uint32, ok bool, err error)
	Set(ctx context.Context, key Key, value uint32) error
	Close() error
}

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("counter: store closed")

// Increment performs one read-modify-write of key: read (absent = 0), add
// one, commit, then read the committed value back. On success committed
// is the durable value.
//
// When the store fails, Increment still returns the best value it has
// (read value + 1, or fallback + 1 when the read itself failed) together
// with a StoreFault error, so callers can degrade instead of halting.
func Increment(ctx context.Context, s Store, key Key, fallback types.WakeCounter) (types.WakeCounter, error) {
	cur, _, err := s.Get(ctx, key)
	if err != nil {
		return fallback + 1, errcode.New(errcode.StoreFault, "get "+key.String(), err)
	}
	next := types.WakeCounter(cur) + 1
	if err := s.Set(ctx, key, uint32(next)); err != nil {
		return next, errcode.New(errcode.StoreFault, "set "+key.String(), err)
	}
	saved, ok, err := s.Get(ctx, key)
	if err != nil {
		return next, errcode.New(errcode.StoreFault, "readback "+key.String(), err)
	}
	if !ok {
		return next, &errcode.E{C: errcode.StoreFault, Op: "readback " + key.String(), Msg: "record missing after commit"}
	}
	return types.WakeCounter(saved), nil
}

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	vals   map[Key]uint32
	closed bool
}

func NewMemory() *Memory { return &Memory{vals: map[Key]uint32{}} }

func (m *Memory) Get(_ context.Context, key Key) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, ErrClosed
	}
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key Key, value uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.vals[key] = value
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Unavailable is a Store whose every operation fails with Err. The agent
// uses it when the database cannot be opened, so each cycle records a
// StoreFault and counts from the in-memory value.
type Unavailable struct{ Err error }

func (u Unavailable) Get(context.Context, Key) (uint32, bool, error) { return 0, false, u.Err }
func (u Unavailable) Set(context.Context, Key, uint32) error         { return u.Err }
func (u Unavailable) Close() error                                   { return nil }
