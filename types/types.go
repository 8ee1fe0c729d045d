package types

import (
	"strconv"
	"time"
)

// WakeCounter counts wake events since first boot. It wraps at 2^32.
type WakeCounter uint32

// FirmwareVersion is an opaque version token. Two versions are the same
// firmware only when the strings are identical.
type FirmwareVersion string

func (v FirmwareVersion) String() string { return string(v) }

// ---- Network session ----

type SessionState uint8

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionFailed:
		return "failed"
	default:
		return "session(" + strconv.Itoa(int(s)) + ")"
	}
}

// NetEventKind mirrors the network stack notifications the session waits on.
type NetEventKind uint8

const (
	NetStarted NetEventKind = iota + 1
	NetDisconnected
	NetGotAddress
)

func (k NetEventKind) String() string {
	switch k {
	case NetStarted:
		return "started"
	case NetDisconnected:
		return "disconnected"
	case NetGotAddress:
		return "got_address"
	default:
		return "net_event(" + strconv.Itoa(int(k)) + ")"
	}
}

// NetEvent is published (retained) by the link watcher.
type NetEvent struct {
	Kind      NetEventKind `json:"kind"`
	Interface string       `json:"interface"`
	Addr      string       `json:"addr,omitempty"` // CIDR, set for NetGotAddress
	TS        int64        `json:"ts_ms"`
}

// ---- Wake cycle ----

// CycleOutcome summarises one wake cycle for logs and metrics. Not persisted.
type CycleOutcome uint8

const (
	OutcomeSensorFailed CycleOutcome = iota + 1
	OutcomeNetworkFailed
	OutcomePublished
	OutcomePublishFailed
	OutcomeUpdateApplied
	OutcomeUpdateNotAvailable
)

// Outcomes lists every outcome, in declaration order.
var Outcomes = []CycleOutcome{
	OutcomeSensorFailed,
	OutcomeNetworkFailed,
	OutcomePublished,
	OutcomePublishFailed,
	OutcomeUpdateApplied,
	OutcomeUpdateNotAvailable,
}

func (o CycleOutcome) String() string {
	switch o {
	case OutcomeSensorFailed:
		return "sensor_failed"
	case OutcomeNetworkFailed:
		return "network_failed"
	case OutcomePublished:
		return "published"
	case OutcomePublishFailed:
		return "publish_failed"
	case OutcomeUpdateApplied:
		return "update_applied"
	case OutcomeUpdateNotAvailable:
		return "update_not_available"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// CycleReport is what one run of the wake controller produced.
type CycleReport struct {
	Count         WakeCounter
	Outcome       CycleOutcome
	Published     bool
	UpdateChecked bool
	Slept         bool
	Faults        []error
	Started       time.Time
	Duration      time.Duration
}
