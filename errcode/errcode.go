package errcode

import "errors"

// Code is a stable, log-facing fault identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Fault classes of a wake cycle.
const (
	OK Code = "ok"

	SensorFault      Code = "sensor_fault"
	NetworkFault     Code = "network_fault"
	PublishFault     Code = "publish_fault"
	UpdateCheckFault Code = "update_check_fault"
	UpdateApplyFault Code = "update_apply_fault"
	StoreFault       Code = "store_fault"

	Timeout       Code = "timeout"
	NotReady      Code = "not_ready"
	InvalidConfig Code = "invalid_config"
	Panic         Code = "panic"

	Error Code = "error" // generic fallback
)

// Codes lists the fault classes recorded by the health metrics.
var Codes = []Code{
	SensorFault, NetworkFault, PublishFault,
	UpdateCheckFault, UpdateApplyFault, StoreFault, Panic,
}

// E keeps a code together with the operation and cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

// New wraps err under code c for operation op.
func New(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, SensorFault) match a wrapped *E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Of extracts the outermost Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch x := e.(type) {
		case Code:
			return x
		case coder:
			return x.Code()
		}
	}
	return Error
}
