// Package cyerr implements cyris's error taxonomy: every provider-facing
// call is wrapped with an operation name, a range id, and a typed kind
// so the orchestrator and the CLI can classify failures uniformly
// instead of inspecting error strings.
package cyerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the orchestrator's partial-failure
// policy and the CLI's exit-code/verbose-output behaviour.
type Kind string

const (
	ConfigError         Kind = "config"
	VirtualizationError Kind = "virtualization"
	NetworkError        Kind = "network"
	ResourceError       Kind = "resource"
	GatewayError        Kind = "gateway"
	TunnelError         Kind = "tunnel"
	TaskError           Kind = "task"
)

// Error is a typed, tagged wrapper around an underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	RangeID string
	Err     error
}

func (e *Error) Error() string {
	if e.RangeID != "" {
		return fmt.Sprintf("%s: range %s: %s: %v", e.Kind, e.RangeID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind/op/rangeID. Returns nil if err is nil.
func Wrap(kind Kind, op, rangeID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, RangeID: rangeID, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is
// a *Error. Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is, or wraps, a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
