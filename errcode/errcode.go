// Package errcode gives dsmed a stable, comparable error identifier instead
// of raw error strings. The IPHB socket frames and the lifeguard replies do
// not carry these codes; the state engine attaches one to its log entries.
package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"
	Timeout        Code = "timeout"

	// State engine (spec.md §4.1, §7).
	InvalidTelinit  Code = "invalid_telinit"  // telinit name not recognized; logged, ignored
	TimerCreateFail Code = "timer_create"     // fatal: terminate so the HW watchdog resets
	StateReqDenied  Code = "state_req_denied" // mounted_to_pc denial (reason carried separately)

	// Lifeguard (spec.md §4.4).
	DuplicateProcess Code = "duplicate_process"
	NotPrivileged    Code = "not_privileged"
	NoSuchProcess    Code = "no_such_process"
	SpawnFailed      Code = "spawn_failed"

	// IPHB (spec.md §4.3).
	UnknownClient Code = "unknown_client"
	BadFrame      Code = "bad_frame"

	Error Code = "error" // generic fallback
)

// E is an optional wrapper for when a caller wants to keep an operation name
// and an underlying cause alongside the bus-facing Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
