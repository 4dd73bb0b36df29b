package orchestrator

import (
	"errors"
	"fmt"
)

// State is the lifecycle phase of one completion.
type State int

const (
	StateIdle State = iota
	StateAssembling
	StateDispatching
	StateStreaming
	StateToolRoundTrip
	StateFinalizing
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateAssembling:    "assembling",
	StateDispatching:   "dispatching",
	StateStreaming:     "streaming",
	StateToolRoundTrip: "tool_round_trip",
	StateFinalizing:    "finalizing",
	StateDone:          "done",
	StateFailed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ErrNoMessages is returned for a request without any message.
var ErrNoMessages = errors.New("request has no messages")

// ConfigurationError is raised before anything is sent upstream: unknown
// model, unusable credentials, unknown template, or an empty request. It
// is never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration error: " + e.Reason + ": " + e.Err.Error()
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configError(reason string, err error) *ConfigurationError {
	return &ConfigurationError{Reason: reason, Err: err}
}
