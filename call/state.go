// Package call holds the record of one outbound call attempt and the state
// machine that governs it.
package call

import (
	"errors"
	"fmt"
)

// State represents states of an outbound call.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateRegistered
	StateInviting
	StateRinging
	StateEstablished
	StateTerminating
	StateEnded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateConnecting:  "connecting",
	StateRegistering: "registering",
	StateRegistered:  "registered",
	StateInviting:    "inviting",
	StateRinging:     "ringing",
	StateEstablished: "established",
	StateTerminating: "terminating",
	StateEnded:       "ended",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// ErrInvalidTransition is returned for a transition the state machine does
// not allow.
var ErrInvalidTransition = errors.New("invalid call state transition")

// transitions lists the allowed forward moves. StateFailed is reachable from
// every non-terminal state and is not listed.
var transitions = map[State][]State{
	StateIdle:        {StateConnecting, StateRegistering, StateRegistered},
	StateConnecting:  {StateRegistering, StateRegistered},
	StateRegistering: {StateRegistered},
	StateRegistered:  {StateInviting},
	StateInviting:    {StateRinging, StateEstablished},
	StateRinging:     {StateEstablished},
	StateEstablished: {StateTerminating, StateEnded},
	StateTerminating: {StateEnded},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
