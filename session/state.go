package session

import "fmt"

// State is the lifecycle position of one intercepted request.
type State uint8

const (
	Idle State = iota
	Started
	HeadersReceived
	Redirected
	BodyStreaming
	Finished
	Failed
)

var stateNames = [...]string{
	Idle:            "idle",
	Started:         "started",
	HeadersReceived: "headers_received",
	Redirected:      "redirected",
	BodyStreaming:   "body_streaming",
	Finished:        "finished",
	Failed:          "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

// transitions lists the allowed moves. Failed is reachable from every
// non-terminal state.
var transitions = map[State][]State{
	Idle:            {Started, Failed},
	Started:         {HeadersReceived, Redirected, Failed},
	HeadersReceived: {BodyStreaming, Finished, Failed},
	Redirected:      {Finished, Failed},
	BodyStreaming:   {BodyStreaming, Finished, Failed},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
