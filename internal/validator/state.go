// Package validator implements the validator device: the scan state machine, the validation
// engine with its online, offline and hybrid modes, the local store of offline acceptances
// and the background reconciliation client.
package validator

import "fmt"

// State is the validator's scan state.
type State uint8

const (
	StateIdle State = iota
	StateScanning
	StateVerifying
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateVerifying:
		return "verifying"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Event drives a state transition.
type Event uint8

const (
	EventScan   Event = iota // a payload was presented
	EventParsed              // payload decoded, checks start
	EventAccept              // decision: accept
	EventReject              // decision: reject
	EventReset               // outcome shown, back to idle
)

func (e Event) String() string {
	switch e {
	case EventScan:
		return "scan"
	case EventParsed:
		return "parsed"
	case EventAccept:
		return "accept"
	case EventReject:
		return "reject"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

type edge struct {
	from State
	on   Event
}

var transitions = map[edge]State{
	{StateIdle, EventScan}:        StateScanning,
	{StateScanning, EventParsed}:  StateVerifying,
	{StateScanning, EventReject}:  StateRejected,
	{StateVerifying, EventAccept}: StateAccepted,
	{StateVerifying, EventReject}: StateRejected,
	{StateAccepted, EventReset}:   StateIdle,
	{StateRejected, EventReset}:   StateIdle,
}

// Next is the pure transition function. Undefined edges are errors and leave the state unchanged.
func Next(s State, e Event) (State, error) {
	to, ok := transitions[edge{s, e}]
	if !ok {
		return s, fmt.Errorf("validator: no transition from %s on %s", s, e)
	}
	return to, nil
}
