// Package listener implements the consolidated event-stream abstraction
// prescribed by spec §9's "listener fan-out" redesign note: rather than the
// source's several overlapping listener interfaces, this module produces a
// single stream of tagged-variant Events; external adapters (the façade)
// filter by variant instead of implementing one callback interface per
// concern.
package listener

import "time"

// Kind tags which variant an Event carries.
type Kind int

const (
	RegistrationStateChanged Kind = iota
	IncomingCall
	CallRinging
	CallConnected
	CallEnded
	CallFailed
)

func (k Kind) String() string {
	switch k {
	case RegistrationStateChanged:
		return "RegistrationStateChanged"
	case IncomingCall:
		return "IncomingCall"
	case CallRinging:
		return "CallRinging"
	case CallConnected:
		return "CallConnected"
	case CallEnded:
		return "CallEnded"
	case CallFailed:
		return "CallFailed"
	default:
		return "Unknown"
	}
}

// CallInfo is the payload shared by every call-related event variant.
type CallInfo struct {
	AccountKey string
	CallID     string
	Remote     string
	Direction  string // "incoming" | "outgoing"
	StartedAt  time.Time
}

// Event is the single tagged-union type every listener callback receives
// (spec §6 "Listener surface", §9 redesign note). Only the fields relevant
// to Kind are populated; callers switch on Kind before reading them.
type Event struct {
	Kind Kind

	// AccountKey is set on every event; State only on
	// RegistrationStateChanged.
	AccountKey string
	State      string

	// Call is set on every call event, CallEnded and CallFailed included.
	Call CallInfo

	// Reason carries CallEnded's end reason; Err the error behind CallFailed,
	// or behind CallEnded when one closed the call.
	Reason string
	Err    error
}

// Sink receives the event stream. Delivery order for events about the same
// call matches state-machine transition order (spec §6).
type Sink interface {
	Notify(Event)
}

// Func adapts a plain function to Sink.
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }
