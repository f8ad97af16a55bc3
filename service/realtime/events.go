package realtime

import "fmt"

// State of the single connection a ConnManager owns.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Frame is an inbound MESSAGE as handlers see it.
type Frame struct {
	Destination  string
	Subscription string
	MessageID    string
	Headers      map[string]string
	Body         []byte
}

// Event is the closed set of things a ConnManager reports.
type Event interface{ isEvent() }

type Connected struct {
	Reconnect bool
	Attempt   int // reconnect attempt that succeeded, 0 for Connect
}

// Disconnected: Terminal means no retry is pending; Explicit means Disconnect() caused it.
type Disconnected struct {
	Terminal bool
	Explicit bool
	Err      error
}

type FrameEvent struct{ Frame Frame }

type ErrorEvent struct {
	Kind ErrorKind
	Err  error
}

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (FrameEvent) isEvent()   {}
func (ErrorEvent) isEvent()   {}

type ErrorKind int

const (
	KindConnection ErrorKind = iota + 1 // handshake or auth failed, not retried
	KindTransient                       // dropped, retry pending
	KindFatal                           // retries exhausted
	KindParse                           // undecodable frame, connection kept
	KindRejected                        // server refused a SEND, connection kept
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindParse:
		return "parse"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
