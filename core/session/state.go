package session

// State is the lifecycle state of a realtime session.
//
// A session moves through a closed set of transitions:
//
//	idle -> connecting -> connected <-> processing
//	any -> error (on an error frame or read failure)
//	connected/processing/error -> disconnected (on Close)
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateProcessing   State = "processing"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)
