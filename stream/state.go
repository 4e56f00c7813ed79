package stream

import "fmt"

// State is the lifecycle position of a Subscription.
type State int32

const (
	// StateIdle means subscribed with nothing sent yet.
	StateIdle State = iota
	// StateStreaming means bytes are flowing.
	StateStreaming
	// StateThrottled means the client's rate budget is exhausted and the
	// subscription waits out the retry-after.
	StateThrottled
	// StateDraining means the device went away and residual buffered
	// bytes are being delivered.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

var stateNames = [...]string{"idle", "streaming", "throttled", "draining", "closed"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Reasons carried by terminal frames.
const (
	ReasonClientClosed      = "client closed"
	ReasonShutdown          = "server shutdown"
	ReasonDeviceUnavailable = "device unavailable"
	ReasonDrainTimeout      = "drain timeout"
	ReasonRefused           = "rate budget refused"
)
