package nsqpool

import "fmt"

// AttemptKind classifies the result of publishing on one connection.
type AttemptKind uint8

const (
	// AttemptAcked means the peer accepted the write.
	AttemptAcked AttemptKind = iota + 1
	// AttemptRejected means the peer answered but refused the write.
	AttemptRejected
	// AttemptFailed means the write did not reach the peer.
	AttemptFailed
)

func (kind AttemptKind) String() string {
	switch kind {
	case AttemptAcked:
		return "acked"
	case AttemptRejected:
		return "rejected"
	case AttemptFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt records what happened on one connection during a publish.
type Attempt struct {
	// Connection is the identifier of the connection.
	Connection string
	Kind       AttemptKind
	// Code is the status answered by the peer, empty when Kind is
	// AttemptFailed.
	Code string
	// Err is the transport error, only set when Kind is AttemptFailed.
	Err error
}

func (a Attempt) OK() bool {
	return a.Kind == AttemptAcked
}

// String renders the diagnostic line of the attempt.
func (a Attempt) String() string {
	if a.Kind == AttemptFailed {
		return fmt.Sprintf("%s -> has failed with socket exception: %v.", a.Connection, a.Err)
	}
	return fmt.Sprintf("%s -> %s", a.Connection, a.Code)
}
