package nsqpool

import (
	"context"
	"time"
)

// Message is an opaque payload owned by the caller. The pool never retains
// it after a publish returns.
type Message interface {
	Body() []byte
}

// Bytes is the simplest [Message].
type Bytes []byte

func (b Bytes) Body() []byte {
	return b
}

// Outcome is what a single peer answered to a publish.
type Outcome interface {
	// OK reports whether the peer accepted the write.
	OK() bool
	// Code is a short status for diagnostics, e.g. "OK" or "E_BAD_TOPIC".
	Code() string
}

type outcome struct {
	ok   bool
	code string
}

func (o outcome) OK() bool     { return o.ok }
func (o outcome) Code() string { return o.code }

// NewOutcome returns a static [Outcome].
func NewOutcome(ok bool, code string) Outcome {
	return outcome{ok: ok, code: code}
}

// Connection to a single peer of the cluster.
//
// A non-nil error means the write could not be carried out at the
// transport level (dial failure, broken stream, cancelled context...). A
// peer refusing the write is not an error: it returns an [Outcome] which
// is not OK.
//
// String MUST return the same identifier for the lifetime of the
// connection, it is used in diagnostics.
type Connection interface {
	Publish(ctx context.Context, topic string, msg Message) (Outcome, error)
	PublishDeferred(ctx context.Context, topic string, msg Message, delay time.Duration) (Outcome, error)
	PublishBatch(ctx context.Context, topic string, msgs []Message) (Outcome, error)
	String() string
}
