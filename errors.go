package nsqpool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg      = errors.New("pool: invalid options")
	ErrInvalidStrategy = errors.New("pool: unknown strategy")
	ErrInvalidDefer    = errors.New("pool: defer must not be negative")
	ErrEmptyBatch      = errors.New("pool: cannot publish an empty batch")
	ErrNilConnection   = errors.New("pool: connection is nil")
	ErrNilMessage      = errors.New("pool: message is nil")
	ErrNoOutcome       = errors.New("pool: connection returned neither an outcome nor an error")
	ErrInsufficientAck = errors.New("pool: not enough nodes acknowledged the write")

	ErrJoinCluster = errors.New("membership: could not join cluster")
	ErrMetaTooLong = errors.New("membership: advertised address does not fit in node metadata")

	ErrDial              = errors.New("transport: could not reach peer")
	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrStreamRead        = errors.New("transport: error reading from a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
)

var (
	QErrStreamCancelled         = quic.StreamErrorCode(0x1)
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

const noConnectionsLine = "There are no connections in the pool."

// InsufficientAckError is returned by a publish when fewer connections
// than the strategy requires acknowledged the write.
type InsufficientAckError struct {
	Strategy Strategy
	// Required and Success are the threshold and the number of acks.
	Required int
	Success  int
	// Connections is the size of the pool when the publish started.
	Connections int
	// Attempts holds one record per contacted connection, in pool order.
	Attempts []Attempt
}

// Details returns the diagnostic lines of the publish.
func (e *InsufficientAckError) Details() []string {
	lines := make([]string, 0, len(e.Attempts)+1)
	if e.Connections == 0 {
		lines = append(lines, noConnectionsLine)
	}
	for _, attempt := range e.Attempts {
		lines = append(lines, attempt.String())
	}
	return lines
}

func (e *InsufficientAckError) Error() string {
	return fmt.Sprintf(
		"Required at least %d nodes to be successful, but only %d were, details:\n\t%s",
		e.Required,
		e.Success,
		strings.Join(e.Details(), "\n\t"),
	)
}

func (e *InsufficientAckError) Unwrap() error {
	return ErrInsufficientAck
}
