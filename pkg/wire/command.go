package wire

import (
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind of a publish command.
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindPub
	KindDeferredPub
	KindMultiPub
)

func (k Kind) String() string {
	switch k {
	case KindPub:
		return "PUB"
	case KindDeferredPub:
		return "DPUB"
	case KindMultiPub:
		return "MPUB"
	default:
		return "UNSPECIFIED"
	}
}

const (
	cmdFieldKind  protowire.Number = 1
	cmdFieldTopic protowire.Number = 2
	cmdFieldDefer protowire.Number = 3
	cmdFieldBody  protowire.Number = 4
)

// Command asks a peer to publish Bodies to Topic.
//
// PUB and DPUB carry exactly one body, MPUB at least one. Defer is only
// meaningful for DPUB and travels on the wire with millisecond precision.
type Command struct {
	Kind   Kind
	Topic  string
	Defer  time.Duration
	Bodies [][]byte
}

// Validate checks the structural invariants of the command.
func (cmd Command) Validate() error {
	switch cmd.Kind {
	case KindPub, KindDeferredPub:
		if len(cmd.Bodies) != 1 {
			return fmt.Errorf("%w: %s expects exactly one body, got %d", ErrMalformedFrame, cmd.Kind, len(cmd.Bodies))
		}
	case KindMultiPub:
		if len(cmd.Bodies) == 0 {
			return fmt.Errorf("%w: MPUB expects at least one body", ErrMalformedFrame)
		}
	default:
		return fmt.Errorf("%w: unknown command kind %d", ErrMalformedFrame, cmd.Kind)
	}
	if cmd.Defer < 0 {
		return fmt.Errorf("%w: negative defer", ErrMalformedFrame)
	}
	return nil
}

// Marshal encodes the command body, without the length prefix.
func (cmd Command) Marshal() []byte {
	size := 16 + len(cmd.Topic)
	for _, body := range cmd.Bodies {
		size += len(body) + binaryOverhead
	}

	buf := make([]byte, 0, size)
	buf = protowire.AppendTag(buf, cmdFieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cmd.Kind))
	buf = protowire.AppendTag(buf, cmdFieldTopic, protowire.BytesType)
	buf = protowire.AppendString(buf, cmd.Topic)
	if cmd.Defer > 0 {
		buf = protowire.AppendTag(buf, cmdFieldDefer, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(cmd.Defer.Milliseconds()))
	}
	for _, body := range cmd.Bodies {
		buf = protowire.AppendTag(buf, cmdFieldBody, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}
	return buf
}

// UnmarshalCommand decodes a command body and validates it.
func UnmarshalCommand(buf []byte) (Command, error) {
	var cmd Command
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, value []byte) (int, bool) {
		switch {
		case num == cmdFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			cmd.Kind = Kind(v)
			return n, true
		case num == cmdFieldTopic && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(value)
			cmd.Topic = v
			return n, true
		case num == cmdFieldDefer && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			cmd.Defer = time.Duration(v) * time.Millisecond
			return n, true
		case num == cmdFieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(value)
			if n >= 0 {
				cmd.Bodies = append(cmd.Bodies, append([]byte(nil), v...))
			}
			return n, true
		}
		return 0, false
	})
	if err != nil {
		return Command{}, err
	}
	return cmd, cmd.Validate()
}

// WriteCommand frames and writes cmd.
func WriteCommand(w io.Writer, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	return WriteFrame(w, cmd.Marshal())
}

// ReadCommand reads and decodes one command frame.
func ReadCommand(r io.Reader, maxSize int) (Command, error) {
	buf, err := ReadFrame(r, maxSize)
	if err != nil {
		return Command{}, err
	}
	return UnmarshalCommand(buf)
}

// binaryOverhead is the worst case tag plus length prefix of a bytes field.
const binaryOverhead = 1 + 10
