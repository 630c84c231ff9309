// Package wire implements the framing used between a publisher and a peer.
//
// Every frame is a varint length prefix followed by a protowire-encoded
// body. A publish round trip is exactly one [Command] frame written by the
// publisher and one [Response] frame written back by the peer, each on its
// own stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the body of a frame when the caller does not
// provide its own limit.
const DefaultMaxFrameSize = 4 << 20

var (
	ErrFrameTooLarge  = errors.New("wire: frame exceeds maximum size")
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// WriteFrame writes buf prefixed by its varint-encoded length.
func WriteFrame(w io.Writer, buf []byte) error {
	varintBuf := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(varintBuf)+len(buf))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

// ReadFrame reads a single length-prefixed frame. A zero or negative
// maxSize means [DefaultMaxFrameSize].
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for {
		if n == len(buf) {
			return nil, fmt.Errorf("%w: length prefix overflow", ErrMalformedFrame)
		}
		m, err := r.Read(buf[n : n+1])
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if m == 0 {
			continue
		}
		n++
		if buf[n-1] < 0x80 {
			break
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if prefix > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, prefix, maxSize)
	}

	body := make([]byte, prefix)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// fieldIter walks the protowire fields of buf, calling fn for each field
// with the bytes positioned at its value. fn returns how many bytes it
// consumed (a protowire error code when negative), or ok=false to have the
// value skipped.
func fieldIter(buf []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) (n int, ok bool)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		buf = buf[n:]

		consumed, ok := fn(num, typ, buf)
		if !ok {
			consumed = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if err := protowire.ParseError(consumed); err != nil {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedFrame, num, err)
		}
		buf = buf[consumed:]
	}
	return nil
}
