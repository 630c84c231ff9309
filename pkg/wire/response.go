package wire

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameType tells whether a response acknowledges or rejects a command.
type FrameType uint8

const (
	FrameTypeResponse FrameType = 0
	FrameTypeError    FrameType = 1
)

func (ft FrameType) String() string {
	switch ft {
	case FrameTypeResponse:
		return "response"
	case FrameTypeError:
		return "error"
	default:
		return fmt.Sprintf("frame_type(%d)", uint8(ft))
	}
}

const (
	respFieldType protowire.Number = 1
	respFieldData protowire.Number = 2
)

// Well-known response codes.
const (
	CodeOK         = "OK"
	CodeInvalid    = "E_INVALID"
	CodeBadTopic   = "E_BAD_TOPIC"
	CodeBadMessage = "E_BAD_MESSAGE"
	CodePubFailed  = "E_PUB_FAILED"
)

// Response is the answer of a peer to a [Command].
type Response struct {
	Type FrameType
	Data []byte
}

// Ack returns the response a peer sends when it accepted a command.
func Ack() Response {
	return Response{Type: FrameTypeResponse, Data: []byte(CodeOK)}
}

// Reject returns an error response carrying code.
func Reject(code string) Response {
	return Response{Type: FrameTypeError, Data: []byte(code)}
}

// OK reports whether the peer accepted the write.
func (resp Response) OK() bool {
	return resp.Type == FrameTypeResponse && string(resp.Data) == CodeOK
}

// Code is the status carried by the response.
func (resp Response) Code() string {
	return string(resp.Data)
}

func (resp Response) Marshal() []byte {
	buf := make([]byte, 0, 4+len(resp.Data))
	buf = protowire.AppendTag(buf, respFieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(resp.Type))
	buf = protowire.AppendTag(buf, respFieldData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, resp.Data)
	return buf
}

func UnmarshalResponse(buf []byte) (Response, error) {
	var resp Response
	err := fieldIter(buf, func(num protowire.Number, typ protowire.Type, value []byte) (int, bool) {
		switch {
		case num == respFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(value)
			resp.Type = FrameType(v)
			return n, true
		case num == respFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(value)
			if n >= 0 {
				resp.Data = append([]byte(nil), v...)
			}
			return n, true
		}
		return 0, false
	})
	if err != nil {
		return Response{}, err
	}
	if resp.Type != FrameTypeResponse && resp.Type != FrameTypeError {
		return Response{}, fmt.Errorf("%w: unknown frame type %d", ErrMalformedFrame, resp.Type)
	}
	return resp, nil
}

func WriteResponse(w io.Writer, resp Response) error {
	return WriteFrame(w, resp.Marshal())
}

func ReadResponse(r io.Reader, maxSize int) (Response, error) {
	buf, err := ReadFrame(r, maxSize)
	if err != nil {
		return Response{}, err
	}
	return UnmarshalResponse(buf)
}
