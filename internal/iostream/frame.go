package iostream

import (
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// FrameKind is the `type` tag of every message on the Supervisor<->FANOUT
// stream (spec.md §6).
type FrameKind string

const (
	KindRegister       FrameKind = "SUPERVISOR_REGISTER"
	KindTaskOutput     FrameKind = "TASK_OUTPUT"
	KindUnregister     FrameKind = "SUPERVISOR_UNREGISTER"
	KindRegisterAck    FrameKind = "REGISTER_ACK"
	KindTaskInput      FrameKind = "TASK_INPUT"
	KindUnregisterReply FrameKind = "UNREGISTER_REPLY"
)

// Frame is the wire envelope. Payload holds whichever of the typed
// payload structs below applies to Type; callers switch on Type before
// reading it.
type Frame struct {
	Type    FrameKind
	Payload []byte // msgpack-encoded payload, re-decoded by the caller
}

// RegisterPayload is sent once, at stream open.
type RegisterPayload struct {
	CranedID string
	JobID    uint32
	StepID   uint32
}

// TaskOutputPayload carries one chunk of a child's output stream,
// read in order from a single fd (spec.md §4.4's ordering guarantee).
type TaskOutputPayload struct {
	JobID  uint32
	Stream string // "pty", or "combined" for a non-pty child's merged stdout/stderr
	Data   []byte
}

// TaskInputPayload is FANOUT forwarding terminal input back to a
// child's stdin.
type TaskInputPayload struct {
	JobID uint32
	Data  []byte
}

var mpHandle = &codec.MsgpackHandle{}

// WriteFrame msgpack-encodes kind+payload and writes it to w, framed
// length-prefixed so the reader can pull exactly one frame at a time
// off a stream shared with nothing else.
func WriteFrame(w io.Writer, kind FrameKind, payload interface{}) error {
	var payloadBuf []byte
	if payload != nil {
		buf, err := encodePayload(payload)
		if err != nil {
			return err
		}
		payloadBuf = buf
	}

	frame := Frame{Type: kind, Payload: payloadBuf}
	var frameBuf []byte
	fenc := codec.NewEncoderBytes(&frameBuf, mpHandle)
	if err := fenc.Encode(frame); err != nil {
		return err
	}

	length := uint32(len(frameBuf))
	lengthPrefix := []byte{byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	if _, err := w.Write(lengthPrefix); err != nil {
		return err
	}
	_, err := w.Write(frameBuf)
	return err
}

// ReadFrame blocks for exactly one length-prefixed frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		return Frame{}, err
	}
	length := uint32(lengthPrefix[0])<<24 | uint32(lengthPrefix[1])<<16 | uint32(lengthPrefix[2])<<8 | uint32(lengthPrefix[3])

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}

	var frame Frame
	dec := codec.NewDecoderBytes(buf, mpHandle)
	if err := dec.Decode(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func decodePayload(payload []byte, out interface{}) error {
	dec := codec.NewDecoderBytes(payload, mpHandle)
	return dec.Decode(out)
}

func encodePayload(in interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mpHandle)
	if err := enc.Encode(in); err != nil {
		return nil, err
	}
	return buf, nil
}
