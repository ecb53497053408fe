package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire layout (big endian):
//
//	cmd(1) | sidLen(1) | sid | streamID(4, stream commands only) | body
//
//	CONNECT:     hostLen(1) | host | port(2)
//	CONNECT_ACK: ok(1) | reasonLen(2) | reason
//	DATA:        payload (remainder of the message)
//	CLOSE:       reasonLen(2) | reason
//	PING, PONG:  empty body

// ErrFieldTooLong is returned by Encode when a string field exceeds its
// length prefix.
var ErrFieldTooLong = errors.New("frame field too long")

// DecodeError reports malformed frame bytes. Receivers log and drop the
// frame; it never ends the session.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode frame: " + e.Reason
}

func decodeErrorf(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Encode serializes a Frame for transmission over the data channel.
func Encode(f *Frame) ([]byte, error) {
	if len(f.SessionID) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: session id is %d bytes", ErrFieldTooLong, len(f.SessionID))
	}

	size := 2 + len(f.SessionID)
	if f.Cmd.HasStream() {
		size += 4
	}
	switch f.Cmd {
	case CmdConnect:
		if len(f.Host) > math.MaxUint8 {
			return nil, fmt.Errorf("%w: host is %d bytes", ErrFieldTooLong, len(f.Host))
		}
		size += 1 + len(f.Host) + 2
	case CmdConnectAck, CmdClose:
		if len(f.Reason) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: reason is %d bytes", ErrFieldTooLong, len(f.Reason))
		}
		size += 2 + len(f.Reason)
		if f.Cmd == CmdConnectAck {
			size++
		}
	case CmdData:
		size += len(f.Payload)
	case CmdPing, CmdPong:
	default:
		return nil, fmt.Errorf("encode frame: unknown command %s", f.Cmd)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(f.Cmd), byte(len(f.SessionID)))
	buf = append(buf, f.SessionID...)
	if f.Cmd.HasStream() {
		buf = binary.BigEndian.AppendUint32(buf, f.StreamID)
	}

	switch f.Cmd {
	case CmdConnect:
		buf = append(buf, byte(len(f.Host)))
		buf = append(buf, f.Host...)
		buf = binary.BigEndian.AppendUint16(buf, f.Port)
	case CmdConnectAck:
		ok := byte(0)
		if f.OK {
			ok = 1
		}
		buf = append(buf, ok)
		buf = appendString16(buf, f.Reason)
	case CmdClose:
		buf = appendString16(buf, f.Reason)
	case CmdData:
		buf = append(buf, f.Payload...)
	}
	return buf, nil
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// Decode deserializes a data channel message into a Frame. Malformed input
// yields a *DecodeError. The returned payload never aliases data.
func Decode(data []byte) (*Frame, error) {
	r := reader{buf: data}

	cmd, ok := r.u8()
	if !ok {
		return nil, decodeErrorf("empty message")
	}
	f := &Frame{Cmd: Command(cmd)}
	switch f.Cmd {
	case CmdConnect, CmdConnectAck, CmdData, CmdClose, CmdPing, CmdPong:
	default:
		return nil, decodeErrorf("unknown command 0x%02x", cmd)
	}

	sid, ok := r.string8()
	if !ok {
		return nil, decodeErrorf("%s: truncated session id", f.Cmd)
	}
	f.SessionID = sid

	if f.Cmd.HasStream() {
		if f.StreamID, ok = r.u32(); !ok {
			return nil, decodeErrorf("%s: truncated stream id", f.Cmd)
		}
	}

	switch f.Cmd {
	case CmdConnect:
		if f.Host, ok = r.string8(); !ok {
			return nil, decodeErrorf("CONNECT: truncated host")
		}
		if f.Port, ok = r.u16(); !ok {
			return nil, decodeErrorf("CONNECT: truncated port")
		}
	case CmdConnectAck:
		b, ok := r.u8()
		if !ok || b > 1 {
			return nil, decodeErrorf("CONNECT_ACK: bad ok flag")
		}
		f.OK = b == 1
		if f.Reason, ok = r.string16(); !ok {
			return nil, decodeErrorf("CONNECT_ACK: truncated reason")
		}
	case CmdClose:
		if f.Reason, ok = r.string16(); !ok {
			return nil, decodeErrorf("CLOSE: truncated reason")
		}
	case CmdData:
		if rest := r.rest(); len(rest) > 0 {
			f.Payload = make([]byte, len(rest))
			copy(f.Payload, rest)
		}
	}

	if r.remaining() != 0 {
		return nil, decodeErrorf("%s: %d trailing bytes", f.Cmd, r.remaining())
	}
	return f, nil
}

// reader is a bounds-checked cursor over a message.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) ([]byte, bool) {
	if r.remaining() < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) u8() (byte, bool) {
	b, ok := r.take(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (r *reader) u16() (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (r *reader) u32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (r *reader) string8() (string, bool) {
	n, ok := r.u8()
	if !ok {
		return "", false
	}
	b, ok := r.take(int(n))
	return string(b), ok
}

func (r *reader) string16() (string, bool) {
	n, ok := r.u16()
	if !ok {
		return "", false
	}
	b, ok := r.take(int(n))
	return string(b), ok
}

func (r *reader) rest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}
