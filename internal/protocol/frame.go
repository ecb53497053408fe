// Package protocol defines the frame format multiplexed over the shared
// tunnel channel.
package protocol

import "fmt"

// Command identifies the kind of a frame.
type Command uint8

// Frame command constants.
const (
	CmdConnect    Command = 0x01 // Originator asks the Terminator to dial host:port
	CmdConnectAck Command = 0x02 // Terminator reports the dial outcome
	CmdData       Command = 0x03 // Stream payload
	CmdClose      Command = 0x04 // Stream teardown, optional reason
	CmdPing       Command = 0x05 // Reserved for liveness detection
	CmdPong       Command = 0x06 // Reserved for liveness detection
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdConnectAck:
		return "CONNECT_ACK"
	case CmdData:
		return "DATA"
	case CmdClose:
		return "CLOSE"
	case CmdPing:
		return "PING"
	case CmdPong:
		return "PONG"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint8(c))
	}
}

// HasStream reports whether frames of this kind carry a stream id.
func (c Command) HasStream() bool {
	switch c {
	case CmdConnect, CmdConnectAck, CmdData, CmdClose:
		return true
	}
	return false
}

// Frame is one multiplexed message unit. Only the fields relevant to Cmd are
// meaningful; the others stay at their zero value.
type Frame struct {
	SessionID string
	StreamID  uint32  // CONNECT, CONNECT_ACK, DATA, CLOSE
	Cmd       Command
	Host      string // CONNECT
	Port      uint16 // CONNECT
	OK        bool   // CONNECT_ACK
	Reason    string // CONNECT_ACK, CLOSE
	Payload   []byte // DATA
}

// Connect builds a CONNECT frame.
func Connect(sessionID string, streamID uint32, host string, port uint16) *Frame {
	return &Frame{SessionID: sessionID, StreamID: streamID, Cmd: CmdConnect, Host: host, Port: port}
}

// ConnectAck builds a CONNECT_ACK frame.
func ConnectAck(sessionID string, streamID uint32, ok bool, reason string) *Frame {
	return &Frame{SessionID: sessionID, StreamID: streamID, Cmd: CmdConnectAck, OK: ok, Reason: reason}
}

// Data builds a DATA frame. The payload is not copied.
func Data(sessionID string, streamID uint32, payload []byte) *Frame {
	return &Frame{SessionID: sessionID, StreamID: streamID, Cmd: CmdData, Payload: payload}
}

// Close builds a CLOSE frame.
func Close(sessionID string, streamID uint32, reason string) *Frame {
	return &Frame{SessionID: sessionID, StreamID: streamID, Cmd: CmdClose, Reason: reason}
}

// Ping builds a PING frame.
func Ping(sessionID string) *Frame {
	return &Frame{SessionID: sessionID, Cmd: CmdPing}
}

// Pong builds a PONG frame.
func Pong(sessionID string) *Frame {
	return &Frame{SessionID: sessionID, Cmd: CmdPong}
}

func (f *Frame) String() string {
	switch f.Cmd {
	case CmdConnect:
		return fmt.Sprintf("%s[%08x] %s:%d", f.Cmd, f.StreamID, f.Host, f.Port)
	case CmdConnectAck:
		return fmt.Sprintf("%s[%08x] ok=%t %s", f.Cmd, f.StreamID, f.OK, f.Reason)
	case CmdData:
		return fmt.Sprintf("%s[%08x] %d bytes", f.Cmd, f.StreamID, len(f.Payload))
	case CmdClose:
		return fmt.Sprintf("%s[%08x] %s", f.Cmd, f.StreamID, f.Reason)
	default:
		return f.Cmd.String()
	}
}
