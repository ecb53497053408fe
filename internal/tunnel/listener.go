package tunnel

import (
	"errors"

	"github.com/1ureka/rtcsocks/internal/protocol"
	"github.com/1ureka/rtcsocks/internal/util"
)

// Sender is the outbound half of the shared channel. Send never blocks on
// network I/O beyond the transport's internal queue.
type Sender interface {
	Send(f *protocol.Frame)
}

// FrameSource is the inbound half of the shared channel. The callback is
// invoked serially, one frame at a time.
type FrameSource interface {
	OnFrame(fn func(*protocol.Frame, error))
}

// Listener receives the frame events of one session.
type Listener interface {
	OnConnectAck(id uint32, ok bool, reason string)
	OnData(id uint32, payload []byte)
	OnClose(id uint32, reason string)
	OnIncomingConnect(id uint32, host string, port uint16)
	OnLog(msg string)
}

// Dispatch delivers one frame to the matching Listener capability.
func Dispatch(l Listener, f *protocol.Frame) {
	switch f.Cmd {
	case protocol.CmdConnect:
		l.OnIncomingConnect(f.StreamID, f.Host, f.Port)
	case protocol.CmdConnectAck:
		l.OnConnectAck(f.StreamID, f.OK, f.Reason)
	case protocol.CmdData:
		l.OnData(f.StreamID, f.Payload)
	case protocol.CmdClose:
		l.OnClose(f.StreamID, f.Reason)
	case protocol.CmdPing, protocol.CmdPong:
		l.OnLog("ignoring reserved " + f.Cmd.String())
	}
}

// Attach routes the frames of sessionID arriving on src to l. Malformed
// frames and frames addressed to another session are logged and dropped.
func Attach(src FrameSource, sessionID string, l Listener) {
	scope := util.ShortID(sessionID)
	src.OnFrame(func(f *protocol.Frame, err error) {
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				scope.Warning("dropping malformed frame: %v", err)
			} else {
				scope.Warning("dropping frame: %v", err)
			}
			util.Stats.AddDropped()
			return
		}
		if f.SessionID != sessionID {
			scope.Warning("dropping %s for foreign session %q", f, f.SessionID)
			util.Stats.AddDropped()
			return
		}
		Dispatch(l, f)
	})
}
