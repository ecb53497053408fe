package tunnel

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtcsocks/internal/protocol"
	"github.com/1ureka/rtcsocks/internal/util"
)

// Client is the local end of an originated stream, typically a SOCKS5
// client connection.
type Client interface {
	io.Writer
	io.Closer
	// Accept is called once the peer dialed the target successfully.
	Accept() error
	// Reject is called when the peer could not dial the target. The client
	// reports the failure and closes itself.
	Reject(reason string)
}

// DefaultConnectTimeout bounds how long a stream may wait for CONNECT_ACK.
// It outlasts the terminating side's dial timeout.
const DefaultConnectTimeout = 30 * time.Second

const (
	statePending int32 = iota
	stateOpen
	stateExpired
)

type originStream struct {
	client Client
	in     *inbox
	timer  *time.Timer
	state  atomic.Int32
}

func (s *originStream) Close() error {
	s.timer.Stop()
	s.in.stop()
	return nil
}

// Originator opens streams on behalf of local clients and relays their bytes
// over the shared channel.
type Originator struct {
	sessionID      string
	tr             Sender
	connectTimeout time.Duration
	streams        *Table[*originStream]
}

var _ Listener = (*Originator)(nil)

// NewOriginator creates an Originator bound to one session.
func NewOriginator(sessionID string, tr Sender) *Originator {
	return &Originator{
		sessionID:      sessionID,
		tr:             tr,
		connectTimeout: DefaultConnectTimeout,
		streams:        NewTable[*originStream](),
	}
}

// WithConnectTimeout replaces how long a stream waits for CONNECT_ACK.
func (o *Originator) WithConnectTimeout(d time.Duration) *Originator {
	if d > 0 {
		o.connectTimeout = d
	}
	return o
}

// Open registers a pending stream for c and asks the peer to dial host:port.
func (o *Originator) Open(id uint32, host string, port uint16, c Client) error {
	s := &originStream{client: c}
	write := func(p []byte) error {
		_, err := c.Write(p)
		return err
	}
	s.in = newInbox(context.Background(), write, c, func(err error) {
		util.LogDebug("[%08x] client write error: %v", id, err)
		o.Close(id, "client-write-failed")
	})
	s.timer = time.AfterFunc(o.connectTimeout, func() { o.expire(id, s) })
	if err := o.streams.Put(id, s); err != nil {
		s.timer.Stop()
		s.in.abandon()
		return err
	}
	util.Stats.AddStream()
	util.LogDebug("[%08x] CONNECT %s:%d", id, host, port)
	o.tr.Send(protocol.Connect(o.sessionID, id, host, port))
	return nil
}

// Send forwards p as one DATA frame. It is a no-op unless the stream is open.
func (o *Originator) Send(id uint32, p []byte) {
	s, ok := o.streams.Get(id)
	if !ok || s.state.Load() != stateOpen {
		return
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	o.tr.Send(protocol.Data(o.sessionID, id, payload))
}

// Close tears the stream down locally and notifies the peer. Only the first
// call for a given stream has any effect.
func (o *Originator) Close(id uint32, reason string) {
	s, ok := o.streams.RemoveIfPresent(id)
	if !ok {
		return
	}
	o.tr.Send(protocol.Close(o.sessionID, id, reason))
	s.Close()
	util.Stats.RemoveStream()
	util.LogDebug("[%08x] closed: %s", id, reason)
}

// expire rejects a stream the peer never acknowledged and tells the peer to
// drop it.
func (o *Originator) expire(id uint32, s *originStream) {
	if !s.state.CompareAndSwap(statePending, stateExpired) || !o.streams.CompareAndRemove(id, s) {
		return
	}
	util.Stats.RemoveStream()
	util.LogDebug("[%08x] no CONNECT_ACK within %s", id, o.connectTimeout)
	o.tr.Send(protocol.Close(o.sessionID, id, "connect-timeout"))
	s.in.abandon()
	s.client.Reject("connect-timeout")
}

// State reports whether id is live and, if so, whether it is open.
func (o *Originator) State(id uint32) (live, open bool) {
	s, ok := o.streams.Get(id)
	if !ok {
		return false, false
	}
	return true, s.state.Load() == stateOpen
}

// Len returns the number of live streams.
func (o *Originator) Len() int { return o.streams.Len() }

// Shutdown force-closes every stream without notifying the peer.
func (o *Originator) Shutdown() int {
	n := o.streams.Drain()
	for range n {
		util.Stats.RemoveStream()
	}
	return n
}

func (o *Originator) OnConnectAck(id uint32, ok bool, reason string) {
	if !ok {
		s, found := o.streams.RemoveIfPresent(id)
		if !found {
			return
		}
		s.timer.Stop()
		s.in.abandon()
		util.Stats.RemoveStream()
		util.LogDebug("[%08x] CONNECT rejected: %s", id, reason)
		s.client.Reject(reason)
		return
	}

	s, found := o.streams.Get(id)
	if !found {
		util.LogDebug("[%08x] CONNECT_ACK for unknown stream", id)
		return
	}
	if !s.state.CompareAndSwap(statePending, stateOpen) {
		return
	}
	s.timer.Stop()
	if err := s.client.Accept(); err != nil {
		o.Close(id, "client-gone")
	}
}

func (o *Originator) OnData(id uint32, payload []byte) {
	s, ok := o.streams.Get(id)
	if !ok {
		util.LogDebug("[%08x] DATA for unknown stream, dropped", id)
		return
	}
	if len(payload) == 0 {
		return
	}
	if err := s.in.push(payload); errors.Is(err, ErrInboxFull) {
		util.LogDebug("[%08x] client not reading, %d payloads queued", id, InboxBufferSize)
		o.Close(id, "client-write-stalled")
	}
}

// OnClose removes the stream and closes the client once the payloads
// already received for it have been written.
func (o *Originator) OnClose(id uint32, reason string) {
	s, ok := o.streams.RemoveIfPresent(id)
	if !ok {
		return
	}
	s.timer.Stop()
	s.in.finish()
	util.Stats.RemoveStream()
	util.LogDebug("[%08x] closed by peer: %s", id, reason)
}

func (o *Originator) OnIncomingConnect(id uint32, host string, port uint16) {
	util.LogWarning("[%08x] unexpected CONNECT %s:%d on originating side", id, host, port)
	o.tr.Send(protocol.ConnectAck(o.sessionID, id, false, "unsupported: originator does not dial"))
}

func (o *Originator) OnLog(msg string) {
	util.LogDebug("%s", msg)
}
