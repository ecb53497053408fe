package tunnel

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/rtcsocks/internal/protocol"
	"github.com/1ureka/rtcsocks/internal/util"
)

// Tuning constants.
const (
	MaxPayloadSize     = 16 * 1024        // largest DATA payload produced by a single read
	DefaultDialTimeout = 15 * time.Second // bounded TCP connect on the terminating side
	WriteTimeout       = 30 * time.Second // a local peer that stops reading is dropped after this
)

// Dialer opens outbound TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// termStream is the Terminator's entry for one stream. It exists while the
// dial is in flight so that a CLOSE racing the dial still wins.
type termStream struct {
	mu     sync.Mutex
	in     *inbox
	closed bool
}

// attach binds the dialed socket and starts its writer. It fails if the
// stream was closed while dialing.
func (s *termStream) attach(conn net.Conn, start func(net.Conn) *inbox) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.in = start(conn)
	return true
}

func (s *termStream) writer() *inbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in
}

// finish closes the stream after the queued payloads reach the socket.
func (s *termStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.in != nil {
		s.in.finish()
	}
}

func (s *termStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.in != nil {
		s.in.stop()
	}
	return nil
}

// Terminator dials the targets requested by CONNECT frames and relays bytes
// between the dialed sockets and the shared channel.
type Terminator struct {
	sessionID   string
	tr          Sender
	dialer      Dialer
	dialTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	streams *Table[*termStream]
}

var _ Listener = (*Terminator)(nil)

// NewTerminator creates a Terminator bound to one session. Cancelling ctx
// aborts in-flight dials.
func NewTerminator(ctx context.Context, sessionID string, tr Sender, dialTimeout time.Duration) *Terminator {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	tCtx, cancel := context.WithCancel(ctx)
	return &Terminator{
		sessionID:   sessionID,
		tr:          tr,
		dialer:      &net.Dialer{},
		dialTimeout: dialTimeout,
		ctx:         tCtx,
		cancel:      cancel,
		streams:     NewTable[*termStream](),
	}
}

// WithDialer replaces the dialer used for outbound connections.
func (t *Terminator) WithDialer(d Dialer) *Terminator {
	t.dialer = d
	return t
}

// Len returns the number of live streams, including in-flight dials.
func (t *Terminator) Len() int { return t.streams.Len() }

// Has reports whether id is live.
func (t *Terminator) Has(id uint32) bool {
	_, ok := t.streams.Get(id)
	return ok
}

// Shutdown aborts pending dials, closes every socket and waits for the relay
// goroutines to exit.
func (t *Terminator) Shutdown() int {
	n := t.streams.Drain()
	for range n {
		util.Stats.RemoveStream()
	}
	t.cancel()
	t.wg.Wait()
	return n
}

// release closes the stream and tells the peer, once.
func (t *Terminator) release(id uint32, reason string) bool {
	if !t.streams.Release(id) {
		return false
	}
	util.Stats.RemoveStream()
	t.tr.Send(protocol.Close(t.sessionID, id, reason))
	util.LogDebug("[%08x] closed: %s", id, reason)
	return true
}

func (t *Terminator) OnIncomingConnect(id uint32, host string, port uint16) {
	s := &termStream{}
	if err := t.streams.Put(id, s); err != nil {
		util.LogWarning("[%08x] CONNECT for live stream rejected", id)
		t.tr.Send(protocol.ConnectAck(t.sessionID, id, false, "connect-failed: "+err.Error()))
		return
	}
	util.Stats.AddStream()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dialAndRelay(id, s, host, port)
	}()
}

func (t *Terminator) dialAndRelay(id uint32, s *termStream, host string, port uint16) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	ctx, cancel := context.WithTimeout(t.ctx, t.dialTimeout)
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	cancel()

	if err != nil {
		util.LogDebug("[%08x] TCP dial %s failed: %v", id, addr, err)
		if t.streams.CompareAndRemove(id, s) {
			util.Stats.RemoveStream()
			t.tr.Send(protocol.ConnectAck(t.sessionID, id, false, "connect-failed: "+err.Error()))
		}
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	if !s.attach(conn, func(c net.Conn) *inbox { return t.startInbox(id, c) }) {
		// CLOSE arrived while dialing.
		conn.Close()
		return
	}

	util.LogDebug("[%08x] TCP connected to %s", id, addr)
	t.tr.Send(protocol.ConnectAck(t.sessionID, id, true, "OK"))
	t.relay(id, conn)
}

// relay reads from the socket until it fails and emits one DATA frame per
// read. Closing the socket is the only way to stop it.
func (t *Terminator) relay(id uint32, conn net.Conn) {
	buf := make([]byte, MaxPayloadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			t.tr.Send(protocol.Data(t.sessionID, id, payload))
		}
		if err != nil {
			t.release(id, "tcp-closed")
			return
		}
	}
}

// startInbox starts the socket writer for id. Writes carry a deadline so a
// target that stops reading is eventually dropped.
func (t *Terminator) startInbox(id uint32, conn net.Conn) *inbox {
	write := func(p []byte) error {
		conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		_, err := conn.Write(p)
		return err
	}
	return newInbox(t.ctx, write, conn, func(err error) {
		util.LogDebug("[%08x] TCP write error: %v", id, err)
		t.release(id, "tcp-write-failed")
	})
}

func (t *Terminator) OnData(id uint32, payload []byte) {
	s, ok := t.streams.Get(id)
	if !ok {
		util.LogDebug("[%08x] DATA for unknown stream, dropped", id)
		return
	}
	in := s.writer()
	if in == nil {
		util.LogDebug("[%08x] DATA before dial completed, dropped", id)
		return
	}
	if len(payload) == 0 {
		return
	}
	if err := in.push(payload); errors.Is(err, ErrInboxFull) {
		util.LogDebug("[%08x] target not reading, %d payloads queued", id, InboxBufferSize)
		t.release(id, "tcp-write-stalled")
	}
}

func (t *Terminator) OnClose(id uint32, reason string) {
	s, ok := t.streams.RemoveIfPresent(id)
	if !ok {
		return
	}
	s.finish()
	util.Stats.RemoveStream()
	util.LogDebug("[%08x] closed by peer: %s", id, reason)
}

func (t *Terminator) OnConnectAck(id uint32, ok bool, reason string) {
	util.LogDebug("[%08x] ignoring CONNECT_ACK on terminating side", id)
}

func (t *Terminator) OnLog(msg string) {
	util.LogDebug("%s", msg)
}
