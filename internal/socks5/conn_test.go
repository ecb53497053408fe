package socks5_test

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/rtcsocks/internal/socks5"
	"github.com/1ureka/rtcsocks/internal/tunnel"
)

// bufConn captures what the state machine writes back to the client.
type bufConn struct {
	net.Conn // nil; only the methods below are used

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (c *bufConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.out.Write(p)
}

func (c *bufConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *bufConn) SetWriteDeadline(time.Time) error { return nil }
func (c *bufConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *bufConn) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

func (c *bufConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type openCall struct {
	id   uint32
	host string
	port uint16
}

// fakeRouter records the calls the state machine makes.
type fakeRouter struct {
	mu      sync.Mutex
	opens   []openCall
	clients map[uint32]tunnel.Client
	sent    map[uint32][]byte
	closes  []uint32
	openErr error
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{clients: make(map[uint32]tunnel.Client), sent: make(map[uint32][]byte)}
}

func (r *fakeRouter) Open(id uint32, host string, port uint16, c tunnel.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return r.openErr
	}
	r.opens = append(r.opens, openCall{id, host, port})
	r.clients[id] = c
	return nil
}

func (r *fakeRouter) Send(id uint32, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[id] = append(r.sent[id], p...)
}

func (r *fakeRouter) Close(id uint32, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, id)
}

func (r *fakeRouter) sentTo(id uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.sent[id])
}

var (
	greeting       = []byte{0x05, 0x01, 0x00}
	connectExample = []byte{0x05, 0x01, 0x00, 0x01, 0x5D, 0xB8, 0xD8, 0x22, 0x00, 0x50}
	successReply   = []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
)

func feedAll(t *testing.T, c *socks5.Conn, chunks ...[]byte) {
	t.Helper()
	for _, p := range chunks {
		if err := c.Feed(p); err != nil {
			t.Fatalf("Feed(% x): %v", p, err)
		}
	}
}

func bytewise(p []byte) [][]byte {
	out := make([][]byte, len(p))
	for i := range p {
		out[i] = p[i : i+1]
	}
	return out
}

func TestConnectIPv4(t *testing.T) {
	nc := &bufConn{}
	r := newFakeRouter()
	c := socks5.NewConn(nc, r, socks5.NewIDGen())

	feedAll(t, c, greeting)
	if got := nc.bytes(); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("method reply = % x, want 05 00", got)
	}

	feedAll(t, c, connectExample)
	if len(r.opens) != 1 {
		t.Fatalf("Open called %d times", len(r.opens))
	}
	want := openCall{101, "93.184.216.34", 80}
	if r.opens[0] != want {
		t.Fatalf("Open = %+v, want %+v", r.opens[0], want)
	}
	if c.StreamID() != 101 {
		t.Fatalf("StreamID = %d", c.StreamID())
	}

	if err := c.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	got := nc.bytes()
	if !bytes.Equal(got[2:], successReply) {
		t.Fatalf("final reply = % x, want % x", got[2:], successReply)
	}
}

func TestFragmentedInputMatchesSingleChunk(t *testing.T) {
	whole := append(append([]byte{}, greeting...), connectExample...)

	ncA, rA := &bufConn{}, newFakeRouter()
	a := socks5.NewConn(ncA, rA, socks5.NewIDGen())
	feedAll(t, a, whole)

	ncB, rB := &bufConn{}, newFakeRouter()
	b := socks5.NewConn(ncB, rB, socks5.NewIDGen())
	for i, p := range bytewise(whole) {
		feedAll(t, b, p)
		// The method reply must not be sent before the greeting is complete.
		if i < len(greeting)-1 && len(ncB.bytes()) != 0 {
			t.Fatalf("reply sent after %d greeting bytes", i+1)
		}
		if i < len(whole)-1 && len(rB.opens) != 0 {
			t.Fatalf("stream opened after %d bytes", i+1)
		}
	}

	if !bytes.Equal(ncA.bytes(), ncB.bytes()) {
		t.Fatalf("replies differ: % x vs % x", ncA.bytes(), ncB.bytes())
	}
	if len(rA.opens) != 1 || len(rB.opens) != 1 || rA.opens[0] != rB.opens[0] {
		t.Fatalf("opens differ: %+v vs %+v", rA.opens, rB.opens)
	}
}

func TestGreetingWaitsForMethodList(t *testing.T) {
	nc := &bufConn{}
	c := socks5.NewConn(nc, newFakeRouter(), socks5.NewIDGen())

	feedAll(t, c, []byte{0x05, 0x03, 0x00, 0x01})
	if len(nc.bytes()) != 0 {
		t.Fatal("replied before all methods arrived")
	}
	feedAll(t, c, []byte{0x02})
	if got := nc.bytes(); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("method reply = % x", got)
	}
}

func TestConnectDomain(t *testing.T) {
	nc := &bufConn{}
	r := newFakeRouter()
	c := socks5.NewConn(nc, r, socks5.NewIDGen())

	req := []byte{0x05, 0x01, 0x00, 0x03, 11}
	req = append(req, "example.com"...)
	req = append(req, 0x01, 0xBB)
	feedAll(t, c, greeting, req[:7], req[7:])

	want := openCall{101, "example.com", 443}
	if len(r.opens) != 1 || r.opens[0] != want {
		t.Fatalf("opens = %+v, want %+v", r.opens, want)
	}
}

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		req  []byte
		code byte
	}{
		{"bind", []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0, 80}, socks5.ReplyCommandUnsupported},
		{"udp associate", []byte{0x05, 0x03, 0x00, 0x01}, socks5.ReplyCommandUnsupported},
		{"ipv6", []byte{0x05, 0x01, 0x00, 0x04}, socks5.ReplyAddressUnsupported},
		{"unknown atyp", []byte{0x05, 0x01, 0x00, 0x09}, socks5.ReplyAddressUnsupported},
		{"empty domain", []byte{0x05, 0x01, 0x00, 0x03, 0, 0x00, 0x50}, socks5.ReplyGeneralFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := &bufConn{}
			r := newFakeRouter()
			c := socks5.NewConn(nc, r, socks5.NewIDGen())
			feedAll(t, c, greeting)

			if err := c.Feed(tt.req); err == nil {
				t.Fatal("Feed succeeded, want error")
			}
			got := nc.bytes()[2:]
			if len(got) != 10 || got[0] != 0x05 || got[1] != tt.code || got[3] != socks5.AddrIPv4 {
				t.Fatalf("reply = % x, want code 0x%02x", got, tt.code)
			}
			if len(r.opens) != 0 {
				t.Fatal("stream opened for rejected request")
			}
		})
	}
}

func TestBadVersion(t *testing.T) {
	nc := &bufConn{}
	c := socks5.NewConn(nc, newFakeRouter(), socks5.NewIDGen())
	if err := c.Feed([]byte{0x04, 0x01, 0x00, 0x50}); !errors.Is(err, socks5.ErrBadVersion) {
		t.Fatalf("Feed = %v, want ErrBadVersion", err)
	}
	if len(nc.bytes()) != 0 {
		t.Fatal("replied to a non-SOCKS5 greeting")
	}
}

func TestEarlyBytesFlushedOnAccept(t *testing.T) {
	nc := &bufConn{}
	r := newFakeRouter()
	c := socks5.NewConn(nc, r, socks5.NewIDGen())

	// Request and first payload bytes arrive in the same chunk.
	chunk := append(append([]byte{}, connectExample...), "GET "...)
	feedAll(t, c, greeting, chunk, []byte("/ HTTP/1.0\r\n"))
	if got := r.sentTo(101); got != "" {
		t.Fatalf("sent %q before accept", got)
	}

	if err := c.Accept(); err != nil {
		t.Fatal(err)
	}
	feedAll(t, c, []byte("\r\n"))
	if got := r.sentTo(101); got != "GET / HTTP/1.0\r\n\r\n" {
		t.Fatalf("sent %q", got)
	}
}

func TestReject(t *testing.T) {
	nc := &bufConn{}
	r := newFakeRouter()
	c := socks5.NewConn(nc, r, socks5.NewIDGen())
	feedAll(t, c, greeting, connectExample)

	c.Reject("connect-failed: refused")
	got := nc.bytes()[2:]
	if !bytes.Equal(got, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("reply = % x", got)
	}
	if !nc.isClosed() {
		t.Fatal("client not closed after reject")
	}
}

func TestOpenFailure(t *testing.T) {
	nc := &bufConn{}
	r := newFakeRouter()
	r.openErr = tunnel.ErrStreamExists
	c := socks5.NewConn(nc, r, socks5.NewIDGen())
	feedAll(t, c, greeting)

	if err := c.Feed(connectExample); !errors.Is(err, tunnel.ErrStreamExists) {
		t.Fatalf("Feed = %v", err)
	}
	got := nc.bytes()[2:]
	if got[1] != socks5.ReplyGeneralFailure {
		t.Fatalf("reply code = 0x%02x", got[1])
	}
}

func TestStreamIDsIncrease(t *testing.T) {
	ids := socks5.NewIDGen()
	r := newFakeRouter()
	for i := range 3 {
		c := socks5.NewConn(&bufConn{}, r, ids)
		feedAll(t, c, greeting, connectExample)
		if want := uint32(socks5.FirstStreamID + i); c.StreamID() != want {
			t.Fatalf("conn %d got id %d, want %d", i, c.StreamID(), want)
		}
	}
}
