package tunnel_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/rtcsocks/internal/protocol"
)

const testSession = "3f2a1c9e-0000-4000-8000-000000000001"

// recorder is a tunnel.Sender that queues every frame for inspection.
type recorder struct {
	ch chan *protocol.Frame
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *protocol.Frame, 256)}
}

func (r *recorder) Send(f *protocol.Frame) { r.ch <- f }

// next waits for the next sent frame.
func (r *recorder) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// none asserts that nothing is sent within d.
func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-r.ch:
		t.Fatalf("unexpected frame %s", f)
	case <-time.After(d):
	}
}

// eventually polls cond until it holds or five seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeClient records what the Originator does to a local client.
type fakeClient struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	accepted  int
	closed    int
	rejected  []string
	acceptErr error
	writeErr  error
}

func (c *fakeClient) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.buf.Write(p)
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeClient) Accept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted++
	return c.acceptErr
}

func (c *fakeClient) Reject(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, reason)
	c.closed++
}

func (c *fakeClient) snapshot() (data string, accepted, closed int, rejected []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), c.accepted, c.closed, append([]string(nil), c.rejected...)
}

// stalledClient never completes a write until it is closed.
type stalledClient struct {
	fakeClient
	unblock chan struct{}
	once    sync.Once
}

func newStalledClient() *stalledClient {
	return &stalledClient{unblock: make(chan struct{})}
}

func (c *stalledClient) Write(p []byte) (int, error) {
	<-c.unblock
	return 0, net.ErrClosed
}

func (c *stalledClient) Close() error {
	c.once.Do(func() { close(c.unblock) })
	return c.fakeClient.Close()
}

// closeCounter is an io.Closer that counts Close calls.
type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// startSinkServer accepts one connection and forwards everything it reads to
// the returned channel.
func startSinkServer(t *testing.T) (string, <-chan []byte) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("sink server: listen failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	out := make(chan []byte, 64)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				out <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				close(out)
				return
			}
		}
	}()
	return l.Addr().String(), out
}

// startGreeterServer writes msg to every accepted connection and closes it.
func startGreeterServer(t *testing.T, msg string) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("greeter server: listen failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			io.WriteString(conn, msg)
			conn.Close()
		}
	}()
	return l.Addr().String()
}

// startStalledServer accepts connections and never reads from them.
func startStalledServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("stalled server: listen failed: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return l.Addr().String()
}

// closedPortAddr returns a loopback address nobody listens on.
func closedPortAddr(t *testing.T) (string, uint16) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("closedPortAddr: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return "127.0.0.1", uint16(port)
}

func splitHostPort(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		t.Fatalf("resolve %s: %v", addr, err)
	}
	return tcp.IP.String(), uint16(tcp.Port)
}

var errBrokenPipe = errors.New("broken pipe")
