package socks5_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"github.com/1ureka/rtcsocks/internal/socks5"
	"github.com/1ureka/rtcsocks/internal/tunnel"
	"github.com/1ureka/rtcsocks/internal/tunnel/tunneltest"
)

const testSession = "5b0d7e1c-2f4a-4c6e-9a51-0d3c8e7f1a22"

// tunnelPair wires a SOCKS5 server to a Terminator through an in-memory link:
//
//	[SOCKS5 client] <-> [Server/Originator] <-> [Link] <-> [Terminator] <-> [target]
type tunnelPair struct {
	server *socks5.Server
	origin *tunnel.Originator
	term   *tunnel.Terminator
}

func startTunnelPair(t *testing.T, ctx context.Context) *tunnelPair {
	t.Helper()
	left, right := tunneltest.Link()
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})

	origin := tunnel.NewOriginator(testSession, left)
	tunnel.Attach(left, testSession, origin)

	term := tunnel.NewTerminator(ctx, testSession, right, 2*time.Second)
	tunnel.Attach(right, testSession, term)
	t.Cleanup(func() { term.Shutdown() })

	srv, err := socks5.Listen("127.0.0.1:0", origin)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ctx)
	t.Cleanup(func() { srv.Close() })

	return &tunnelPair{server: srv, origin: origin, term: term}
}

func (p *tunnelPair) dialer(t *testing.T) proxy.Dialer {
	t.Helper()
	d, err := proxy.SOCKS5("tcp", p.server.Addr().String(), nil, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}
	return d
}

// startEchoServer starts a TCP echo server that copies everything it receives
// back to the sender.
func startEchoServer(t *testing.T, ctx context.Context) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server: listen failed: %v", err)
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestTunnelEcho sends several concurrent 64 KB payloads through the proxy
// to an echo server and checks that every byte comes back in order.
func TestTunnelEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	echoAddr := startEchoServer(t, ctx)
	pair := startTunnelPair(t, ctx)
	d := pair.dialer(t)

	const numConns = 5
	const dataSize = 64 * 1024

	var wg sync.WaitGroup
	errs := make(chan error, numConns)
	for i := range numConns {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			conn, err := d.Dial("tcp", echoAddr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(20 * time.Second))

			data := makeTestData(dataSize, seed)
			go conn.Write(data)

			got := make([]byte, dataSize)
			if _, err := io.ReadFull(conn, got); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, data) {
				t.Errorf("conn %d: echoed data mismatch", seed)
			}
		}(byte(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("tunnel dial/read failed: %v", err)
	}

	waitFor(t, "streams to drain", func() bool {
		return pair.origin.Len() == 0 && pair.term.Len() == 0
	})
}

func TestTunnelConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedAddr := l.Addr().String()
	l.Close()

	pair := startTunnelPair(t, ctx)
	conn, err := pair.dialer(t).Dial("tcp", closedAddr)
	if err == nil {
		conn.Close()
		t.Fatal("dial through tunnel to a closed port succeeded")
	}

	if live, _ := pair.origin.State(socks5.FirstStreamID); live {
		t.Fatal("failed stream left in the originator table")
	}
	if pair.term.Len() != 0 {
		t.Fatal("failed stream left in the terminator table")
	}
}

// TestRawConnectReply checks the exact bytes a client sees for a successful
// CONNECT.
func TestRawConnectReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoAddr := startEchoServer(t, ctx)
	tcp, _ := net.ResolveTCPAddr("tcp", echoAddr)
	pair := startTunnelPair(t, ctx)

	conn, err := net.Dial("tcp", pair.server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	if _, err := io.ReadFull(conn, method); err != nil || !bytes.Equal(method, []byte{0x05, 0x00}) {
		t.Fatalf("method reply % x, err %v", method, err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, tcp.IP.To4()...)
	req = append(req, byte(tcp.Port>>8), byte(tcp.Port))
	conn.Write(req)

	rep := make([]byte, 10)
	if _, err := io.ReadFull(conn, rep); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if !bytes.Equal(rep, successReply) {
		t.Fatalf("reply % x, want % x", rep, successReply)
	}

	conn.Write([]byte("HELLO"))
	got := make([]byte, 5)
	if _, err := io.ReadFull(conn, got); err != nil || string(got) != "HELLO" {
		t.Fatalf("echo %q, err %v", got, err)
	}
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pair := startTunnelPair(t, ctx)

	conn, err := net.Dial("tcp", pair.server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte{0x05, 0x01})

	time.Sleep(50 * time.Millisecond)
	pair.server.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("client still connected after server close")
	}
}
