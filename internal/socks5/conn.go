// Package socks5 implements the CONNECT-only, no-auth subset of SOCKS5 used
// as the local ingress of the tunnel. Each accepted client is parsed by a
// small state machine and then handed to a Router as one logical stream.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtcsocks/internal/tunnel"
	"github.com/1ureka/rtcsocks/internal/util"
)

// Wire constants.
const (
	Version = 0x05

	MethodNoAuth = 0x00

	CmdConnect = 0x01

	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04

	ReplySucceeded          = 0x00
	ReplyGeneralFailure     = 0x01
	ReplyConnectionRefused  = 0x05
	ReplyCommandUnsupported = 0x07
	ReplyAddressUnsupported = 0x08
)

// FirstStreamID is the id handed to the first stream of a session.
const FirstStreamID = 101

const writeTimeout = 30 * time.Second

// ErrBadVersion is returned for a greeting or request that is not SOCKS5.
var ErrBadVersion = errors.New("socks5: unsupported protocol version")

// ErrEmptyHost is returned for a domain address of length zero.
var ErrEmptyHost = errors.New("socks5: empty domain name")

// Router is the stream side a SOCKS5 client is bridged onto.
// *tunnel.Originator implements it.
type Router interface {
	Open(id uint32, host string, port uint16, c tunnel.Client) error
	Send(id uint32, p []byte)
	Close(id uint32, reason string)
}

// IDGen hands out monotonically increasing stream ids.
type IDGen struct {
	n atomic.Uint32
}

// NewIDGen returns a generator whose first id is FirstStreamID.
func NewIDGen() *IDGen {
	g := &IDGen{}
	g.n.Store(FirstStreamID - 1)
	return g
}

// Next returns the next stream id.
func (g *IDGen) Next() uint32 { return g.n.Add(1) }

type state int

const (
	stateHandshake state = iota
	stateRequest
	stateStream
	stateDone
)

func (s state) String() string {
	switch s {
	case stateHandshake:
		return "HANDSHAKE"
	case stateRequest:
		return "REQUEST"
	case stateStream:
		return "STREAM"
	default:
		return "DONE"
	}
}

// reply builds the fixed-size reply; the bound address is always 0.0.0.0:0.
func reply(code byte) []byte {
	return []byte{Version, code, 0x00, AddrIPv4, 0, 0, 0, 0, 0, 0}
}

// Conn is one SOCKS5 client. Input is fed in arbitrary chunks through Feed;
// nothing is consumed until the current state has all the bytes it needs.
type Conn struct {
	nc     net.Conn
	router Router
	ids    *IDGen

	state state
	buf   []byte
	id    uint32

	mu       sync.Mutex
	accepted bool
	pending  [][]byte

	closeOnce sync.Once
}

// NewConn wraps nc. ids is shared by every Conn of one session.
func NewConn(nc net.Conn, router Router, ids *IDGen) *Conn {
	return &Conn{nc: nc, router: router, ids: ids}
}

// StreamID returns the stream id once the request was accepted, else 0.
func (c *Conn) StreamID() uint32 { return c.id }

// Feed advances the state machine with the next chunk of client input.
// A non-nil error means the connection must be closed.
func (c *Conn) Feed(p []byte) error {
	if c.state == stateStream {
		c.forward(p)
		return nil
	}
	if c.state == stateDone {
		return nil
	}
	c.buf = append(c.buf, p...)

	for {
		var (
			progressed bool
			err        error
		)
		switch c.state {
		case stateHandshake:
			progressed, err = c.handshake()
		case stateRequest:
			progressed, err = c.request()
		default:
			return nil
		}
		if err != nil {
			c.state = stateDone
			return err
		}
		if !progressed {
			return nil
		}
		if c.state == stateStream {
			rest := c.buf
			c.buf = nil
			if len(rest) > 0 {
				c.forward(rest)
			}
			return nil
		}
	}
}

// handshake consumes VER NMETHODS METHODS... and answers "no auth".
func (c *Conn) handshake() (bool, error) {
	if len(c.buf) < 2 {
		return false, nil
	}
	if c.buf[0] != Version {
		return false, fmt.Errorf("%w: 0x%02x", ErrBadVersion, c.buf[0])
	}
	need := 2 + int(c.buf[1])
	if len(c.buf) < need {
		return false, nil
	}
	c.buf = c.buf[need:]
	if err := c.write([]byte{Version, MethodNoAuth}); err != nil {
		return false, err
	}
	c.state = stateRequest
	return true, nil
}

// request consumes VER CMD RSV ATYP DST.ADDR DST.PORT and opens the stream.
func (c *Conn) request() (bool, error) {
	if len(c.buf) < 4 {
		return false, nil
	}
	if c.buf[0] != Version {
		return false, fmt.Errorf("%w: 0x%02x", ErrBadVersion, c.buf[0])
	}
	if cmd := c.buf[1]; cmd != CmdConnect {
		c.write(reply(ReplyCommandUnsupported))
		return false, fmt.Errorf("socks5: unsupported command 0x%02x", cmd)
	}

	var host string
	var need int
	switch atyp := c.buf[3]; atyp {
	case AddrIPv4:
		need = 4 + 4 + 2
		if len(c.buf) < need {
			return false, nil
		}
		host = net.IP(c.buf[4:8]).String()
	case AddrDomain:
		if len(c.buf) < 5 {
			return false, nil
		}
		n := int(c.buf[4])
		need = 5 + n + 2
		if len(c.buf) < need {
			return false, nil
		}
		if n == 0 {
			c.write(reply(ReplyGeneralFailure))
			return false, ErrEmptyHost
		}
		host = string(c.buf[5 : 5+n])
	default:
		c.write(reply(ReplyAddressUnsupported))
		return false, fmt.Errorf("socks5: unsupported address type 0x%02x", atyp)
	}
	port := binary.BigEndian.Uint16(c.buf[need-2 : need])
	c.buf = c.buf[need:]

	c.id = c.ids.Next()
	c.state = stateStream
	util.LogDebug("[%08x] SOCKS5 CONNECT %s from %s", c.id, net.JoinHostPort(host, strconv.Itoa(int(port))), c.nc.RemoteAddr())
	if err := c.router.Open(c.id, host, port, c); err != nil {
		c.state = stateDone
		c.write(reply(ReplyGeneralFailure))
		return false, err
	}
	return true, nil
}

// forward relays stream bytes, holding them back until the peer accepted.
func (c *Conn) forward(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accepted {
		c.pending = append(c.pending, append([]byte(nil), p...))
		return
	}
	c.router.Send(c.id, p)
}

func (c *Conn) write(p []byte) error {
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.nc.Write(p)
	return err
}

// Write delivers tunnel bytes to the client.
func (c *Conn) Write(p []byte) (int, error) {
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.nc.Write(p)
}

// Accept sends the success reply and flushes bytes the client sent early.
func (c *Conn) Accept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(reply(ReplySucceeded)); err != nil {
		return err
	}
	c.accepted = true
	for _, p := range c.pending {
		c.router.Send(c.id, p)
	}
	c.pending = nil
	return nil
}

// Reject reports the failure to the client and closes the connection.
func (c *Conn) Reject(reason string) {
	util.LogDebug("[%08x] SOCKS5 CONNECT failed: %s", c.id, reason)
	c.write(reply(ReplyConnectionRefused))
	c.Close()
}

// Close closes the client connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.nc.Close() })
	return err
}

// Serve reads the client until it disconnects. Once a stream was opened, its
// end is reported to the router.
func (c *Conn) Serve() {
	defer c.Close()
	buf := make([]byte, tunnel.MaxPayloadSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if ferr := c.Feed(buf[:n]); ferr != nil {
				util.LogDebug("SOCKS5 %s: %v", c.nc.RemoteAddr(), ferr)
				return
			}
		}
		if err != nil {
			if c.state == stateStream {
				c.router.Close(c.id, "client-closed")
			}
			return
		}
	}
}
