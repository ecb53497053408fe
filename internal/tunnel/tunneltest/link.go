// Package tunneltest provides an in-memory frame link for tests. Frames go
// through the real codec and are delivered in order, one at a time, like the
// data channel does.
package tunneltest

import (
	"sync"

	"github.com/1ureka/rtcsocks/internal/protocol"
)

const queueSize = 4096

// End is one side of a Link. It implements tunnel.Sender and
// tunnel.FrameSource.
type End struct {
	mu      sync.RWMutex
	handler func(*protocol.Frame, error)
	peer    *End
	queue   chan []byte
	done    chan struct{}
	once    sync.Once

	sent sync.Map // protocol.Command → *counter
}

type counter struct {
	mu sync.Mutex
	n  int
}

// Link creates two connected ends. Each end delivers to its handler from a
// single goroutine until either end is closed.
func Link() (a, b *End) {
	a = &End{queue: make(chan []byte, queueSize), done: make(chan struct{})}
	b = &End{queue: make(chan []byte, queueSize), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	go a.run()
	go b.run()
	return a, b
}

func (e *End) run() {
	for {
		select {
		case data := <-e.queue:
			f, err := protocol.Decode(data)
			e.mu.RLock()
			fn := e.handler
			e.mu.RUnlock()
			if fn != nil {
				fn(f, err)
			}
		case <-e.done:
			return
		}
	}
}

// OnFrame registers the inbound frame handler.
func (e *End) OnFrame(fn func(*protocol.Frame, error)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// Send encodes f and queues it for the peer. Frames sent after either end
// closed are discarded.
func (e *End) Send(f *protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		panic(err)
	}
	e.count(f.Cmd)
	e.SendRaw(data)
}

// SendRaw queues arbitrary bytes for the peer, bypassing the encoder.
func (e *End) SendRaw(data []byte) {
	select {
	case <-e.done:
		return
	case <-e.peer.done:
		return
	default:
	}
	select {
	case e.peer.queue <- data:
	case <-e.done:
	case <-e.peer.done:
	}
}

func (e *End) count(cmd protocol.Command) {
	v, _ := e.sent.LoadOrStore(cmd, &counter{})
	c := v.(*counter)
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

// Sent returns how many frames of kind cmd this end has sent.
func (e *End) Sent(cmd protocol.Command) int {
	v, ok := e.sent.Load(cmd)
	if !ok {
		return 0
	}
	c := v.(*counter)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Close stops delivery on this end. Safe to call multiple times.
func (e *End) Close() {
	e.once.Do(func() { close(e.done) })
}

// Done is closed once Close was called.
func (e *End) Done() <-chan struct{} { return e.done }
