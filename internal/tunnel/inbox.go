package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// InboxBufferSize is the per-stream capacity of queued inbound DATA payloads.
// A stream whose local socket falls this far behind is torn down.
const InboxBufferSize = 256

// ErrInboxFull is returned by push when the stream's local socket is not
// keeping up with the peer.
var ErrInboxFull = errors.New("stream inbox full")

// inbox owns the local write side of one stream. The frame callback only
// enqueues; a dedicated goroutine drains the queue into the socket, so a
// stalled socket blocks nothing but its own stream.
type inbox struct {
	write  func([]byte) error
	closer io.Closer
	onFail func(error)

	ch       chan []byte
	done     chan struct{}
	stopOnce sync.Once
	shutOnce sync.Once
	unhook   func() bool
}

// newInbox starts the writer goroutine. onFail runs on the writer goroutine
// after the first failed write. Cancelling ctx stops the inbox and closes the
// socket, which also unblocks a write in progress.
func newInbox(ctx context.Context, write func([]byte) error, closer io.Closer, onFail func(error)) *inbox {
	in := &inbox{
		write:  write,
		closer: closer,
		onFail: onFail,
		ch:     make(chan []byte, InboxBufferSize),
		done:   make(chan struct{}),
	}
	in.unhook = context.AfterFunc(ctx, in.stop)
	go in.run()
	return in
}

func (in *inbox) run() {
	defer in.unhook()
	for {
		select {
		case p, ok := <-in.ch:
			if !ok {
				in.shut()
				return
			}
			if err := in.write(p); err != nil {
				select {
				case <-in.done:
				default:
					in.onFail(err)
				}
				return
			}
		case <-in.done:
			return
		}
	}
}

// push queues p without blocking. It must not be called after finish.
func (in *inbox) push(p []byte) error {
	select {
	case <-in.done:
		return net.ErrClosed
	default:
	}
	select {
	case in.ch <- p:
		return nil
	default:
		return ErrInboxFull
	}
}

// finish lets the writer flush what is queued and then close the socket.
// It must be called at most once, from the goroutine that calls push.
func (in *inbox) finish() {
	close(in.ch)
}

// abandon stops the writer and leaves the socket to the caller.
func (in *inbox) abandon() {
	in.stopOnce.Do(func() { close(in.done) })
}

// stop discards queued payloads and closes the socket immediately.
func (in *inbox) stop() {
	in.abandon()
	in.shut()
}

func (in *inbox) shut() {
	in.shutOnce.Do(func() { in.closer.Close() })
}
