package transport

import (
	"context"

	"github.com/1ureka/rtcsocks/internal/protocol"
	"github.com/1ureka/rtcsocks/internal/util"
	"github.com/pion/webrtc/v4"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 256        // outgoing frame channel capacity
)

// sender is a goroutine-based frame writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan *protocol.Frame
	drainSignal chan struct{}
	fail        func(error)
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled. fail is
// called if the channel rejects a write.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, fail func(error)) *sender {
	s := &sender{
		inbox:       make(chan *protocol.Frame, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		fail:        fail,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case f := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			data, err := protocol.Encode(f)
			if err != nil {
				util.LogError("dropping unencodable %s: %v", f, err)
				continue
			}
			if err := dc.Send(data); err != nil {
				util.LogError("failed to send %s: %v", f, err)
				s.fail(err)
				return
			}

			util.Stats.AddSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a frame for transmission. It blocks if the internal buffer
// is full and returns silently when ctx is already cancelled.
func (s *sender) send(ctx context.Context, f *protocol.Frame) {
	select {
	case s.inbox <- f:
	case <-ctx.Done():
	}
}
