// Package transport carries tunnel frames over a WebRTC DataChannel. It owns
// one PeerConnection and exposes the descriptor exchange, in-place ICE
// restart, relay reconfiguration and frame send/receive on top of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/rtcsocks/internal/protocol"
	"github.com/1ureka/rtcsocks/internal/util"
	"github.com/pion/webrtc/v4"
)

// ErrClosed is reported once the PeerConnection failed or the DataChannel
// closed. It is fatal for the session using the transport.
var ErrClosed = errors.New("transport closed")

// Transport wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for descriptor exchange, frame sending with backpressure,
// and frame receiving.
//
// Its lifecycle is governed by the DataChannel state, the PeerConnection
// state and the context passed at construction time. A Disconnected
// PeerConnection is not fatal since ICE restarts pass through it.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
	err     error
}

// New creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs the descriptor exchange via
// CreateOffer / AcceptOffer / AcceptAnswer and then uses Send / OnFrame.
func New(ctx context.Context, opts Options) (*Transport, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		util.LogDebug("DataChannel open")
		openOnce.Do(func() { close(t.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		t.fail(ErrClosed)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateFailed:
			t.fail(fmt.Errorf("%w: peer connection failed", ErrClosed))
		case webrtc.PeerConnectionStateClosed:
			t.fail(ErrClosed)
		}
	})

	t.sender = newSender(tCtx, dc, t.openSignal, t.fail)

	return t, nil
}

// fail records the first fatal error and ends the transport.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open and
// the Transport is ready to send and receive.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Err returns why the transport ended, or nil while it is alive.
func (t *Transport) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.err != nil {
		return t.err
	}
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.fail(ErrClosed)
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Descriptor exchange
// ---------------------------------------------------------------------------

// CreateOffer creates an offer, applies it locally and returns the complete
// SDP once ICE gathering finished. With iceRestart set the offer carries new
// ICE credentials and renegotiates the existing connection in place.
//
// A local offer that never got its answer cannot be rolled back, so while one
// is pending it is returned again instead of creating another.
func (t *Transport) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	if t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		util.LogDebug("re-using pending local offer")
		return t.awaitLocal(ctx, webrtc.GatheringCompletePromise(t.pc), webrtc.SDPTypeOffer)
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	return t.applyLocal(ctx, offer)
}

// AcceptOffer applies a remote offer and returns the complete answer SDP.
// It serves both the initial exchange and ICE restarts.
func (t *Transport) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	return t.applyLocal(ctx, answer)
}

// AcceptAnswer applies the remote answer to a pending local offer.
func (t *Transport) AcceptAnswer(sdp string) error {
	err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// applyLocal sets desc as the local description and waits for gathering to
// complete so the returned SDP carries every candidate.
func (t *Transport) applyLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	return t.awaitLocal(ctx, gathered, desc.Type)
}

func (t *Transport) awaitLocal(ctx context.Context, gathered <-chan struct{}, typ webrtc.SDPType) (string, error) {
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.ctx.Done():
		return "", t.Err()
	}
	local := t.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local %s missing after gathering", typ)
	}
	return local.SDP, nil
}

// Reconfigure replaces the ICE servers used for future gathering, typically
// with freshly issued relay credentials. Existing candidates are unaffected
// until the next ICE restart.
func (t *Transport) Reconfigure(servers []webrtc.ICEServer) error {
	config := t.pc.GetConfiguration()
	config.ICEServers = servers
	if err := t.pc.SetConfiguration(config); err != nil {
		return fmt.Errorf("reconfigure ICE servers: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues a frame. Frames sent after the transport ended are dropped.
func (t *Transport) Send(f *protocol.Frame) {
	t.sender.send(t.ctx, f)
}

// OnFrame registers a callback invoked for every inbound DataChannel
// message with the decoded frame or the decoding error. Messages are
// delivered one at a time.
func (t *Transport) OnFrame(fn func(*protocol.Frame, error)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		f, err := protocol.Decode(msg.Data)
		fn(f, err)
	})
}
