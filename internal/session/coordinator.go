// Package session drives the descriptor exchange of one tunnel session over
// a rendezvous store: the initial offer/answer, in-place ICE restarts, and
// teardown when the transport fails or the session is stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtcsocks/internal/rendezvous"
	"github.com/1ureka/rtcsocks/internal/util"
)

var (
	// ErrTerminated is returned by operations on a terminated session.
	ErrTerminated = errors.New("session terminated")
	// ErrWrongState is returned when an operation does not fit the
	// current state, such as a second initial handshake.
	ErrWrongState = errors.New("invalid session state")
)

// Peer is the negotiable transport underneath a session.
// *transport.Transport implements it.
type Peer interface {
	// CreateOffer returns the pending local offer again if the previous one
	// was never answered, so a failed restart can be retried.
	CreateOffer(ctx context.Context, iceRestart bool) (string, error)
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	AcceptAnswer(sdp string) error
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Timing holds the rendezvous deadlines and poll intervals.
type Timing struct {
	AnswerTimeout        time.Duration
	AnswerPoll           time.Duration
	OfferTimeout         time.Duration
	OfferPoll            time.Duration
	ReadyTimeout         time.Duration
	RestartAnswerTimeout time.Duration
	RestartAnswerPoll    time.Duration
	RestartWatchWindow   time.Duration
	RestartWatchPoll     time.Duration
	RestartAttempts      int
	RestartRetryMin      time.Duration
	RestartRetryMax      time.Duration
}

// DefaultTiming returns the production deadlines.
func DefaultTiming() Timing {
	return Timing{
		AnswerTimeout:        3 * time.Minute,
		AnswerPoll:           2 * time.Second,
		OfferTimeout:         30 * time.Second,
		OfferPoll:            300 * time.Millisecond,
		ReadyTimeout:         time.Minute,
		RestartAnswerTimeout: 2 * time.Minute,
		RestartAnswerPoll:    500 * time.Millisecond,
		RestartWatchWindow:   2 * time.Second,
		RestartWatchPoll:     300 * time.Millisecond,
		RestartAttempts:      3,
		RestartRetryMin:      5 * time.Second,
		RestartRetryMax:      time.Minute,
	}
}

// Coordinator owns the state machine of one session. The controller side
// calls Offer and later Restart; the agent side calls Answer and runs
// WatchRestarts. Both end with Terminate.
type Coordinator struct {
	store  rendezvous.Store
	keys   rendezvous.Keys
	peer   Peer
	timing Timing
	scope  util.Scope

	state atomic.Int32
	epoch atomic.Uint64

	// restartMu serialises renegotiations on the same peer.
	restartMu sync.Mutex

	hooksMu sync.Mutex
	hooks   []func() error

	ctx       context.Context
	cancel    context.CancelFunc
	termOnce  sync.Once
	termErr   error
	termCause error
}

// New creates a Coordinator in StateInit for the session described by keys.
func New(store rendezvous.Store, keys rendezvous.Keys, peer Peer, timing Timing) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:  store,
		keys:   keys,
		peer:   peer,
		timing: timing,
		scope:  util.ShortID(keys.Session),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.keys.Session }

// Keys returns the rendezvous keys of the session.
func (c *Coordinator) Keys() rendezvous.Keys { return c.keys }

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Epoch returns how many restarts completed.
func (c *Coordinator) Epoch() uint64 { return c.epoch.Load() }

// Done is closed once the session is terminated.
func (c *Coordinator) Done() <-chan struct{} { return c.ctx.Done() }

// Cause returns why the session terminated, or nil while it is alive.
func (c *Coordinator) Cause() error {
	select {
	case <-c.ctx.Done():
		return c.termCause
	default:
		return nil
	}
}

// OnTerminate registers fn to run during teardown, after the peer has been
// closed. Hooks run in registration order. A hook added after termination
// runs immediately.
func (c *Coordinator) OnTerminate(fn func() error) {
	c.hooksMu.Lock()
	if c.State() != StateTerminated {
		c.hooks = append(c.hooks, fn)
		c.hooksMu.Unlock()
		return
	}
	c.hooksMu.Unlock()
	if err := fn(); err != nil {
		c.scope.Warning("teardown: %v", err)
	}
}

func (c *Coordinator) transition(from, to State) bool {
	if c.state.CompareAndSwap(int32(from), int32(to)) {
		c.scope.Debug("%s -> %s", from, to)
		return true
	}
	return false
}

// bind returns a context cancelled by either ctx or termination.
func (c *Coordinator) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Offer runs the initiating side of the handshake: publish an offer, wait
// for the answer, apply it and wait for the data channel. Any failure
// terminates the session and is returned; a missing answer yields
// rendezvous.ErrTimeout.
func (c *Coordinator) Offer(ctx context.Context) error {
	if !c.transition(StateInit, StateHandshaking) {
		return fmt.Errorf("%w: offer in %s", ErrWrongState, c.State())
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	err := c.offer(ctx)
	if err == nil {
		err = c.awaitReady(ctx)
	}
	if err != nil {
		c.Terminate(err)
		return c.reportErr(err)
	}
	c.established()
	return nil
}

func (c *Coordinator) offer(ctx context.Context) error {
	sdp, err := c.peer.CreateOffer(ctx, false)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, c.keys.Offer(), sdp); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	c.scope.Info("offer published, waiting for answer (up to %s)", c.timing.AnswerTimeout)

	answer, err := rendezvous.Consume(ctx, c.store, c.keys.Answer(), c.timing.AnswerTimeout, c.timing.AnswerPoll)
	c.deleteKey(c.keys.Offer())
	if err != nil {
		return fmt.Errorf("wait for answer: %w", err)
	}
	return c.peer.AcceptAnswer(answer)
}

// Answer runs the responding side of the handshake: consume the session's
// offer, publish an answer and wait for the data channel. Any failure
// terminates the session and is returned.
func (c *Coordinator) Answer(ctx context.Context) error {
	if !c.transition(StateInit, StateHandshaking) {
		return fmt.Errorf("%w: answer in %s", ErrWrongState, c.State())
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	err := c.answer(ctx)
	if err == nil {
		err = c.awaitReady(ctx)
	}
	if err != nil {
		c.Terminate(err)
		return c.reportErr(err)
	}
	c.established()
	return nil
}

func (c *Coordinator) answer(ctx context.Context) error {
	offer, err := rendezvous.Consume(ctx, c.store, c.keys.Offer(), c.timing.OfferTimeout, c.timing.OfferPoll)
	if err != nil {
		return fmt.Errorf("read offer: %w", err)
	}
	sdp, err := c.peer.AcceptOffer(ctx, offer)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, c.keys.Answer(), sdp); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	c.scope.Info("answer published")
	return nil
}

func (c *Coordinator) awaitReady(ctx context.Context) error {
	t := time.NewTimer(c.timing.ReadyTimeout)
	defer t.Stop()
	select {
	case <-c.peer.Ready():
		return nil
	case <-c.peer.Done():
		return fmt.Errorf("transport ended before data channel opened: %w", c.peer.Err())
	case <-t.C:
		return fmt.Errorf("data channel did not open within %s: %w", c.timing.ReadyTimeout, rendezvous.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reportErr maps a failure caused by termination to ErrTerminated.
func (c *Coordinator) reportErr(err error) error {
	if errors.Is(err, context.Canceled) && c.ctx.Err() != nil && !errors.Is(c.termCause, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTerminated, c.termCause)
	}
	return err
}

// established moves to ESTABLISHED and terminates the session when the
// peer ends.
func (c *Coordinator) established() {
	c.transition(StateHandshaking, StateEstablished)
	c.scope.Success("session established")
	go func() {
		select {
		case <-c.peer.Done():
			c.Terminate(c.peer.Err())
		case <-c.ctx.Done():
		}
	}()
}

// Terminate tears the session down once: it stops every loop bound to the
// session, closes the peer, runs the teardown hooks and removes the
// session's rendezvous keys. It returns the joined teardown errors.
func (c *Coordinator) Terminate(cause error) error {
	c.termOnce.Do(func() {
		if cause == nil {
			cause = ErrTerminated
		}
		c.termCause = cause

		c.hooksMu.Lock()
		prev := State(c.state.Swap(int32(StateTerminated)))
		hooks := c.hooks
		c.hooks = nil
		c.hooksMu.Unlock()

		c.cancel()
		if prev != StateInit {
			c.scope.Info("session terminated: %v", cause)
		}

		errs := []error{c.peer.Close()}
		for _, fn := range hooks {
			errs = append(errs, fn())
		}

		// Leftover keys would be picked up by the next poll.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, key := range []string{c.keys.Offer(), c.keys.Answer(), c.keys.RestartOffer(), c.keys.RestartAnswer()} {
			if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, rendezvous.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			}
		}
		c.termErr = errors.Join(errs...)
		if c.termErr != nil {
			c.scope.Debug("teardown errors: %v", c.termErr)
		}
	})
	return c.termErr
}

// ClearRestartKeys removes restart descriptors left over from an earlier
// run of the same session.
func (c *Coordinator) ClearRestartKeys() {
	c.deleteKey(c.keys.RestartOffer())
	c.deleteKey(c.keys.RestartAnswer())
}

func (c *Coordinator) deleteKey(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, rendezvous.ErrNotFound) {
		c.scope.Warning("failed to delete %s: %v", key, err)
	}
}
