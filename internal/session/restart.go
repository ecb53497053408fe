package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/1ureka/rtcsocks/internal/rendezvous"
)

// ErrRestartFailed is returned when every renegotiation attempt failed. The
// session stays on its current transport.
var ErrRestartFailed = errors.New("ICE restart failed")

// Restart renegotiates the established peer in place: it publishes an
// ICE-restart offer, waits for the restart answer and applies it. Open
// streams are untouched. On failure the session returns to ESTABLISHED.
func (c *Coordinator) Restart(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	if !c.transition(StateEstablished, StateRestarting) {
		if c.State() == StateTerminated {
			return ErrTerminated
		}
		return fmt.Errorf("%w: restart in %s", ErrWrongState, c.State())
	}
	ctx, cancel := c.bind(ctx)
	defer cancel()

	c.deleteKey(c.keys.RestartAnswer())
	err := c.restartOffer(ctx)
	c.deleteKey(c.keys.RestartOffer())
	c.transition(StateRestarting, StateEstablished)
	if err != nil {
		return c.reportErr(err)
	}

	c.scope.Info("ICE restart #%d complete", c.epoch.Add(1))
	return nil
}

func (c *Coordinator) restartOffer(ctx context.Context) error {
	sdp, err := c.peer.CreateOffer(ctx, true)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, c.keys.RestartOffer(), sdp); err != nil {
		return fmt.Errorf("publish restart offer: %w", err)
	}
	c.scope.Debug("restart offer published")

	answer, err := rendezvous.Consume(ctx, c.store, c.keys.RestartAnswer(), c.timing.RestartAnswerTimeout, c.timing.RestartAnswerPoll)
	if err != nil {
		return fmt.Errorf("wait for restart answer: %w", err)
	}
	return c.peer.AcceptAnswer(answer)
}

// RestartWithRetry calls Restart up to Timing.RestartAttempts times with
// exponential backoff between attempts. It gives up early when the session
// terminates or ctx is cancelled.
func (c *Coordinator) RestartWithRetry(ctx context.Context) error {
	attempts := max(1, c.timing.RestartAttempts)
	b := &backoff.Backoff{
		Min:    c.timing.RestartRetryMin,
		Max:    c.timing.RestartRetryMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.Restart(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTerminated) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		delay := b.Duration()
		c.scope.Warning("ICE restart attempt %d/%d failed, retrying in %s: %v", attempt, attempts, delay.Round(time.Millisecond), err)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.Done():
			t.Stop()
			return ErrTerminated
		}
	}
	c.scope.Error("ICE restart gave up after %d attempts, keeping current transport: %v", attempts, lastErr)
	return fmt.Errorf("%w after %d attempts: %v", ErrRestartFailed, attempts, lastErr)
}

// WatchRestarts serves restart offers for the responding side until ctx is
// cancelled or the session terminates. Each wait lasts
// Timing.RestartWatchWindow before the watch is renewed.
func (c *Coordinator) WatchRestarts(ctx context.Context) {
	ctx, cancel := c.bind(ctx)
	defer cancel()

	for {
		offer, err := rendezvous.WaitForKey(ctx, c.store, c.keys.RestartOffer(), c.timing.RestartWatchWindow, c.timing.RestartWatchPoll)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			continue
		}
		if err := c.acceptRestart(ctx, offer); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.scope.Warning("ICE restart failed: %v", err)
		}
	}
}

func (c *Coordinator) acceptRestart(ctx context.Context, offer string) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	if !c.transition(StateEstablished, StateRestarting) {
		return fmt.Errorf("%w: restart in %s", ErrWrongState, c.State())
	}
	defer c.transition(StateRestarting, StateEstablished)

	c.deleteKey(c.keys.RestartOffer())
	c.scope.Debug("restart offer received")
	answer, err := c.peer.AcceptOffer(ctx, offer)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, c.keys.RestartAnswer(), answer); err != nil {
		return fmt.Errorf("publish restart answer: %w", err)
	}
	c.scope.Info("ICE restart #%d answered", c.epoch.Add(1))
	return nil
}
