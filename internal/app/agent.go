package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/rtcsocks/internal/config"
	"github.com/1ureka/rtcsocks/internal/relay"
	"github.com/1ureka/rtcsocks/internal/rendezvous"
	"github.com/1ureka/rtcsocks/internal/session"
	"github.com/1ureka/rtcsocks/internal/transport"
	"github.com/1ureka/rtcsocks/internal/tunnel"
	"github.com/1ureka/rtcsocks/internal/util"
)

// firstRelayWait bounds how long a session waits for the first relay
// bundle before negotiating with STUN only.
const firstRelayWait = 30 * time.Second

// Agent advertises its presence, answers session offers addressed to it and
// terminates the tunnelled streams by dialing TCP. It serves one session at
// a time.
type Agent struct {
	ID string

	cfg     config.Config
	store   rendezvous.Store
	updater *relay.Updater
	timing  session.Timing

	// Transport is the base transport configuration for every session.
	Transport transport.Options

	mu      sync.Mutex
	current *transport.Transport
}

// NewAgent creates an agent. src may be nil when no relay is configured.
func NewAgent(cfg config.Config, store rendezvous.Store, src relay.Source) *Agent {
	id := cfg.Agent.ID
	if id == "" {
		id = util.AgentID()
	}
	return &Agent{
		ID:        id,
		cfg:       cfg,
		store:     store,
		updater:   newUpdater(src, cfg.Relay),
		timing:    sessionTiming(cfg),
		Transport: transportOptions(cfg.Relay),
	}
}

// Run blocks until ctx is cancelled. Presence, relay refresh and the
// session loop run side by side; session failures are logged and the agent
// goes back to waiting for the next offer.
func (a *Agent) Run(ctx context.Context) error {
	util.LogInfo("agent %q waiting for sessions", a.ID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rendezvous.Heartbeat(ctx, a.store, a.ID, a.cfg.Agent.PresencePeriod)
		return nil
	})
	if a.updater != nil {
		a.updater.Subscribe(a.onRelayUpdate)
		g.Go(func() error {
			a.updater.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		a.serve(ctx)
		return nil
	})
	return g.Wait()
}

func (a *Agent) serve(ctx context.Context) {
	a.awaitRelay(ctx)
	for {
		ref, err := rendezvous.NextOffer(ctx, a.store, a.ID, a.cfg.Agent.OfferPoll)
		if err != nil {
			if ctx.Err() == nil {
				util.LogWarning("waiting for offers failed: %v", err)
			}
			return
		}

		scope := util.ShortID(ref.Session)
		scope.Info("offer received")
		err = a.runSession(ctx, ref.Session)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, rendezvous.ErrTimeout):
			scope.Warning("handshake abandoned: %v", err)
		case err != nil && !errors.Is(err, session.ErrTerminated):
			scope.Warning("session ended: %v", err)
		}
	}
}

func (a *Agent) awaitRelay(ctx context.Context) {
	if a.updater == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, firstRelayWait)
	defer cancel()
	if _, err := a.updater.AwaitFirst(wctx); err != nil && ctx.Err() == nil {
		util.LogWarning("no relay credentials after %s, continuing without TURN", firstRelayWait)
	}
}

// runSession answers one offer and serves the session until it ends.
func (a *Agent) runSession(ctx context.Context, sessionID string) error {
	tr, err := transport.New(ctx, withRelay(a.Transport, a.updater))
	if err != nil {
		return err
	}

	term := tunnel.NewTerminator(ctx, sessionID, tr, a.cfg.Agent.DialTimeout)
	tunnel.Attach(tr, sessionID, term)

	c := session.New(a.store, rendezvous.SessionKeys(a.ID, sessionID), tr, a.timing)
	c.OnTerminate(func() error {
		if n := term.Shutdown(); n > 0 {
			util.ShortID(sessionID).Info("closed %d open streams", n)
		}
		return nil
	})
	c.ClearRestartKeys()

	a.setCurrent(tr)
	defer a.setCurrent(nil)

	if err := c.Answer(ctx); err != nil {
		return err
	}
	go c.WatchRestarts(ctx)

	select {
	case <-c.Done():
	case <-ctx.Done():
		c.Terminate(ctx.Err())
	}
	c.ClearRestartKeys()
	return c.Cause()
}

func (a *Agent) setCurrent(tr *transport.Transport) {
	a.mu.Lock()
	a.current = tr
	a.mu.Unlock()
}

// onRelayUpdate hands fresh credentials to the live transport. The
// controller drives the restart that puts them to use.
func (a *Agent) onRelayUpdate(b relay.Bundle) {
	a.mu.Lock()
	tr := a.current
	a.mu.Unlock()
	if tr == nil {
		return
	}
	if err := tr.Reconfigure(relayServers(a.Transport, b)); err != nil {
		util.LogWarning("apply relay credentials: %v", err)
	}
}
