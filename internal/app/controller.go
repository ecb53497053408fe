package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/rtcsocks/internal/config"
	"github.com/1ureka/rtcsocks/internal/relay"
	"github.com/1ureka/rtcsocks/internal/rendezvous"
	"github.com/1ureka/rtcsocks/internal/session"
	"github.com/1ureka/rtcsocks/internal/socks5"
	"github.com/1ureka/rtcsocks/internal/transport"
	"github.com/1ureka/rtcsocks/internal/tunnel"
	"github.com/1ureka/rtcsocks/internal/util"
)

var (
	ErrNotConnected     = errors.New("not connected to an agent")
	ErrAlreadyConnected = errors.New("already connected to an agent")
)

// Controller connects to agents on demand and exposes each session as a
// local SOCKS5 proxy. At most one session is active.
type Controller struct {
	cfg     config.Config
	store   rendezvous.Store
	updater *relay.Updater
	timing  session.Timing

	// Transport is the base transport configuration for every session.
	Transport transport.Options
	// SocksAddr overrides the configured SOCKS5 bind address.
	SocksAddr string

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	active    *activeSession
	relaySeen bool
}

type activeSession struct {
	agentID string
	coord   *session.Coordinator
	tr      *transport.Transport
	socks   *socks5.Server
}

// NewController creates a controller. src may be nil when no relay is
// configured.
func NewController(cfg config.Config, store rendezvous.Store, src relay.Source) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     store,
		updater:   newUpdater(src, cfg.Relay),
		timing:    sessionTiming(cfg),
		Transport: transportOptions(cfg.Relay),
		SocksAddr: cfg.Controller.SocksAddr,
	}
}

// Start launches the background relay refresh. It must be called once
// before Connect; Close stops it.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.group, c.ctx = errgroup.WithContext(c.ctx)
	if c.updater != nil {
		c.updater.Subscribe(c.onRelayUpdate)
		c.group.Go(func() error {
			c.updater.Run(c.ctx)
			return nil
		})
	}
}

// ListAgents returns the agents whose presence marker is fresh.
func (c *Controller) ListAgents(ctx context.Context) ([]string, error) {
	return rendezvous.ActiveAgents(ctx, c.store, c.cfg.Controller.PresenceMaxAge, time.Now())
}

// Active reports the connected agent and session id.
func (c *Controller) Active() (agentID, sessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", "", false
	}
	return c.active.agentID, c.active.coord.ID(), true
}

// SessionDone returns a channel closed when the active session ends. With
// no active session the channel is already closed.
func (c *Controller) SessionDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.active.coord.Done()
}

// Connect negotiates a new session with agentID and, once the data channel
// is open, starts the SOCKS5 listener. When the handshake fails nothing is
// left listening and the error is returned; a missing answer yields
// rendezvous.ErrTimeout.
func (c *Controller) Connect(ctx context.Context, agentID string) (net.Addr, error) {
	if agentID == "" || util.SanitizeAgentID(agentID) != agentID {
		return nil, fmt.Errorf("invalid agent id %q", agentID)
	}
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.mu.Unlock()

	if c.updater != nil {
		wctx, cancel := context.WithTimeout(ctx, firstRelayWait)
		c.updater.AwaitFirst(wctx)
		cancel()
	}

	sessionID := uuid.NewString()
	scope := util.ShortID(sessionID)
	tr, err := transport.New(c.ctx, withRelay(c.Transport, c.updater))
	if err != nil {
		return nil, err
	}
	orig := tunnel.NewOriginator(sessionID, tr)
	tunnel.Attach(tr, sessionID, orig)

	coord := session.New(c.store, rendezvous.SessionKeys(agentID, sessionID), tr, c.timing)
	coord.OnTerminate(func() error {
		if n := orig.Shutdown(); n > 0 {
			scope.Info("closed %d open streams", n)
		}
		return nil
	})

	scope.Info("connecting to agent %q", agentID)
	if err := coord.Offer(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", agentID, err)
	}

	srv, err := socks5.Listen(c.SocksAddr, orig)
	if err != nil {
		coord.Terminate(err)
		return nil, err
	}
	coord.OnTerminate(srv.Close)

	s := &activeSession{agentID: agentID, coord: coord, tr: tr, socks: srv}
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		coord.Terminate(ErrAlreadyConnected)
		return nil, ErrAlreadyConnected
	}
	c.active = s
	c.mu.Unlock()

	c.group.Go(func() error {
		if err := srv.Serve(c.ctx); err != nil {
			scope.Warning("SOCKS5 server stopped: %v", err)
		}
		return nil
	})
	c.group.Go(func() error {
		<-coord.Done()
		c.mu.Lock()
		if c.active == s {
			c.active = nil
		}
		c.mu.Unlock()
		if cause := coord.Cause(); !errors.Is(cause, session.ErrTerminated) && c.ctx.Err() == nil {
			util.LogWarning("session with %q ended: %v", agentID, cause)
		}
		return nil
	})

	util.LogSuccess("connected to %q, SOCKS5 proxy listening on %s", agentID, srv.Addr())
	return srv.Addr(), nil
}

// Disconnect terminates the active session.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	util.LogInfo("disconnecting from %q", s.agentID)
	return s.coord.Terminate(nil)
}

// Restart renegotiates the active session in place.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.coord.RestartWithRetry(ctx)
}

// Close disconnects, stops background work and waits for it.
func (c *Controller) Close() error {
	var errs []error
	if err := c.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		errs = append(errs, err)
	}
	if c.cancel != nil {
		c.cancel()
		errs = append(errs, c.group.Wait())
	}
	return errors.Join(errs...)
}

// onRelayUpdate applies rotated credentials to the active session and
// renegotiates so ICE gathers with them. The first bundle only seeds new
// sessions.
func (c *Controller) onRelayUpdate(b relay.Bundle) {
	c.mu.Lock()
	first := !c.relaySeen
	c.relaySeen = true
	s := c.active
	c.mu.Unlock()
	if first || s == nil {
		return
	}

	if err := s.tr.Reconfigure(relayServers(c.Transport, b)); err != nil {
		util.LogWarning("apply relay credentials: %v", err)
		return
	}
	util.LogInfo("relay credentials rotated, restarting ICE")
	c.group.Go(func() error {
		if err := s.coord.RestartWithRetry(c.ctx); err != nil && !errors.Is(err, session.ErrTerminated) && c.ctx.Err() == nil {
			util.LogWarning("ICE restart after credential rotation: %v", err)
		}
		return nil
	})
}
