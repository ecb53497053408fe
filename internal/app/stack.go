// Package app wires the rendezvous store, relay credentials, transport,
// session coordinator and stream routers into the agent and controller
// roles.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcsocks/internal/config"
	"github.com/1ureka/rtcsocks/internal/relay"
	"github.com/1ureka/rtcsocks/internal/rendezvous"
	"github.com/1ureka/rtcsocks/internal/session"
	"github.com/1ureka/rtcsocks/internal/transport"
)

// OpenStore builds the rendezvous store selected by cfg.
func OpenStore(ctx context.Context, cfg config.Rendezvous) (rendezvous.Store, error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		s := rendezvous.NewHTTPStore(strings.TrimSuffix(cfg.URL, "/"), cfg.Token, http.DefaultClient)
		if cfg.Watch {
			return s.WithWatch(), nil
		}
		return s, nil
	case config.BackendBlob:
		s, err := rendezvous.NewBlobStore(ctx, rendezvous.BlobOptions{
			ConnectionString: cfg.ConnectionString,
			AccountURL:       cfg.AccountURL,
			Container:        cfg.Container,
			CreateContainer:  cfg.CreateContainer,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendDir:
		s, err := rendezvous.NewDirStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory:
		return rendezvous.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown rendezvous backend %q", cfg.Backend)
	}
}

// RelaySource builds the credential source selected by cfg. It returns nil
// when no relay is configured. user names the caller towards TURN REST
// endpoints; token authenticates against the gateway when the relay
// configuration has none of its own.
func RelaySource(cfg config.Relay, user, token string) (relay.Source, error) {
	switch cfg.Source {
	case config.RelayNone, "":
		return nil, nil
	case config.RelayStatic:
		return relay.StaticSource{Servers: []relay.Server{{
			URLs:       cfg.URLs,
			Username:   cfg.Username,
			Credential: cfg.Credential,
		}}}, nil
	case config.RelayICEAPI:
		if cfg.ICEAPIToken != "" {
			token = cfg.ICEAPIToken
		}
		if cfg.ICEAPIUser != "" {
			user = cfg.ICEAPIUser
		}
		return &relay.ICEAPISource{URL: cfg.ICEAPIURL, User: user, Token: token}, nil
	case config.RelayACS:
		src, err := relay.NewACSSource(relay.ACSOptions{
			TenantID:     cfg.TenantID,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.ACSEndpoint,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown relay source %q", cfg.Source)
	}
}

func newUpdater(src relay.Source, cfg config.Relay) *relay.Updater {
	if src == nil {
		return nil
	}
	opts := relay.DefaultUpdaterOptions()
	opts.Safety = cfg.Safety
	opts.MinRefresh = cfg.MinRefresh
	opts.RetryMax = cfg.MaxRetry
	return relay.NewUpdater(src, opts)
}

func sessionTiming(cfg config.Config) session.Timing {
	t := session.DefaultTiming()
	s := cfg.Session
	t.AnswerTimeout = s.AnswerTimeout
	t.AnswerPoll = s.AnswerPoll
	t.OfferPoll = cfg.Agent.OfferPoll
	t.ReadyTimeout = s.ReadyTimeout
	t.RestartAnswerTimeout = s.RestartAnswerTimeout
	t.RestartAnswerPoll = s.RestartAnswerPoll
	t.RestartWatchWindow = s.RestartWatchWindow
	t.RestartWatchPoll = s.RestartWatchPoll
	t.RestartAttempts = s.RestartAttempts
	return t
}

func transportOptions(cfg config.Relay) transport.Options {
	return transport.Options{
		RelayOnly:     cfg.RelayOnly,
		NoDefaultSTUN: cfg.NoDefaultSTUN,
	}
}

// withRelay returns base extended with the latest relay bundle, if any.
func withRelay(base transport.Options, u *relay.Updater) transport.Options {
	if u == nil {
		return base
	}
	if b, ok := u.Current(); ok {
		base.ICEServers = relayServers(base, b)
	}
	return base
}

// relayServers merges the configured ICE servers with a relay bundle.
func relayServers(base transport.Options, b relay.Bundle) []webrtc.ICEServer {
	return append(append([]webrtc.ICEServer(nil), base.ICEServers...), b.ICEServers()...)
}
