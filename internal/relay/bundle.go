// Package relay supplies time-limited STUN/TURN credentials to the
// transport and refreshes them before they expire.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Server is one ICE server entry as returned by credential APIs.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Bundle is a set of ICE servers valid until ExpiresAt. A zero ExpiresAt
// never expires.
type Bundle struct {
	Servers   []Server
	ExpiresAt time.Time
}

// TTL returns how long the bundle remains valid at now.
func (b Bundle) TTL(now time.Time) time.Duration {
	if b.ExpiresAt.IsZero() {
		return 0
	}
	return max(0, b.ExpiresAt.Sub(now))
}

// ICEServers converts the bundle for the PeerConnection configuration.
func (b Bundle) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(b.Servers))
	for _, s := range b.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

func (b Bundle) String() string {
	var urls []string
	for _, s := range b.Servers {
		urls = append(urls, s.URLs...)
	}
	if b.ExpiresAt.IsZero() {
		return fmt.Sprintf("[%s] (static)", strings.Join(urls, ", "))
	}
	return fmt.Sprintf("[%s] (expires %s)", strings.Join(urls, ", "), b.ExpiresAt.Format(time.RFC3339))
}

// Source fetches a fresh bundle.
type Source interface {
	Fetch(ctx context.Context) (Bundle, error)
}

// StaticSource always returns the same non-expiring bundle.
type StaticSource struct {
	Servers []Server
}

func (s StaticSource) Fetch(context.Context) (Bundle, error) {
	return Bundle{Servers: s.Servers}, nil
}
