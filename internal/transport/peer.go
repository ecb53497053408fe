package transport

import (
	"github.com/pion/webrtc/v4"
)

// Public STUN servers used when no relay credentials are configured.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options configures a new Transport.
type Options struct {
	// ICEServers are the STUN/TURN servers handed to ICE. When empty the
	// public Google STUN servers are used.
	ICEServers []webrtc.ICEServer

	// NoDefaultSTUN disables the public STUN fallback, leaving only host
	// candidates when ICEServers is empty.
	NoDefaultSTUN bool

	// RelayOnly restricts ICE to relayed candidates.
	RelayOnly bool

	// SettingEngine, when set, tunes the underlying ICE agent.
	SettingEngine *webrtc.SettingEngine
}

func (o Options) configuration() webrtc.Configuration {
	servers := o.ICEServers
	if len(servers) == 0 && !o.NoDefaultSTUN {
		servers = []webrtc.ICEServer{{URLs: defaultSTUNServers}}
	}
	config := webrtc.Configuration{ICEServers: servers}
	if o.RelayOnly {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return config
}

// newPeerConnection creates a PeerConnection from opts.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	if opts.SettingEngine != nil {
		api := webrtc.NewAPI(webrtc.WithSettingEngine(*opts.SettingEngine))
		return api.NewPeerConnection(opts.configuration())
	}
	return webrtc.NewPeerConnection(opts.configuration())
}

// newDataChannel creates the pre-negotiated tunnel DataChannel. Negotiated
// mode (ID 0) lets both sides create the channel without OnDataChannel. The
// channel is ordered and reliable: frames of one stream must arrive in the
// order they were sent, and CONNECT_ACK must precede the stream's DATA.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
