// Package config holds the runtime configuration shared by the agent,
// controller and gateway commands.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Rendezvous backends.
const (
	BackendHTTP   = "http"
	BackendBlob   = "blob"
	BackendDir    = "dir"
	BackendMemory = "memory"
)

// Relay credential sources.
const (
	RelayNone   = "none"
	RelayStatic = "static"
	RelayICEAPI = "iceapi"
	RelayACS    = "acs"
)

// Config is the complete runtime configuration.
type Config struct {
	Rendezvous Rendezvous `yaml:"rendezvous"`
	Relay      Relay      `yaml:"relay"`
	Session    Session    `yaml:"session"`
	Agent      Agent      `yaml:"agent"`
	Controller Controller `yaml:"controller"`
	Gateway    Gateway    `yaml:"gateway"`
}

// Rendezvous selects and configures the signaling store.
type Rendezvous struct {
	Backend string `yaml:"backend"`

	// http
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	Watch bool   `yaml:"watch"`

	// dir
	Dir string `yaml:"dir"`

	// blob
	ConnectionString string `yaml:"connection_string"`
	AccountURL       string `yaml:"account_url"`
	Container        string `yaml:"container"`
	CreateContainer  bool   `yaml:"create_container"`
}

// Relay configures ICE servers and their credential source.
type Relay struct {
	Source        string `yaml:"source"`
	RelayOnly     bool   `yaml:"relay_only"`
	NoDefaultSTUN bool   `yaml:"no_default_stun"`

	// static
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`

	// iceapi
	ICEAPIURL   string `yaml:"iceapi_url"`
	ICEAPIUser  string `yaml:"iceapi_user"`
	ICEAPIToken string `yaml:"iceapi_token"`

	// acs
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	ACSEndpoint  string `yaml:"acs_endpoint"`

	Safety     time.Duration `yaml:"safety"`
	MinRefresh time.Duration `yaml:"min_refresh"`
	MaxRetry   time.Duration `yaml:"max_retry"`
}

// Session holds the rendezvous deadlines of the descriptor exchange.
type Session struct {
	AnswerTimeout        time.Duration `yaml:"answer_timeout"`
	AnswerPoll           time.Duration `yaml:"answer_poll"`
	ReadyTimeout         time.Duration `yaml:"ready_timeout"`
	RestartAnswerTimeout time.Duration `yaml:"restart_answer_timeout"`
	RestartAnswerPoll    time.Duration `yaml:"restart_answer_poll"`
	RestartWatchWindow   time.Duration `yaml:"restart_watch_window"`
	RestartWatchPoll     time.Duration `yaml:"restart_watch_poll"`
	RestartAttempts      int           `yaml:"restart_attempts"`
}

// Agent configures the terminating side.
type Agent struct {
	ID             string        `yaml:"id"`
	PresencePeriod time.Duration `yaml:"presence_period"`
	OfferPoll      time.Duration `yaml:"offer_poll"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// Controller configures the originating side.
type Controller struct {
	SocksAddr      string        `yaml:"socks_addr"`
	PresenceMaxAge time.Duration `yaml:"presence_max_age"`
}

// Gateway configures the HTTP rendezvous gateway.
type Gateway struct {
	Addr       string        `yaml:"addr"`
	Token      string        `yaml:"token"`
	Dir        string        `yaml:"dir"`
	TURNSecret string        `yaml:"turn_secret"`
	TURNURLs   []string      `yaml:"turn_urls"`
	TURNTTL    time.Duration `yaml:"turn_ttl"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Rendezvous: Rendezvous{
			Backend:   BackendHTTP,
			URL:       "http://127.0.0.1:9090",
			Container: "signaling",
		},
		Relay: Relay{
			Source:     RelayNone,
			Safety:     45 * time.Second,
			MinRefresh: 60 * time.Second,
			MaxRetry:   300 * time.Second,
		},
		Session: Session{
			AnswerTimeout:        3 * time.Minute,
			AnswerPoll:           2 * time.Second,
			ReadyTimeout:         time.Minute,
			RestartAnswerTimeout: 2 * time.Minute,
			RestartAnswerPoll:    500 * time.Millisecond,
			RestartWatchWindow:   2 * time.Second,
			RestartWatchPoll:     300 * time.Millisecond,
			RestartAttempts:      3,
		},
		Agent: Agent{
			PresencePeriod: 15 * time.Second,
			OfferPoll:      300 * time.Millisecond,
			DialTimeout:    15 * time.Second,
		},
		Controller: Controller{
			SocksAddr:      "127.0.0.1:1080",
			PresenceMaxAge: 60 * time.Second,
		},
		Gateway: Gateway{
			Addr:    ":9090",
			TURNTTL: time.Hour,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays YAML data onto cfg.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv fills secrets and endpoints from the environment when the
// configuration leaves them empty.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&c.Rendezvous.Token, "RTCSOCKS_TOKEN")
	set(&c.Rendezvous.ConnectionString, "AZURE_STORAGE_CONNECTION_STRING")
	set(&c.Relay.TenantID, "AZ_TENANT_ID")
	set(&c.Relay.ClientID, "AZ_CLIENT_ID")
	set(&c.Relay.ClientSecret, "AZ_CLIENT_SECRET")
	set(&c.Relay.ACSEndpoint, "ACS_ENDPOINT")
	set(&c.Gateway.Token, "RTCSOCKS_TOKEN")
	set(&c.Gateway.TURNSecret, "TURN_SECRET")
	if len(c.Gateway.TURNURLs) == 0 {
		if host, ok := lookup("TURN_HOST"); ok && host != "" {
			c.Gateway.TURNURLs = []string{
				"turn:" + host + ":3478?transport=udp",
				"turn:" + host + ":3478?transport=tcp",
			}
		}
	}
}

// Validate reports every unusable setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	r := c.Rendezvous
	switch r.Backend {
	case BackendHTTP:
		if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
			bad("rendezvous.url must be an http(s) URL, got %q", r.URL)
		}
	case BackendBlob:
		if r.ConnectionString == "" && r.AccountURL == "" {
			bad("rendezvous: blob backend needs connection_string or account_url")
		}
		if r.Container == "" {
			bad("rendezvous.container is empty")
		}
	case BackendDir:
		if r.Dir == "" {
			bad("rendezvous.dir is empty")
		}
	case BackendMemory:
	default:
		bad("rendezvous.backend %q is not one of http, blob, dir, memory", r.Backend)
	}

	rl := c.Relay
	switch rl.Source {
	case RelayNone, "":
	case RelayStatic:
		if len(rl.URLs) == 0 {
			bad("relay.urls is empty")
		}
	case RelayICEAPI:
		if rl.ICEAPIURL == "" {
			bad("relay.iceapi_url is empty")
		}
	case RelayACS:
		if rl.TenantID == "" || rl.ClientID == "" || rl.ClientSecret == "" {
			bad("relay: acs source needs tenant_id, client_id and client_secret")
		}
		if !strings.HasPrefix(rl.ACSEndpoint, "https://") {
			bad("relay.acs_endpoint must start with https://")
		}
	default:
		bad("relay.source %q is not one of none, static, iceapi, acs", rl.Source)
	}
	if rl.RelayOnly && (rl.Source == RelayNone || rl.Source == "") {
		bad("relay.relay_only needs a relay source")
	}
	if rl.MinRefresh <= 0 || rl.MaxRetry <= 0 || rl.Safety < 0 {
		bad("relay refresh timings must be positive")
	}

	s := c.Session
	for name, d := range map[string]time.Duration{
		"answer_timeout":         s.AnswerTimeout,
		"answer_poll":            s.AnswerPoll,
		"ready_timeout":          s.ReadyTimeout,
		"restart_answer_timeout": s.RestartAnswerTimeout,
		"restart_answer_poll":    s.RestartAnswerPoll,
		"restart_watch_window":   s.RestartWatchWindow,
		"restart_watch_poll":     s.RestartWatchPoll,
	} {
		if d <= 0 {
			bad("session.%s must be positive", name)
		}
	}
	if s.AnswerPoll > s.AnswerTimeout {
		bad("session.answer_poll exceeds answer_timeout")
	}
	if s.RestartAttempts < 1 {
		bad("session.restart_attempts must be at least 1")
	}

	if c.Agent.PresencePeriod <= 0 || c.Agent.OfferPoll <= 0 || c.Agent.DialTimeout <= 0 {
		bad("agent timings must be positive")
	}
	if c.Controller.PresenceMaxAge <= c.Agent.PresencePeriod {
		bad("controller.presence_max_age (%s) must exceed agent.presence_period (%s)",
			c.Controller.PresenceMaxAge, c.Agent.PresencePeriod)
	}
	if _, _, err := net.SplitHostPort(c.Controller.SocksAddr); err != nil {
		bad("controller.socks_addr: %v", err)
	}
	if _, _, err := net.SplitHostPort(c.Gateway.Addr); err != nil {
		bad("gateway.addr: %v", err)
	}
	if c.Gateway.TURNSecret != "" && len(c.Gateway.TURNURLs) == 0 {
		bad("gateway.turn_urls is empty while turn_secret is set")
	}

	return errors.Join(errs...)
}
