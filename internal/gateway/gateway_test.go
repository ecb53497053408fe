package gateway_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/rtcsocks/internal/gateway"
	"github.com/1ureka/rtcsocks/internal/rendezvous"
)

func startGateway(t *testing.T, store rendezvous.Store, opts gateway.Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gateway.New(store, opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStoreAgainstGateway(t *testing.T) {
	ctx := context.Background()
	srv := startGateway(t, rendezvous.NewMemoryStore(), gateway.Options{})
	s := rendezvous.NewHTTPStore(srv.URL, "", srv.Client())

	keys := rendezvous.SessionKeys("agent-1", "s1")
	if _, err := s.Get(ctx, keys.Offer()); !errors.Is(err, rendezvous.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, keys.Offer(), "v=0\r\no=- offer"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, keys.RestartOffer(), "restart"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := s.Get(ctx, keys.Offer())
	if err != nil || v != "v=0\r\no=- offer" {
		t.Fatalf("Get = %q, %v", v, err)
	}

	ref, err := rendezvous.FindOffer(ctx, s, "agent-1")
	if err != nil || ref.Session != "s1" {
		t.Fatalf("FindOffer = %+v, %v", ref, err)
	}

	if err := s.Delete(ctx, keys.Offer()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, keys.Offer()); !errors.Is(err, rendezvous.ErrNotFound) {
		t.Fatalf("Get deleted = %v", err)
	}
	entries, err := s.List(ctx, rendezvous.AgentPrefix("agent-1"))
	if err != nil || len(entries) != 1 || entries[0].Key != keys.RestartOffer() {
		t.Fatalf("List = %+v, %v", entries, err)
	}
}

func TestGatewayPresence(t *testing.T) {
	ctx := context.Background()
	store := rendezvous.NewMemoryStore()
	srv := startGateway(t, store, gateway.Options{})
	s := rendezvous.NewHTTPStore(srv.URL, "", srv.Client())

	if err := rendezvous.Touch(ctx, s, "agent-b"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := rendezvous.Touch(ctx, s, "agent-a"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	// A marker written long ago is not listed.
	store.SetClock(func() time.Time { return time.Now().Add(-10 * time.Minute) })
	store.Put(ctx, rendezvous.ReadyKey("agent-old"), "")

	ids, err := rendezvous.ActiveAgents(ctx, s, 60*time.Second, time.Now())
	if err != nil {
		t.Fatalf("ActiveAgents: %v", err)
	}
	if len(ids) != 2 || ids[0] != "agent-a" || ids[1] != "agent-b" {
		t.Fatalf("ActiveAgents = %v", ids)
	}
}

func TestGatewayRejectsBadKeys(t *testing.T) {
	srv := startGateway(t, rendezvous.NewMemoryStore(), gateway.Options{})

	tests := []struct {
		method, path string
		status       int
	}{
		{http.MethodGet, "/get/", http.StatusBadRequest},
		{http.MethodGet, "/list", http.StatusBadRequest},
		{http.MethodGet, "/list?prefix=/etc", http.StatusBadRequest},
		{http.MethodGet, "/put/a", http.StatusMethodNotAllowed},
		{http.MethodPost, "/delete/a", http.StatusMethodNotAllowed},
		{http.MethodGet, "/ice", http.StatusNotFound},
		{http.MethodGet, "/health", http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.status)
		}
	}
}

func TestGatewayToken(t *testing.T) {
	ctx := context.Background()
	srv := startGateway(t, rendezvous.NewMemoryStore(), gateway.Options{Token: "s3cret"})

	anon := rendezvous.NewHTTPStore(srv.URL, "", srv.Client())
	var he *rendezvous.HTTPError
	if err := anon.Put(ctx, "agents/x/ready", ""); !errors.As(err, &he) || he.Status != http.StatusUnauthorized {
		t.Fatalf("Put without token = %v, want 401", err)
	}

	authed := rendezvous.NewHTTPStore(srv.URL, "s3cret", srv.Client())
	if err := authed.Put(ctx, "agents/x/ready", ""); err != nil {
		t.Fatalf("Put with token: %v", err)
	}

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health = %d without token", resp.StatusCode)
	}
}

func TestGatewayWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := rendezvous.NewMemoryStore()
	srv := startGateway(t, store, gateway.Options{Token: "tok"})
	s := rendezvous.NewHTTPStore(srv.URL, "tok", srv.Client()).WithWatch()

	key := rendezvous.SessionKeys("a", "s").Answer()
	time.AfterFunc(100*time.Millisecond, func() { store.Put(ctx, key, "answer-sdp") })

	v, err := s.Watch(ctx, key)
	if err != nil || v != "answer-sdp" {
		t.Fatalf("Watch = %q, %v", v, err)
	}

	// WaitForKey through the watching store resolves immediately for an
	// existing key and times out for a missing one.
	v, err = rendezvous.WaitForKey(ctx, s, key, time.Second, 50*time.Millisecond)
	if err != nil || v != "answer-sdp" {
		t.Fatalf("WaitForKey = %q, %v", v, err)
	}
	_, err = rendezvous.WaitForKey(ctx, s, "sessions/a/s/missing", 200*time.Millisecond, 50*time.Millisecond)
	if !errors.Is(err, rendezvous.ErrTimeout) {
		t.Fatalf("WaitForKey missing = %v, want ErrTimeout", err)
	}
}

func TestICECredentials(t *testing.T) {
	srv := startGateway(t, rendezvous.NewMemoryStore(), gateway.Options{
		TURN: &gateway.TURNConfig{
			Secret: "turn-secret",
			URLs:   []string{"turn:relay.example.com:3478?transport=udp"},
			TTL:    10 * time.Minute,
		},
	})

	resp, err := srv.Client().Get(srv.URL + "/ice?u=ctl")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		TTL int `json:"ttl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TTL != 600 || len(body.ICEServers) != 1 {
		t.Fatalf("response = %+v", body)
	}
	srvEntry := body.ICEServers[0]
	if !strings.HasSuffix(srvEntry.Username, ":ctl") {
		t.Fatalf("username = %q", srvEntry.Username)
	}

	mac := hmac.New(sha1.New, []byte("turn-secret"))
	mac.Write([]byte(srvEntry.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); srvEntry.Credential != want {
		t.Fatalf("credential = %q, want %q", srvEntry.Credential, want)
	}
}

func TestTURNCredentialFormat(t *testing.T) {
	user, cred := gateway.TURNCredential("k", "bob", time.Unix(1700000000, 0))
	if user != "1700000000:bob" {
		t.Fatalf("username = %q", user)
	}
	raw, err := base64.StdEncoding.DecodeString(cred)
	if err != nil || len(raw) != sha1.Size {
		t.Fatalf("credential %q is not a base64 SHA-1 MAC", cred)
	}
}
