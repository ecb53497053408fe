package rendezvous_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/rtcsocks/internal/rendezvous"
)

// storeContract runs the behavior every backend must share.
func storeContract(t *testing.T, s rendezvous.Store) {
	ctx := context.Background()

	if _, err := s.Get(ctx, "sessions/a/s1/offer.sdp"); !errors.Is(err, rendezvous.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, "sessions/a/s1/offer.sdp", "v=0 offer"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "sessions/a/s1/restart/offer.sdp", "v=0 restart"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "sessions/b/s2/offer.sdp", "other"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "sessions/a/s1/offer.sdp")
	if err != nil || got != "v=0 offer" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	// Overwrite.
	s.Put(ctx, "sessions/a/s1/offer.sdp", "v=0 offer 2")
	if got, _ := s.Get(ctx, "sessions/a/s1/offer.sdp"); got != "v=0 offer 2" {
		t.Fatalf("Get after overwrite = %q", got)
	}

	entries, err := s.List(ctx, "sessions/a/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "sessions/a/s1/offer.sdp" || entries[1].Key != "sessions/a/s1/restart/offer.sdp" {
		t.Fatalf("List = %+v", entries)
	}

	if err := s.Delete(ctx, "sessions/a/s1/offer.sdp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "sessions/a/s1/offer.sdp"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, err := s.Get(ctx, "sessions/a/s1/offer.sdp"); !errors.Is(err, rendezvous.ErrNotFound) {
		t.Fatalf("Get deleted = %v", err)
	}

	for _, bad := range []string{"", "/abs", "a/../b", "a//b"} {
		if err := s.Put(ctx, bad, "x"); !errors.Is(err, rendezvous.ErrInvalidKey) {
			t.Errorf("Put(%q) = %v, want ErrInvalidKey", bad, err)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, rendezvous.NewMemoryStore())
}

func TestDirStore(t *testing.T) {
	s, err := rendezvous.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	storeContract(t, s)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"sessions/a/b/offer.sdp", true},
		{"agents/x/ready", true},
		{"", false},
		{"/sessions", false},
		{"\\sessions", false},
		{"sessions/../etc", false},
		{"sessions//a", false},
	}
	for _, tt := range tests {
		err := rendezvous.ValidateKey(tt.key)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateKey(%q) = %v, want ok=%v", tt.key, err, tt.ok)
		}
	}
}

func TestKeys(t *testing.T) {
	k := rendezvous.SessionKeys("build-01", "5b0d")
	tests := []struct{ got, want string }{
		{k.Offer(), "sessions/build-01/5b0d/offer.sdp"},
		{k.Answer(), "sessions/build-01/5b0d/answer.sdp"},
		{k.RestartOffer(), "sessions/build-01/5b0d/restart/offer.sdp"},
		{k.RestartAnswer(), "sessions/build-01/5b0d/restart/answer.sdp"},
		{rendezvous.ReadyKey("build-01"), "agents/build-01/ready"},
		{rendezvous.AgentPrefix("build-01"), "sessions/build-01/"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key %q, want %q", tt.got, tt.want)
		}
	}
}

func TestFindOfferIgnoresRestartOffers(t *testing.T) {
	ctx := context.Background()
	s := rendezvous.NewMemoryStore()
	s.Put(ctx, rendezvous.SessionKeys("a", "old").RestartOffer(), "restart")
	s.Put(ctx, rendezvous.SessionKeys("b", "foreign").Offer(), "foreign")

	if _, err := rendezvous.FindOffer(ctx, s, "a"); !errors.Is(err, rendezvous.ErrNotFound) {
		t.Fatalf("FindOffer = %v, want ErrNotFound", err)
	}

	s.Put(ctx, rendezvous.SessionKeys("a", "s1").Offer(), "offer")
	ref, err := rendezvous.FindOffer(ctx, s, "a")
	if err != nil {
		t.Fatalf("FindOffer: %v", err)
	}
	if ref.Session != "s1" || ref.Key != "sessions/a/s1/offer.sdp" {
		t.Fatalf("FindOffer = %+v", ref)
	}
}

func TestNextOfferWaitsForOffer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := rendezvous.NewMemoryStore()

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Put(ctx, rendezvous.SessionKeys("a", "s9").Offer(), "offer")
	}()
	ref, err := rendezvous.NextOffer(ctx, s, "a", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if ref.Session != "s9" {
		t.Fatalf("session = %q", ref.Session)
	}
}

func TestActiveAgentsFreshness(t *testing.T) {
	ctx := context.Background()
	s := rendezvous.NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	s.SetClock(func() time.Time { return base })
	rendezvous.Touch(ctx, s, "stale")
	s.SetClock(func() time.Time { return base.Add(50 * time.Second) })
	rendezvous.Touch(ctx, s, "fresh")
	rendezvous.Touch(ctx, s, "also-fresh")
	s.Put(ctx, "agents/junk/other", "x")

	ids, err := rendezvous.ActiveAgents(ctx, s, 60*time.Second, base.Add(70*time.Second))
	if err != nil {
		t.Fatalf("ActiveAgents: %v", err)
	}
	if len(ids) != 2 || ids[0] != "also-fresh" || ids[1] != "fresh" {
		t.Fatalf("ActiveAgents = %v", ids)
	}
}

func TestHeartbeatTouchesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := rendezvous.NewMemoryStore()

	done := make(chan struct{})
	go func() {
		rendezvous.Heartbeat(ctx, s, "agent-1", 10*time.Millisecond)
		close(done)
	}()

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if _, err := rendezvous.WaitForKey(wctx, s, rendezvous.ReadyKey("agent-1"), 5*time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("ready key not written: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Heartbeat did not stop")
	}
}
