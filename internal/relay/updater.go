package relay

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/1ureka/rtcsocks/internal/util"
)

// UpdaterOptions tunes refresh scheduling.
type UpdaterOptions struct {
	// Safety is how long before expiry a refresh is due.
	Safety time.Duration
	// MinRefresh is the shortest delay between successful refreshes.
	MinRefresh time.Duration
	// RetryMin and RetryMax bound the backoff after failed refreshes.
	RetryMin time.Duration
	RetryMax time.Duration
}

// DefaultUpdaterOptions mirrors typical TURN credential lifetimes.
func DefaultUpdaterOptions() UpdaterOptions {
	return UpdaterOptions{
		Safety:     45 * time.Second,
		MinRefresh: 60 * time.Second,
		RetryMin:   5 * time.Second,
		RetryMax:   300 * time.Second,
	}
}

// Updater keeps a current Bundle and notifies subscribers on every refresh.
type Updater struct {
	src  Source
	opts UpdaterOptions
	now  func() time.Time

	mu      sync.RWMutex
	current *Bundle
	subs    []func(Bundle)

	first     chan struct{}
	firstOnce sync.Once
}

// NewUpdater creates an Updater for src. Run starts refreshing.
func NewUpdater(src Source, opts UpdaterOptions) *Updater {
	def := DefaultUpdaterOptions()
	if opts.Safety <= 0 {
		opts.Safety = def.Safety
	}
	if opts.MinRefresh <= 0 {
		opts.MinRefresh = def.MinRefresh
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = def.RetryMin
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = max(def.RetryMax, opts.RetryMin)
	}
	return &Updater{
		src:   src,
		opts:  opts,
		now:   time.Now,
		first: make(chan struct{}),
	}
}

// Subscribe registers fn to be called with every new bundle, in order, from
// the refresh goroutine.
func (u *Updater) Subscribe(fn func(Bundle)) {
	u.mu.Lock()
	u.subs = append(u.subs, fn)
	u.mu.Unlock()
}

// Current returns the latest bundle, if any was fetched.
func (u *Updater) Current() (Bundle, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.current == nil {
		return Bundle{}, false
	}
	return *u.current, true
}

// AwaitFirst blocks until the first bundle was fetched or ctx ends.
func (u *Updater) AwaitFirst(ctx context.Context) (Bundle, error) {
	select {
	case <-u.first:
		b, _ := u.Current()
		return b, nil
	case <-ctx.Done():
		return Bundle{}, ctx.Err()
	}
}

// Run refreshes until ctx is cancelled. After a success the next refresh is
// scheduled from the bundle's TTL; failures back off exponentially.
func (u *Updater) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    u.opts.RetryMin,
		Max:    u.opts.RetryMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		var delay time.Duration
		bundle, err := u.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = b.Duration()
			util.LogWarning("relay credential refresh failed, retrying in %s: %v", delay.Round(time.Second), err)
		} else {
			b.Reset()
			u.publish(bundle)
			if bundle.ExpiresAt.IsZero() {
				util.LogDebug("relay credentials are static, no refresh scheduled")
				<-ctx.Done()
				return
			}
			delay = NextRefresh(bundle.TTL(u.now()), u.opts)
			util.LogDebug("relay credentials updated %s, next refresh in %s", bundle, delay.Round(time.Second))
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (u *Updater) publish(b Bundle) {
	u.mu.Lock()
	u.current = &b
	subs := append([]func(Bundle){}, u.subs...)
	u.mu.Unlock()

	u.firstOnce.Do(func() { close(u.first) })
	for _, fn := range subs {
		fn(b)
	}
}

// NextRefresh returns max(MinRefresh, ttl-Safety) with ±10% jitter.
func NextRefresh(ttl time.Duration, opts UpdaterOptions) time.Duration {
	d := max(opts.MinRefresh, ttl-opts.Safety)
	if d <= 0 {
		d = time.Second
	}
	return withJitter(d, 0.10)
}

func withJitter(d time.Duration, ratio float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * ratio * float64(d)
	return max(time.Millisecond, d+time.Duration(delta))
}
