package rendezvous

import (
	"context"
	"sort"
	"time"

	"github.com/1ureka/rtcsocks/internal/util"
)

// Touch refreshes the presence marker of agent once.
func Touch(ctx context.Context, s Store, agent string) error {
	key := ReadyKey(agent)
	if t, ok := s.(Toucher); ok {
		return t.Touch(ctx, key)
	}
	return s.Put(ctx, key, time.Now().UTC().Format(time.RFC3339))
}

// Heartbeat refreshes the presence marker of agent every period until ctx
// is cancelled. Failures are logged and retried on the next tick.
func Heartbeat(ctx context.Context, s Store, agent string, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	failing := false
	for {
		if err := Touch(ctx, s, agent); err != nil {
			if ctx.Err() != nil {
				return
			}
			if !failing {
				util.LogWarning("presence heartbeat failed: %v", err)
			}
			failing = true
		} else if failing {
			util.LogInfo("presence heartbeat recovered")
			failing = false
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// ActiveAgents returns the sorted ids of agents whose presence marker is
// younger than maxAge at now.
func ActiveAgents(ctx context.Context, s Store, maxAge time.Duration, now time.Time) ([]string, error) {
	if p, ok := s.(PresenceLister); ok {
		ids, err := p.ActiveAgents(ctx, maxAge)
		if err != nil {
			return nil, err
		}
		sort.Strings(ids)
		return ids, nil
	}

	entries, err := s.List(ctx, agentsRoot)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-maxAge)
	ids := []string{}
	for _, e := range entries {
		agent, ok := parseReadyKey(e.Key)
		if !ok || !e.Modified.After(cutoff) {
			continue
		}
		ids = append(ids, agent)
	}
	sort.Strings(ids)
	return ids, nil
}
