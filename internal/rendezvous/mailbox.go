package rendezvous

import (
	"context"
	"time"
)

// OfferRef points at an initial offer waiting in an agent's mailbox.
type OfferRef struct {
	Session string
	Key     string
}

// FindOffer returns the first pending initial offer for agent, or
// ErrNotFound.
func FindOffer(ctx context.Context, s Store, agent string) (OfferRef, error) {
	entries, err := s.List(ctx, AgentPrefix(agent))
	if err != nil {
		return OfferRef{}, err
	}
	for _, e := range entries {
		if session, ok := parseOfferKey(agent, e.Key); ok {
			return OfferRef{Session: session, Key: e.Key}, nil
		}
	}
	return OfferRef{}, ErrNotFound
}

// NextOffer polls the agent's mailbox every interval until an initial offer
// appears or ctx is cancelled.
func NextOffer(ctx context.Context, s Store, agent string, interval time.Duration) (OfferRef, error) {
	return Poll(ctx, interval, 0, func(ctx context.Context) (OfferRef, bool, error) {
		ref, err := FindOffer(ctx, s, agent)
		if err == ErrNotFound {
			return OfferRef{}, false, nil
		}
		return ref, err == nil, err
	})
}
