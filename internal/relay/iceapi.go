package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const httpTimeout = 20 * time.Second

// ErrNoServers is returned when a credential API answers without servers.
var ErrNoServers = errors.New("relay: response has no ICE servers")

// ICEAPISource fetches TURN REST credentials from an endpoint answering
// {"iceServers": [...], "ttl": seconds}, such as the gateway's /ice.
type ICEAPISource struct {
	URL    string
	User   string
	Token  string
	Client *http.Client
	now    func() time.Time
}

type iceAPIResponse struct {
	ICEServers []Server `json:"iceServers"`
	TTL        int      `json:"ttl"`
}

func (s *ICEAPISource) Fetch(ctx context.Context) (Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	u, err := url.Parse(s.URL)
	if err != nil {
		return Bundle{}, fmt.Errorf("ICE API URL: %w", err)
	}
	if s.User != "" {
		q := u.Query()
		q.Set("u", s.User)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Bundle{}, err
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Bundle{}, fmt.Errorf("ICE API request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Bundle{}, fmt.Errorf("ICE API read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return Bundle{}, fmt.Errorf("ICE API HTTP %d: %s", resp.StatusCode, body)
	}

	var r iceAPIResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Bundle{}, fmt.Errorf("ICE API decode: %w", err)
	}
	if len(r.ICEServers) == 0 {
		return Bundle{}, ErrNoServers
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	b := Bundle{Servers: r.ICEServers}
	if r.TTL > 0 {
		b.ExpiresAt = now().Add(time.Duration(r.TTL) * time.Second)
	}
	return b, nil
}
