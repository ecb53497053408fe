package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const requestTimeout = 10 * time.Second

// HTTPStore talks to the rendezvous gateway over plain HTTP.
type HTTPStore struct {
	base   string
	token  string
	client *http.Client
}

var (
	_ Store          = (*HTTPStore)(nil)
	_ Toucher        = (*HTTPStore)(nil)
	_ PresenceLister = (*HTTPStore)(nil)
)

// NewHTTPStore creates a client for the gateway at baseURL. token, when
// set, is sent as a bearer token. A nil client uses http.DefaultClient.
func NewHTTPStore(baseURL, token string, client *http.Client) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{base: strings.TrimSuffix(baseURL, "/"), token: token, client: client}
}

func (h *HTTPStore) header() http.Header {
	hdr := http.Header{}
	if h.token != "" {
		hdr.Set("Authorization", "Bearer "+h.token)
	}
	return hdr
}

// WithWatch returns a view of the store that waits for keys over the
// gateway's WebSocket watch endpoint instead of polling.
func (h *HTTPStore) WithWatch() *WatchingHTTPStore {
	return &WatchingHTTPStore{HTTPStore: h}
}

// HTTPError is a non-2xx gateway response.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("rendezvous %s: HTTP %d: %s", e.Op, e.Status, strings.TrimSpace(e.Body))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (h *HTTPStore) do(ctx context.Context, op, method, path string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, h.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header = h.header()
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &HTTPError{Op: op, Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (h *HTTPStore) Put(ctx context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := h.do(ctx, "put", http.MethodPost, "/put/"+escapeKey(key), strings.NewReader(value))
	return err
}

func (h *HTTPStore) Get(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	data, err := h.do(ctx, "get", http.MethodGet, "/get/"+escapeKey(key), nil)
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (h *HTTPStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := h.do(ctx, "delete", http.MethodDelete, "/delete/"+escapeKey(key), nil)
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// List returns the matching keys. The gateway reports names only, so
// Modified is zero.
func (h *HTTPStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	data, err := h.do(ctx, "list", http.MethodGet, "/list?prefix="+url.QueryEscape(prefix), nil)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	out := make([]Entry, 0, len(names))
	for _, n := range names {
		out = append(out, Entry{Key: n})
	}
	return out, nil
}

// Touch refreshes the write time of key, creating it empty if needed.
func (h *HTTPStore) Touch(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := h.do(ctx, "touch", http.MethodPost, "/touch/"+escapeKey(key), nil)
	return err
}

// ActiveAgents asks the gateway for agents whose presence marker is younger
// than maxAge.
func (h *HTTPStore) ActiveAgents(ctx context.Context, maxAge time.Duration) ([]string, error) {
	secs := max(1, int(maxAge/time.Second))
	data, err := h.do(ctx, "agents", http.MethodGet, "/agents?maxAgeSec="+strconv.Itoa(secs), nil)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return ids, nil
}

// WatchingHTTPStore is an HTTPStore that also implements Watcher.
type WatchingHTTPStore struct {
	*HTTPStore
	Dialer *websocket.Dialer
}

var _ Watcher = (*WatchingHTTPStore)(nil)

// Watch opens /watch/{key} and waits for the gateway to push the value.
func (w *WatchingHTTPStore) Watch(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	u, err := url.Parse(w.base + "/watch/" + escapeKey(key))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), w.header())
	if err != nil {
		if resp != nil {
			return "", &HTTPError{Op: "watch", Status: resp.StatusCode}
		}
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("watch %s: %w", key, err)
	}
	return string(data), nil
}
