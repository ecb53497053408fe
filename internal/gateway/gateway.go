// Package gateway serves a rendezvous Store over HTTP so agents and
// controllers that share no storage credentials can still exchange session
// descriptors. It also issues short-lived TURN credentials.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtcsocks/internal/rendezvous"
	"github.com/1ureka/rtcsocks/internal/util"
)

const (
	ioTimeout         = 20 * time.Second
	defaultMaxAge     = 60 * time.Second
	maxBodySize       = 1 << 20
	watchPollInterval = 500 * time.Millisecond
	maxWatchDuration  = 10 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures a gateway Server.
type Options struct {
	// Token, when set, must be presented as a bearer token (or ?token=) on
	// every request except /health.
	Token string
	// TURN enables the /ice endpoint.
	TURN *TURNConfig
}

// Server exposes a Store over HTTP.
type Server struct {
	store rendezvous.Store
	opts  Options
	now   func() time.Time
}

// New creates a gateway over store.
func New(store rendezvous.Store, opts Options) *Server {
	return &Server{store: store, opts: opts, now: time.Now}
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/put/", s.auth(s.putHandler))
	mux.HandleFunc("/get/", s.auth(s.getHandler))
	mux.HandleFunc("/delete/", s.auth(s.deleteHandler))
	mux.HandleFunc("/touch/", s.auth(s.touchHandler))
	mux.HandleFunc("/watch/", s.auth(s.watchHandler))
	mux.HandleFunc("/agents", s.auth(s.agentsHandler))
	mux.HandleFunc("/list", s.auth(s.listHandler))
	mux.HandleFunc("/ice", s.auth(s.iceHandler))
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// ListenAndServe serves the gateway on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves the gateway on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("rendezvous gateway listening on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Token == "" {
		return next
	}
	want := []byte(s.opts.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			got = bearer
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// keyFrom extracts and validates the key following prefix in the path.
func keyFrom(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	key := strings.TrimPrefix(r.URL.Path, prefix)
	if err := rendezvous.ValidateKey(key); err != nil {
		badRequest(w, err.Error())
		return "", false
	}
	return key, true
}

func (s *Server) putHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		methodNotAllowed(w, "POST, PUT")
		return
	}
	key, ok := keyFrom(w, r, "/put/")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ioTimeout)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.Put(ctx, key, string(body)); err != nil {
		http.Error(w, "put: "+err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	key, ok := keyFrom(w, r, "/get/")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ioTimeout)
	defer cancel()

	v, err := s.store.Get(ctx, key)
	if errors.Is(err, rendezvous.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(v))
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, "DELETE")
		return
	}
	key, ok := keyFrom(w, r, "/delete/")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ioTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, key); err != nil {
		http.Error(w, "delete: "+err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("DELETED"))
}

func (s *Server) touchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		methodNotAllowed(w, "POST, PUT")
		return
	}
	key, ok := keyFrom(w, r, "/touch/")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ioTimeout)
	defer cancel()

	if err := s.store.Put(ctx, key, ""); err != nil {
		http.Error(w, "touch: "+err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("TOUCHED"))
}

func (s *Server) agentsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ioTimeout)
	defer cancel()

	maxAge := defaultMaxAge
	if v := r.URL.Query().Get("maxAgeSec"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxAge = time.Duration(n) * time.Second
		}
	}
	ids, err := rendezvous.ActiveAgents(ctx, s.store, maxAge, s.now())
	if err != nil {
		http.Error(w, "list: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ids)
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ioTimeout)
	defer cancel()

	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		badRequest(w, "prefix required")
		return
	}
	if strings.Contains(prefix, "..") || strings.HasPrefix(prefix, "/") {
		badRequest(w, "invalid prefix")
		return
	}

	entries, err := s.store.List(ctx, prefix)
	if err != nil {
		http.Error(w, "list: "+err.Error(), http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Key)
	}
	writeJSON(w, names)
}

// watchHandler upgrades to a WebSocket, pushes the value once the key
// exists and closes. The client closing the socket ends the wait.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFrom(w, r, "/watch/")
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Any read error, including the client's close frame, ends the watch.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	v, err := rendezvous.WaitForKey(ctx, s.store, key, maxWatchDuration, watchPollInterval)
	if err != nil {
		code := websocket.CloseGoingAway
		if errors.Is(err, rendezvous.ErrTimeout) {
			code = websocket.CloseTryAgainLater
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, "watch ended"), time.Now().Add(time.Second))
		return
	}

	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("signal-gw alive"))
}
