package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// TURNConfig issues TURN REST credentials for a coturn-style server sharing
// Secret (use-auth-secret).
type TURNConfig struct {
	Secret string
	URLs   []string
	TTL    time.Duration
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type iceResponse struct {
	ICEServers []iceServer `json:"iceServers"`
	TTL        int         `json:"ttl"`
}

// TURNCredential returns the time-limited username "expiry:user" and its
// base64 HMAC-SHA1 signature under secret.
func TURNCredential(secret, user string, expiry time.Time) (username, credential string) {
	username = strconv.FormatInt(expiry.Unix(), 10) + ":" + user
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(username))
	return username, base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (s *Server) iceHandler(w http.ResponseWriter, r *http.Request) {
	turn := s.opts.TURN
	if turn == nil {
		http.Error(w, "ICE credentials not configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	user := r.URL.Query().Get("u")
	if user == "" {
		user = "anon"
	}
	ttl := turn.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	username, credential := TURNCredential(turn.Secret, user, s.now().Add(ttl))

	writeJSON(w, iceResponse{
		ICEServers: []iceServer{{
			URLs:       turn.URLs,
			Username:   username,
			Credential: credential,
		}},
		TTL: int(ttl / time.Second),
	})
}
