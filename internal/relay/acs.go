package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	acsAPIVersion = "2022-03-01-preview"
	acsScope      = "https://communication.azure.com//.default"
)

// ACSSource issues relay configurations from Azure Communication Services
// using an Entra ID application (client credentials grant).
type ACSSource struct {
	endpoint string
	oauth    clientcredentials.Config
	client   *http.Client
}

// ACSOptions configures an ACSSource.
type ACSOptions struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Endpoint is the ACS resource endpoint, https://{name}.communication.azure.com.
	Endpoint string
	// TokenURL overrides the Entra ID token endpoint derived from TenantID.
	TokenURL string
	// HTTPClient is used for both the token and relay requests.
	HTTPClient *http.Client
}

// NewACSSource validates opts and builds the source.
func NewACSSource(opts ACSOptions) (*ACSSource, error) {
	for name, v := range map[string]string{
		"tenant id":     opts.TenantID,
		"client id":     opts.ClientID,
		"client secret": opts.ClientSecret,
	} {
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("acs: %s is blank", name)
		}
	}
	if !strings.HasPrefix(opts.Endpoint, "https://") {
		return nil, fmt.Errorf("acs: endpoint must start with https://")
	}

	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + opts.TenantID + "/oauth2/v2.0/token"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &ACSSource{
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		oauth: clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{acsScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
	}, nil
}

type acsResponse struct {
	ICEServers []Server `json:"iceServers"`
	ExpiresOn  string   `json:"expiresOn"`
}

func (s *ACSSource) Fetch(ctx context.Context) (Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	authed := s.oauth.Client(context.WithValue(ctx, oauth2.HTTPClient, s.client))
	url := s.endpoint + "/networkTraversal/:issueRelayConfiguration?api-version=" + acsAPIVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Bundle{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := authed.Do(req)
	if err != nil {
		return Bundle{}, fmt.Errorf("ACS request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Bundle{}, fmt.Errorf("ACS read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return Bundle{}, fmt.Errorf("ACS HTTP %d: %s", resp.StatusCode, body)
	}

	var r acsResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Bundle{}, fmt.Errorf("ACS decode: %w", err)
	}
	if r.ExpiresOn == "" {
		return Bundle{}, fmt.Errorf("ACS response missing expiresOn")
	}
	exp, err := time.Parse(time.RFC3339Nano, r.ExpiresOn)
	if err != nil {
		return Bundle{}, fmt.Errorf("ACS expiresOn: %w", err)
	}
	if len(r.ICEServers) == 0 {
		return Bundle{}, ErrNoServers
	}
	return Bundle{Servers: r.ICEServers, ExpiresAt: exp}, nil
}
