// Package oauth acquires and caches the XOAUTH2 bearer tokens used to
// authenticate mail sessions. Supported grant types are
// authorization_code (exchanged as a refresh-token request) and
// client_credentials.
package oauth

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantClientCredentials = "client_credentials"

	contentTypeForm = "application/x-www-form-urlencoded"
)

// tokenResponse is the subset of the token endpoint's JSON reply the
// manager consumes. expires_in arrives as a number from spec-compliant
// servers and as a string from some real-world ones.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// handler builds the grant-specific token request payload.
type handler interface {
	payload() url.Values
	tokenURL() string
}

type authorizationCodeHandler struct {
	cfg *config.OAuthConfig
}

// The authorization-code grant is redeemed ahead of time by the user;
// what the connection holds is the refresh token, so the wire request
// is a refresh_token exchange.
func (h *authorizationCodeHandler) payload() url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {h.cfg.ClientID},
		"client_secret": {h.cfg.ClientSecret},
		"refresh_token": {h.cfg.RefreshToken},
	}
}

func (h *authorizationCodeHandler) tokenURL() string { return h.cfg.TokenURL }

type clientCredentialsHandler struct {
	cfg *config.OAuthConfig
}

func (h *clientCredentialsHandler) payload() url.Values {
	return url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {h.cfg.ClientID},
		"client_secret": {h.cfg.ClientSecret},
		"scope":         {h.cfg.Scope},
	}
}

func (h *clientCredentialsHandler) tokenURL() string { return h.cfg.TokenURL }

// resolveHandler maps a grant type onto its handler, validating the
// grant's required fields before any network call.
func resolveHandler(cfg *config.OAuthConfig) (handler, error) {
	if cfg == nil {
		return nil, emailerr.New(emailerr.KindConfiguration, "oauth configuration is not set")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.GrantType)) {
	case grantAuthorizationCode:
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" || cfg.TokenURL == "" {
			return nil, emailerr.New(emailerr.KindConfiguration,
				"invalid configurations provided for authorization code grant type")
		}
		return &authorizationCodeHandler{cfg: cfg}, nil
	case grantClientCredentials:
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Scope == "" || cfg.TokenURL == "" {
			return nil, emailerr.New(emailerr.KindConfiguration,
				"invalid configurations provided for client credentials grant type")
		}
		return &clientCredentialsHandler{cfg: cfg}, nil
	default:
		return nil, emailerr.New(emailerr.KindConfiguration,
			"grant type %q is invalid", cfg.GrantType)
	}
}

// Manager refreshes bearer tokens over the token endpoint and caches
// them by token id.
type Manager struct {
	cache  *Cache
	client *http.Client
	now    func() time.Time
	logger *log.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger overrides the logger used for token diagnostics.
func WithLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager returns a token manager with an empty cache.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		cache:  NewCache(),
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateAccessToken refreshes the bearer token for tokenID and caches
// it. The fresh access token string is returned; failures carry the
// connection error kind, wrapping the transport or decode cause.
func (m *Manager) GenerateAccessToken(tokenID string, cfg *config.OAuthConfig) (string, error) {
	h, err := resolveHandler(cfg)
	if err != nil {
		return "", err
	}

	token, err := m.refresh(h)
	if err != nil {
		return "", err
	}
	m.cache.Put(tokenID, token)
	return token.AccessToken, nil
}

func (m *Manager) refresh(h handler) (Token, error) {
	body := strings.NewReader(h.payload().Encode())
	req, err := http.NewRequest(http.MethodPost, h.tokenURL(), body)
	if err != nil {
		return Token{}, emailerr.Wrap(emailerr.KindConnection, err,
			"building token request for %s", h.tokenURL())
	}
	req.Header.Set("Content-Type", contentTypeForm)

	resp, err := m.client.Do(req)
	if err != nil {
		return Token{}, emailerr.Wrap(emailerr.KindConnection, err,
			"an error occurred while refreshing access token")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, emailerr.Wrap(emailerr.KindConnection, err,
			"reading token response")
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, emailerr.New(emailerr.KindConnection,
			"token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Token{}, emailerr.Wrap(emailerr.KindConnection, err,
			"malformed token response")
	}
	if tr.AccessToken == "" {
		return Token{}, emailerr.New(emailerr.KindConnection,
			"token response is missing access_token")
	}
	expiresIn, err := tr.ExpiresIn.Int64()
	if err != nil {
		return Token{}, emailerr.Wrap(emailerr.KindConnection, err,
			"malformed expires_in in token response")
	}

	return Token{
		AccessToken: tr.AccessToken,
		Expiry:      m.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// IsExpired reports whether the cached token for tokenID has expired.
// False for ids that never had a token.
func (m *Manager) IsExpired(tokenID string) bool {
	return m.cache.IsExpired(tokenID, m.now())
}

// Invalidate drops the cached token for tokenID.
func (m *Manager) Invalidate(tokenID string) {
	m.cache.Remove(tokenID)
}

// TokenID derives the deterministic cache key for a connection,
// matching the registry's connection code.
func TokenID(connectorName, connectionName string) string {
	return fmt.Sprintf("%s:%s", connectorName, connectionName)
}
