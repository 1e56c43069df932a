package oauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
)

func clientCredentialsConfig(tokenURL string) *config.OAuthConfig {
	return &config.OAuthConfig{
		GrantType:    "client_credentials",
		ClientID:     "client",
		ClientSecret: "secret",
		Scope:        "mail.read",
		TokenURL:     tokenURL,
	}
}

func TestGenerateAccessTokenClientCredentials(t *testing.T) {
	var gotForm url.Values
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":3600}`))
	}))
	defer srv.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return now }))

	token, err := m.GenerateAccessToken("email:conn", clientCredentialsConfig(srv.URL))
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)
	require.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	require.Equal(t, "client_credentials", gotForm.Get("grant_type"))
	require.Equal(t, "client", gotForm.Get("client_id"))
	require.Equal(t, "secret", gotForm.Get("client_secret"))
	require.Equal(t, "mail.read", gotForm.Get("scope"))

	cached, ok := m.cache.Get("email:conn")
	require.True(t, ok)
	require.Equal(t, now.Add(time.Hour), cached.Expiry)
	require.False(t, m.IsExpired("email:conn"))
}

func TestAuthorizationCodeGrantPostsRefreshToken(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(`{"access_token":"tok-2","expires_in":"1800"}`))
	}))
	defer srv.Close()

	m := NewManager()
	cfg := &config.OAuthConfig{
		GrantType:    "authorization_code",
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "refresh-me",
		TokenURL:     srv.URL,
	}
	token, err := m.GenerateAccessToken("email:conn", cfg)
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)
	require.Equal(t, "refresh_token", gotForm.Get("grant_type"))
	require.Equal(t, "refresh-me", gotForm.Get("refresh_token"))
}

func TestGenerateAccessTokenMissingFieldsIsConfigurationError(t *testing.T) {
	m := NewManager()
	cfg := &config.OAuthConfig{
		GrantType:    "client_credentials",
		ClientID:     "client",
		ClientSecret: "secret",
		// scope and token url missing
	}
	_, err := m.GenerateAccessToken("id", cfg)
	require.True(t, emailerr.IsKind(err, emailerr.KindConfiguration))

	_, err = m.GenerateAccessToken("id", &config.OAuthConfig{GrantType: "implicit"})
	require.True(t, emailerr.IsKind(err, emailerr.KindConfiguration))
}

func TestGenerateAccessTokenTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	m := NewManager()
	_, err := m.GenerateAccessToken("id", clientCredentialsConfig(srv.URL))
	require.True(t, emailerr.IsKind(err, emailerr.KindConnection))
}

func TestGenerateAccessTokenMalformedResponse(t *testing.T) {
	cases := []string{
		`not json`,
		`{"expires_in":3600}`,
		`{"access_token":"tok","expires_in":"soon"}`,
	}
	for _, body := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		m := NewManager()
		_, err := m.GenerateAccessToken("id", clientCredentialsConfig(srv.URL))
		require.True(t, emailerr.IsKind(err, emailerr.KindConnection), body)
		srv.Close()
	}
}

func TestGenerateAccessTokenNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager()
	_, err := m.GenerateAccessToken("id", clientCredentialsConfig(srv.URL))
	require.True(t, emailerr.IsKind(err, emailerr.KindConnection))
	require.Contains(t, err.Error(), "401")
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return now }))

	// Never-seen id is not known to be expired.
	require.False(t, m.IsExpired("ghost"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":0}`))
	}))
	defer srv.Close()

	_, err := m.GenerateAccessToken("email:conn", clientCredentialsConfig(srv.URL))
	require.NoError(t, err)
	// expires_in=0 means the token expired the moment it was issued.
	require.True(t, m.IsExpired("email:conn"))

	m.Invalidate("email:conn")
	require.False(t, m.IsExpired("email:conn"))
}

func TestTokenID(t *testing.T) {
	require.Equal(t, "email:orders", TokenID("email", "orders"))
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache()
	now := time.Now()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			c.Put("id", Token{AccessToken: "t", Expiry: now.Add(time.Hour)})
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		c.IsExpired("id", now)
	}
	<-done
	require.False(t, c.IsExpired("id", now))
}
