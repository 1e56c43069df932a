// Package session builds immutable session handles from a connection
// configuration and its protocol descriptor. A handle carries the
// derived session properties plus the credential supplier; no network
// I/O happens here.
package session

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/oauth"
	"github.com/gotrs-io/mailbridge/internal/protocol"
)

// AuthMechanismXOAuth2 is the SASL mechanism advertised on the session
// when OAuth2 is enabled.
const AuthMechanismXOAuth2 = "XOAUTH2"

// Properties is the flat, whitespace-delimited session property set
// keyed by the protocol's transport namespace.
type Properties map[string]string

// TokenSource yields a fresh bearer token for a connection.
type TokenSource interface {
	GenerateAccessToken(tokenID string, cfg *config.OAuthConfig) (string, error)
}

var _ TokenSource = (*oauth.Manager)(nil)

// Session is an immutable handle over the derived session properties
// and credentials for one connection.
type Session struct {
	proto    protocol.Protocol
	props    Properties
	username string
	secret   string
	auth     bool
	oauth    bool
}

// Build derives the session handle for cfg. When OAuth2 is enabled the
// bearer is resolved through tokens before the credential supplier is
// built; a refresh failure fails session construction with a
// connection error rather than authenticating with an empty credential.
func Build(cfg *config.ConnectionConfig, tokens TokenSource, tokenID string) (*Session, error) {
	proto, err := protocol.Parse(cfg.Protocol)
	if err != nil {
		return nil, err
	}

	props := Properties{
		proto.HostProperty():           cfg.Host,
		proto.PortProperty():           strconv.Itoa(cfg.Port),
		protocol.PropertyTransportName: proto.Transport(),
		proto.AuthProperty():           strconv.FormatBool(cfg.RequiresAuth()),
	}
	setTimeouts(props, proto, cfg)

	if proto.Secure() {
		setSecureProperties(props, proto, cfg)
	}

	s := &Session{
		proto:    proto,
		props:    props,
		username: cfg.Username,
		secret:   cfg.Password,
		auth:     cfg.RequiresAuth(),
	}

	if cfg.OAuth2Enabled() {
		props[proto.AuthMechanismsProperty()] = AuthMechanismXOAuth2
		if tokens == nil {
			return nil, emailerr.New(emailerr.KindConfiguration,
				"oauth is enabled for %s but no token manager is wired", cfg.ConnectionName)
		}
		bearer, err := tokens.GenerateAccessToken(tokenID, cfg.OAuth)
		if err != nil {
			return nil, emailerr.Wrap(emailerr.KindConnection, err,
				"an error occurred while generating access token for %s", cfg.Username)
		}
		s.secret = bearer
		s.oauth = true
	}

	return s, nil
}

func setTimeouts(props Properties, proto protocol.Protocol, cfg *config.ConnectionConfig) {
	// Absent timeouts stay absent so the dial path keeps the library
	// default instead of an accidental zero.
	if cfg.ReadTimeout > 0 {
		props[proto.ReadTimeoutProperty()] = millis(cfg.ReadTimeout)
	}
	if cfg.WriteTimeout > 0 {
		props[proto.WriteTimeoutProperty()] = millis(cfg.WriteTimeout)
	}
	if cfg.ConnectionTimeout > 0 {
		props[proto.ConnectionTimeoutProperty()] = millis(cfg.ConnectionTimeout)
	}
}

func setSecureProperties(props Properties, proto protocol.Protocol, cfg *config.ConnectionConfig) {
	if cfg.RequireTLS {
		props[proto.StartTLSProperty()] = "true"
	} else {
		props[proto.SSLEnableProperty()] = "true"
		props[proto.SocketFactoryFallbackProperty()] = "false"
		props[proto.SocketFactoryPortProperty()] = strconv.Itoa(cfg.Port)
	}
	if cfg.CipherSuites != "" {
		props[proto.SSLCipherSuitesProperty()] = replaceWithWhitespace(cfg.CipherSuites)
	}
	if cfg.SSLProtocols != "" {
		props[proto.SSLProtocolsProperty()] = replaceWithWhitespace(cfg.SSLProtocols)
	}
	if cfg.TrustedHosts != "" {
		props[proto.SSLTrustProperty()] = replaceWithWhitespace(cfg.TrustedHosts)
	}
	if cfg.CheckServerIdentity {
		props[proto.CheckServerIdentityProperty()] = "true"
	}
}

// replaceWithWhitespace converts the user-facing comma-delimited list
// into the whitespace-delimited session property format.
func replaceWithWhitespace(configString string) string {
	return strings.TrimSpace(strings.ReplaceAll(configString, ",", " "))
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// Protocol returns the session's protocol descriptor.
func (s *Session) Protocol() protocol.Protocol { return s.proto }

// Property returns a raw session property value.
func (s *Session) Property(key string) string { return s.props[key] }

// Properties returns a copy of the derived property set.
func (s *Session) Properties() Properties {
	out := make(Properties, len(s.props))
	for k, v := range s.props {
		out[k] = v
	}
	return out
}

// Host returns the configured server host.
func (s *Session) Host() string { return s.props[s.proto.HostProperty()] }

// Addr returns the host:port dial address.
func (s *Session) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host(), s.props[s.proto.PortProperty()])
}

// RequiresAuth reports whether a credential supplier is attached.
func (s *Session) RequiresAuth() bool { return s.auth }

// OAuth2 reports whether the secret is a bearer token for XOAUTH2.
func (s *Session) OAuth2() bool { return s.oauth }

// Credentials returns the username and the password-equivalent secret
// (the bearer token when OAuth2 is enabled).
func (s *Session) Credentials() (username, secret string) {
	return s.username, s.secret
}

// UseSSL reports whether the dial is wrapped in TLS from the first
// byte (the non-STARTTLS secure mode).
func (s *Session) UseSSL() bool {
	return s.props[s.proto.SSLEnableProperty()] == "true"
}

// UseStartTLS reports whether the session upgrades via STARTTLS.
func (s *Session) UseStartTLS() bool {
	return s.props[s.proto.StartTLSProperty()] == "true"
}

// DialTimeout returns the connect timeout, zero when unset.
func (s *Session) DialTimeout() time.Duration {
	return s.timeout(s.proto.ConnectionTimeoutProperty())
}

// ReadTimeout returns the socket read timeout, zero when unset.
func (s *Session) ReadTimeout() time.Duration {
	return s.timeout(s.proto.ReadTimeoutProperty())
}

// WriteTimeout returns the socket write timeout, zero when unset.
func (s *Session) WriteTimeout() time.Duration {
	return s.timeout(s.proto.WriteTimeoutProperty())
}

func (s *Session) timeout(key string) time.Duration {
	v, ok := s.props[key]
	if !ok {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// TLSConfig translates the session's TLS properties into a tls.Config
// for the Go dialers. Returns nil for insecure protocols.
func (s *Session) TLSConfig() (*tls.Config, error) {
	if !s.proto.Secure() {
		return nil, nil
	}
	cfg := &tls.Config{ServerName: s.Host()}

	if trust := s.props[s.proto.SSLTrustProperty()]; trust != "" {
		// A trusted-hosts entry matching the peer (or a wildcard)
		// bypasses certificate verification, as does leaving
		// check-server-identity off for explicitly trusted hosts.
		for _, host := range strings.Fields(trust) {
			if host == "*" || strings.EqualFold(host, s.Host()) {
				cfg.InsecureSkipVerify = true
				break
			}
		}
	}

	if protocols := s.props[s.proto.SSLProtocolsProperty()]; protocols != "" {
		minV, maxV, err := protocolVersionRange(strings.Fields(protocols))
		if err != nil {
			return nil, err
		}
		cfg.MinVersion = minV
		cfg.MaxVersion = maxV
	}

	if suites := s.props[s.proto.SSLCipherSuitesProperty()]; suites != "" {
		ids, err := cipherSuiteIDs(strings.Fields(suites))
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = ids
	}

	return cfg, nil
}

var tlsVersions = map[string]uint16{
	"TLSv1":   tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

func protocolVersionRange(names []string) (uint16, uint16, error) {
	var minV, maxV uint16
	for _, name := range names {
		v, ok := tlsVersions[name]
		if !ok {
			return 0, 0, emailerr.New(emailerr.KindConfiguration,
				"unknown ssl protocol %q", name)
		}
		if minV == 0 || v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return minV, maxV, nil
}

func cipherSuiteIDs(names []string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		byName[cs.Name] = cs.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, emailerr.New(emailerr.KindConfiguration,
				"unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
