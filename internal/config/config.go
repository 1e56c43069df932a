// Package config defines the connection and mailbox-filter
// configuration consumed by the connector operations, plus the YAML
// loader used by the CLI composition root. Validation is eager: a bad
// value fails at configuration time, never at connection time.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/protocol"
)

// ExhaustedAction selects pool behavior when maxActive is reached.
type ExhaustedAction int

const (
	// ExhaustedFail fails the borrow immediately.
	ExhaustedFail ExhaustedAction = iota
	// ExhaustedBlock blocks up to maxWait for a returned connection.
	ExhaustedBlock
	// ExhaustedGrow creates a connection beyond the cap.
	ExhaustedGrow
)

func (a ExhaustedAction) String() string {
	switch a {
	case ExhaustedBlock:
		return "WHEN_EXHAUSTED_BLOCK"
	case ExhaustedGrow:
		return "WHEN_EXHAUSTED_GROW"
	default:
		return "WHEN_EXHAUSTED_FAIL"
	}
}

// PoolConfig tunes the mailbox connection pool.
type PoolConfig struct {
	MaxActive        int           `mapstructure:"max_active"`
	MaxIdle          int           `mapstructure:"max_idle"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	MinEvictionTime  time.Duration `mapstructure:"min_eviction_time"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	ExhaustedAction  string        `mapstructure:"exhausted_action"`
}

// Action parses the configured exhausted action. The second return is
// false for unrecognized values, which fall back to FAIL; the pool owns
// the warning log for that fallback.
func (p PoolConfig) Action() (ExhaustedAction, bool) {
	switch strings.ToUpper(strings.TrimSpace(p.ExhaustedAction)) {
	case "", "WHEN_EXHAUSTED_FAIL", "FAIL":
		return ExhaustedFail, true
	case "WHEN_EXHAUSTED_BLOCK", "BLOCK":
		return ExhaustedBlock, true
	case "WHEN_EXHAUSTED_GROW", "GROW":
		return ExhaustedGrow, true
	}
	return ExhaustedFail, false
}

// OAuthConfig enables XOAUTH2 authentication for a connection.
type OAuthConfig struct {
	GrantType    string `mapstructure:"grant_type"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	Scope        string `mapstructure:"scope"`
	TokenURL     string `mapstructure:"token_url"`
}

// ConnectionConfig describes one named connection to a mail server.
type ConnectionConfig struct {
	ConnectionName string `mapstructure:"name"`
	Protocol       string `mapstructure:"protocol"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`

	// RequireAuthentication defaults to true; unauthenticated sessions
	// only make sense against open relays in test rigs.
	RequireAuthentication *bool `mapstructure:"require_authentication"`

	// Zero timeouts mean "use the library default", never zero.
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	RequireTLS          bool   `mapstructure:"require_tls"`
	CheckServerIdentity bool   `mapstructure:"check_server_identity"`
	TrustedHosts        string `mapstructure:"trusted_hosts"`
	SSLProtocols        string `mapstructure:"ssl_protocols"`
	CipherSuites        string `mapstructure:"cipher_suites"`

	OAuth *OAuthConfig `mapstructure:"oauth"`
	Pool  PoolConfig   `mapstructure:"pool"`
}

// OAuth2Enabled reports whether this connection authenticates with a
// bearer token instead of the static password.
func (c *ConnectionConfig) OAuth2Enabled() bool { return c.OAuth != nil }

// RequiresAuth reports whether an authenticator must be attached.
func (c *ConnectionConfig) RequiresAuth() bool {
	return c.RequireAuthentication == nil || *c.RequireAuthentication
}

// Proto returns the parsed protocol. Validate must have succeeded.
func (c *ConnectionConfig) Proto() protocol.Protocol {
	p, _ := protocol.Parse(c.Protocol)
	return p
}

// Validate checks everything that can be checked without I/O.
func (c *ConnectionConfig) Validate() error {
	if strings.TrimSpace(c.ConnectionName) == "" {
		return missing("name")
	}
	if strings.TrimSpace(c.Host) == "" {
		return missing("host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return emailerr.New(emailerr.KindConfiguration,
			"parameter 'port' must be a valid port number, got %d", c.Port)
	}
	p, err := protocol.Parse(c.Protocol)
	if err != nil {
		return err
	}
	// knadh/go-pop3 offers no STLS upgrade; accepting the flag would
	// silently downgrade the link to cleartext.
	if c.RequireTLS && p.Transport() == "pop3" {
		return emailerr.New(emailerr.KindConfiguration,
			"parameter 'require_tls' is not supported for %s, use POP3S for an implicitly secured link", p)
	}
	if c.RequiresAuth() {
		if strings.TrimSpace(c.Username) == "" {
			return missing("username")
		}
		if c.Password == "" && !c.OAuth2Enabled() {
			return missing("password")
		}
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ConnectionTimeout < 0 {
		return emailerr.New(emailerr.KindConfiguration,
			"timeouts must not be negative")
	}
	if c.OAuth != nil {
		if err := c.OAuth.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o *OAuthConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(o.GrantType)) {
	case "authorization_code":
		if anyBlank(o.ClientID, o.ClientSecret, o.RefreshToken, o.TokenURL) {
			return emailerr.New(emailerr.KindConfiguration,
				"invalid configurations provided for authorization code grant type")
		}
	case "client_credentials":
		if anyBlank(o.ClientID, o.ClientSecret, o.Scope, o.TokenURL) {
			return emailerr.New(emailerr.KindConfiguration,
				"invalid configurations provided for client credentials grant type")
		}
	default:
		return emailerr.New(emailerr.KindConfiguration,
			"grant type %q is invalid", o.GrantType)
	}
	return nil
}

func anyBlank(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}

func missing(name string) error {
	return emailerr.New(emailerr.KindConfiguration,
		"mandatory parameter '%s' is not set", name)
}

// DefaultFolder is the mailbox folder used when none is configured.
const DefaultFolder = "INBOX"

// UnboundedLimit disables pagination truncation.
const UnboundedLimit = -1

// timeLayout matches the second-resolution local timestamps the
// mediation layer passes for date filters.
const timeLayout = "2006-01-02T15:04:05"

// MailboxFilter narrows a list operation. The four flag fields compare
// for equality and default to true ("match messages having this flag").
type MailboxFilter struct {
	Folder              string `mapstructure:"folder"`
	DeleteAfterRetrieve bool   `mapstructure:"delete_after_retrieve"`

	Seen     bool `mapstructure:"seen"`
	Answered bool `mapstructure:"answered"`
	Recent   bool `mapstructure:"recent"`
	Deleted  bool `mapstructure:"deleted"`

	SubjectRegex string `mapstructure:"subject_regex"`
	FromRegex    string `mapstructure:"from_regex"`

	ReceivedSince string `mapstructure:"received_since"`
	ReceivedUntil string `mapstructure:"received_until"`
	SentSince     string `mapstructure:"sent_since"`
	SentUntil     string `mapstructure:"sent_until"`

	Offset int `mapstructure:"offset"`
	Limit  int `mapstructure:"limit"`
}

// DefaultFilter returns the filter used when the caller supplies
// nothing: INBOX, all flag predicates true, unbounded.
func DefaultFilter() MailboxFilter {
	return MailboxFilter{
		Folder:   DefaultFolder,
		Seen:     true,
		Answered: true,
		Recent:   true,
		Deleted:  true,
		Limit:    UnboundedLimit,
	}
}

// Validate checks regex and timestamp fields eagerly.
func (f *MailboxFilter) Validate() error {
	if f.Folder == "" {
		f.Folder = DefaultFolder
	}
	if f.Offset < 0 {
		return emailerr.New(emailerr.KindConfiguration,
			"parameter 'offset' must not be negative")
	}
	if f.Limit < UnboundedLimit {
		return emailerr.New(emailerr.KindConfiguration,
			"parameter 'limit' must be -1 or a non-negative value")
	}
	if f.SubjectRegex != "" {
		if _, err := regexp.Compile(f.SubjectRegex); err != nil {
			return emailerr.Wrap(emailerr.KindConfiguration, err,
				"parameter 'subject_regex' is not a valid pattern")
		}
	}
	for name, v := range map[string]string{
		"received_since": f.ReceivedSince,
		"received_until": f.ReceivedUntil,
		"sent_since":     f.SentSince,
		"sent_until":     f.SentUntil,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseInLocation(timeLayout, v, time.Local); err != nil {
			return emailerr.Wrap(emailerr.KindConfiguration, err,
				"parameter '%s' must use layout %s", name, timeLayout)
		}
	}
	return nil
}

// ParseFilterTime parses a validated filter timestamp. Empty input
// returns a nil time.
func ParseFilterTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(timeLayout, v, time.Local)
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindConfiguration, err,
			"invalid timestamp %q", v)
	}
	return &t, nil
}

// File is the on-disk configuration consumed by cmd/mailbridge.
type File struct {
	Connector   string             `mapstructure:"connector"`
	Connections []ConnectionConfig `mapstructure:"connections"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, emailerr.Wrap(emailerr.KindConfiguration, err,
			"reading configuration %s", path)
	}
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, emailerr.Wrap(emailerr.KindConfiguration, err,
			"decoding configuration %s", path)
	}
	if f.Connector == "" {
		f.Connector = "email"
	}
	seen := map[string]bool{}
	for i := range f.Connections {
		c := &f.Connections[i]
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("connection %q: %w", c.ConnectionName, err)
		}
		if seen[c.ConnectionName] {
			return nil, emailerr.New(emailerr.KindConfiguration,
				"duplicate connection name %q", c.ConnectionName)
		}
		seen[c.ConnectionName] = true
	}
	return &f, nil
}
