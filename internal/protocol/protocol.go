// Package protocol holds the static descriptor table for the mail
// protocols mailbridge speaks. A descriptor maps a logical protocol
// name onto its transport name, TLS requirement and the session
// property keys derived from the transport namespace
// (mail.<transport>.<suffix>), mirroring the javamail-style property
// format the session builder emits.
package protocol

import (
	"fmt"
	"strings"

	"github.com/gotrs-io/mailbridge/internal/emailerr"
)

// Protocol identifies one of the supported mail protocols.
type Protocol int

const (
	SMTP Protocol = iota
	SMTPS
	IMAP
	IMAPS
	POP3
	POP3S
)

var names = [...]string{"smtp", "smtps", "imap", "imaps", "pop3", "pop3s"}

var transports = [...]string{"smtp", "smtp", "imap", "imap", "pop3", "pop3"}

// Parse resolves a protocol name, case-insensitively. Unknown names are
// a configuration error surfaced at config-build time.
func Parse(name string) (Protocol, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for p, v := range names {
		if v == n {
			return Protocol(p), nil
		}
	}
	return 0, emailerr.New(emailerr.KindConfiguration, "unknown protocol %q", name)
}

func (p Protocol) String() string { return names[p] }

// Transport returns the base transport name (smtp, imap or pop3).
func (p Protocol) Transport() string { return transports[p] }

// Secure reports whether the protocol requires a TLS-secured session.
func (p Protocol) Secure() bool {
	return p == SMTPS || p == IMAPS || p == POP3S
}

// IsTransport reports whether the protocol is a send-only transport.
// Transport sessions hold no server-side cursor and are pooled as a
// single reusable session instead of a connection pool.
func (p Protocol) IsTransport() bool { return p == SMTP || p == SMTPS }

// Session property key suffixes within the transport namespace.
const (
	suffixHost                  = "host"
	suffixPort                  = "port"
	suffixAuth                  = "auth"
	suffixTimeout               = "timeout"
	suffixConnectionTimeout     = "connectiontimeout"
	suffixWriteTimeout          = "writetimeout"
	suffixStartTLS              = "starttls.enable"
	suffixSSLEnable             = "ssl.enable"
	suffixSSLTrust              = "ssl.trust"
	suffixSSLProtocols          = "ssl.protocols"
	suffixSSLCipherSuites       = "ssl.ciphersuites"
	suffixCheckServerIdentity   = "ssl.checkserveridentity"
	suffixSocketFactoryFallback = "socketFactory.fallback"
	suffixSocketFactoryPort     = "socketFactory.port"
	suffixAuthMechanisms        = "auth.mechanisms"
)

// PropertyTransportName is the only property key outside the transport
// namespace; it names the transport the session routes through.
const PropertyTransportName = "mail.transport.name"

func (p Protocol) property(suffix string) string {
	return fmt.Sprintf("mail.%s.%s", p.Transport(), suffix)
}

func (p Protocol) HostProperty() string    { return p.property(suffixHost) }
func (p Protocol) PortProperty() string    { return p.property(suffixPort) }
func (p Protocol) AuthProperty() string    { return p.property(suffixAuth) }
func (p Protocol) ReadTimeoutProperty() string {
	return p.property(suffixTimeout)
}
func (p Protocol) ConnectionTimeoutProperty() string {
	return p.property(suffixConnectionTimeout)
}
func (p Protocol) WriteTimeoutProperty() string {
	return p.property(suffixWriteTimeout)
}
func (p Protocol) StartTLSProperty() string { return p.property(suffixStartTLS) }
func (p Protocol) SSLEnableProperty() string {
	return p.property(suffixSSLEnable)
}
func (p Protocol) SSLTrustProperty() string { return p.property(suffixSSLTrust) }
func (p Protocol) SSLProtocolsProperty() string {
	return p.property(suffixSSLProtocols)
}
func (p Protocol) SSLCipherSuitesProperty() string {
	return p.property(suffixSSLCipherSuites)
}
func (p Protocol) CheckServerIdentityProperty() string {
	return p.property(suffixCheckServerIdentity)
}
func (p Protocol) SocketFactoryFallbackProperty() string {
	return p.property(suffixSocketFactoryFallback)
}
func (p Protocol) SocketFactoryPortProperty() string {
	return p.property(suffixSocketFactoryPort)
}
func (p Protocol) AuthMechanismsProperty() string {
	return p.property(suffixAuthMechanisms)
}
