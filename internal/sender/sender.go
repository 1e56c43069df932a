// Package sender delivers messages over SMTP/SMTPS using a shared
// transport session. Every send dials a fresh link; the session only
// carries the derived properties and credentials.
package sender

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/smtp"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/session"
)

// Attachment is one outgoing attachment part.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Envelope describes one outgoing message.
type Envelope struct {
	From        string
	To          []string
	CC          []string
	BCC         []string
	ReplyTo     []string
	Subject     string
	Body        string
	ContentType string
	Attachments []Attachment
}

type smtpClient interface {
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type smtpFactory func(*session.Session) (smtpClient, error)

// Sender delivers envelopes over a transport session.
type Sender struct {
	logger    *log.Logger
	now       func() time.Time
	newClient smtpFactory
}

// SenderOption customizes sender behavior.
type SenderOption func(*Sender)

// NewSender returns a sender ready for delivery.
func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{
		logger: log.Default(),
		now:    time.Now,
	}
	s.newClient = defaultSMTPFactory
	for _, opt := range opts {
		opt(s)
	}
	if s.newClient == nil {
		s.newClient = defaultSMTPFactory
	}
	return s
}

// WithSenderLogger overrides the logger used for delivery diagnostics.
func WithSenderLogger(logger *log.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSenderClock overrides the wall clock, primarily for tests.
func WithSenderClock(now func() time.Time) SenderOption {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

func withSMTPFactory(factory smtpFactory) SenderOption {
	return func(s *Sender) {
		s.newClient = factory
	}
}

// Send delivers env through sess. The envelope sender defaults to the
// session's username.
func (s *Sender) Send(sess *session.Session, env Envelope) error {
	from := env.From
	if from == "" {
		from, _ = sess.Credentials()
	}
	if from == "" {
		return emailerr.New(emailerr.KindConfiguration,
			"mandatory parameter 'from' is not set")
	}
	recipients := make([]string, 0, len(env.To)+len(env.CC)+len(env.BCC))
	recipients = append(recipients, env.To...)
	recipients = append(recipients, env.CC...)
	recipients = append(recipients, env.BCC...)
	if len(recipients) == 0 {
		return emailerr.New(emailerr.KindConfiguration,
			"mandatory parameter 'to' is not set")
	}

	payload, err := s.build(from, env)
	if err != nil {
		return err
	}

	client, err := s.newClient(sess)
	if err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while connecting to %s", sess.Addr())
	}
	defer s.safeClose(client)

	if sess.RequiresAuth() {
		if err := client.Auth(smtpAuth(sess)); err != nil {
			return emailerr.Wrap(emailerr.KindConnection, err,
				"error occurred while authenticating with %s", sess.Addr())
		}
	}
	if err := client.Mail(from); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while setting sender %s", from)
	}
	accepted := 0
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			s.logger.Printf("recipient %s rejected: %v", rcpt, err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return emailerr.New(emailerr.KindConnection,
			"every recipient was rejected by %s", sess.Addr())
	}

	writer, err := client.Data()
	if err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while starting the data transfer")
	}
	if _, err := writer.Write(payload); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while writing the message body")
	}
	if err := writer.Close(); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while finishing the data transfer")
	}
	return client.Quit()
}

// Probe dials the transport and hangs up, verifying reachability and
// the TLS posture without sending anything.
func (s *Sender) Probe(sess *session.Session) error {
	client, err := s.newClient(sess)
	if err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while connecting to %s", sess.Addr())
	}
	return client.Quit()
}

func (s *Sender) safeClose(client smtpClient) {
	if err := client.Close(); err != nil && s.logger != nil {
		s.logger.Printf("smtp close error: %v", err)
	}
}

// build renders the envelope into an RFC 5322 payload, multipart when
// attachments are present.
func (s *Sender) build(from string, env Envelope) ([]byte, error) {
	contentType := env.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	var header gomail.Header
	header.SetDate(s.now())
	header.SetSubject(env.Subject)
	header.SetAddressList("From", toAddresses([]string{from}))
	header.SetAddressList("To", toAddresses(env.To))
	if len(env.CC) > 0 {
		header.SetAddressList("Cc", toAddresses(env.CC))
	}
	if len(env.ReplyTo) > 0 {
		header.SetAddressList("Reply-To", toAddresses(env.ReplyTo))
	}

	var buf bytes.Buffer
	if len(env.Attachments) == 0 {
		header.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		writer, err := gomail.CreateSingleInlineWriter(&buf, header)
		if err != nil {
			return nil, emailerr.Wrap(emailerr.KindResponse, err,
				"error occurred while writing the message")
		}
		if _, err := io.WriteString(writer, env.Body); err != nil {
			return nil, emailerr.Wrap(emailerr.KindResponse, err,
				"error occurred while writing the message body")
		}
		if err := writer.Close(); err != nil {
			return nil, emailerr.Wrap(emailerr.KindResponse, err,
				"error occurred while finishing the message")
		}
		return buf.Bytes(), nil
	}

	writer, err := gomail.CreateWriter(&buf, header)
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindResponse, err,
			"error occurred while writing the message")
	}
	var inlineHeader gomail.InlineHeader
	inlineHeader.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	inline, err := writer.CreateSingleInline(inlineHeader)
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindResponse, err,
			"error occurred while writing the message body")
	}
	if _, err := io.WriteString(inline, env.Body); err != nil {
		return nil, emailerr.Wrap(emailerr.KindResponse, err,
			"error occurred while writing the message body")
	}
	if err := inline.Close(); err != nil {
		return nil, emailerr.Wrap(emailerr.KindResponse, err,
			"error occurred while writing the message body")
	}
	for _, att := range env.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		var attHeader gomail.AttachmentHeader
		attHeader.SetFilename(att.Name)
		attHeader.SetContentType(contentType, nil)
		part, err := writer.CreateAttachment(attHeader)
		if err != nil {
			return nil, emailerr.Wrap(emailerr.KindResponse, err,
				"error occurred while writing attachment %s", att.Name)
		}
		if _, err := part.Write(att.Content); err != nil {
			return nil, emailerr.Wrap(emailerr.KindResponse, err,
				"error occurred while writing attachment %s", att.Name)
		}
		if err := part.Close(); err != nil {
			return nil, emailerr.Wrap(emailerr.KindResponse, err,
				"error occurred while writing attachment %s", att.Name)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, emailerr.Wrap(emailerr.KindResponse, err,
			"error occurred while finishing the message")
	}
	return buf.Bytes(), nil
}

func toAddresses(values []string) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(values))
	for _, v := range values {
		out = append(out, &gomail.Address{Address: v})
	}
	return out
}

// smtpAuth picks XOAUTH2 when the session carries a bearer, PLAIN
// otherwise.
func smtpAuth(sess *session.Session) smtp.Auth {
	username, secret := sess.Credentials()
	if sess.OAuth2() {
		return &xoauth2SMTPAuth{username: username, token: secret}
	}
	return &plainSMTPAuth{username: username, secret: secret, host: sess.Host()}
}

// plainSMTPAuth is PLAIN without net/smtp's cleartext refusal. The
// protocol descriptor already decides the TLS posture of the link, and
// authenticated plain SMTP is a supported configuration.
type plainSMTPAuth struct {
	username string
	secret   string
	host     string
}

func (a *plainSMTPAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if server.Name != a.host {
		return "", nil, fmt.Errorf("smtp server identifies as %q, expected %q", server.Name, a.host)
	}
	return "PLAIN", []byte("\x00" + a.username + "\x00" + a.secret), nil
}

func (a *plainSMTPAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge during plain auth")
	}
	return nil, nil
}

type xoauth2SMTPAuth struct {
	username string
	token    string
}

func (a *xoauth2SMTPAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

func (a *xoauth2SMTPAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	// An error challenge arrives as a JSON blob; answering with an
	// empty line surfaces the tagged failure.
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

func defaultSMTPFactory(sess *session.Session) (smtpClient, error) {
	addr := sess.Addr()
	tlsCfg, err := sess.TLSConfig()
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: sess.DialTimeout()}

	if sess.UseSSL() {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if err != nil {
			return nil, err
		}
		client, err := smtp.NewClient(conn, sess.Host())
		if err != nil {
			conn.Close()
			return nil, err
		}
		return client, nil
	}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	client, err := smtp.NewClient(conn, sess.Host())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if sess.UseStartTLS() {
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: sess.Host()}
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}
