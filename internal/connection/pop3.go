package connection

import (
	"bytes"
	"log"
	"net/mail"
	"strconv"
	"strings"

	"github.com/knadh/go-pop3"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/session"
)

type pop3Conn interface {
	Auth(user, password string) error
	Noop() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
	Rset() error
	Quit() error
}

type pop3Factory func(*session.Session) (pop3Conn, error)

// POP3Store speaks POP3/POP3S for one session. The protocol has no
// folder tree and no flag store, so the single INBOX folder filters
// client-side and deletion is the only mutation.
type POP3Store struct {
	sess    *session.Session
	logger  *log.Logger
	newConn pop3Factory
	conn    pop3Conn
}

// POP3Option customizes store behavior.
type POP3Option func(*POP3Store)

// NewPOP3Store returns a disconnected POP3 store for sess.
func NewPOP3Store(sess *session.Session, opts ...POP3Option) *POP3Store {
	s := &POP3Store{
		sess:   sess,
		logger: log.Default(),
	}
	s.newConn = defaultPOP3Factory
	for _, opt := range opts {
		opt(s)
	}
	if s.newConn == nil {
		s.newConn = defaultPOP3Factory
	}
	return s
}

// WithPOP3Logger overrides the logger used for store diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3Option {
	return func(s *POP3Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func withPOP3Factory(factory pop3Factory) POP3Option {
	return func(s *POP3Store) {
		s.newConn = factory
	}
}

// Connect dials the server and authenticates. POP3 carries the bearer
// through USER/PASS when OAuth2 is enabled; servers that insist on a
// SASL exchange reject it at this point.
func (s *POP3Store) Connect() error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.newConn(s.sess)
	if err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while connecting to %s", s.sess.Addr())
	}
	if s.sess.RequiresAuth() {
		username, secret := s.sess.Credentials()
		if err := conn.Auth(username, secret); err != nil {
			s.safeQuit(conn)
			return emailerr.Wrap(emailerr.KindConnection, err,
				"error occurred while authenticating %s", username)
		}
	}
	s.conn = conn
	return nil
}

// IsConnected pings the server with a NOOP.
func (s *POP3Store) IsConnected() bool {
	if s.conn == nil {
		return false
	}
	return s.conn.Noop() == nil
}

// OpenFolder lists the mailbox via UIDL. The protocol exposes exactly
// one folder; asking for anything but INBOX is an error.
func (s *POP3Store) OpenFolder(name string, mode OpenMode) (Folder, error) {
	if !strings.EqualFold(name, config.DefaultFolder) {
		return nil, emailerr.New(emailerr.KindConnection,
			"pop3 exposes only the %s folder, got %q", config.DefaultFolder, name)
	}
	// An expunge-commit quits the link, so reconnect transparently.
	if s.conn == nil {
		if err := s.Connect(); err != nil {
			return nil, err
		}
	}
	listing, err := s.conn.Uidl(0)
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while listing the %s folder", config.DefaultFolder)
	}
	return &pop3Folder{store: s, mode: mode, listing: listing}, nil
}

// Disconnect commits pending deletions and quits.
func (s *POP3Store) Disconnect() error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	if err := conn.Quit(); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while closing connection to %s", s.sess.Addr())
	}
	return nil
}

func (s *POP3Store) safeQuit(conn pop3Conn) {
	if err := conn.Quit(); err != nil && s.logger != nil {
		s.logger.Printf("pop3 quit error: %v", err)
	}
}

func defaultPOP3Factory(sess *session.Session) (pop3Conn, error) {
	host := sess.Host()
	port, _ := strconv.Atoi(sess.Property(sess.Protocol().PortProperty()))
	tlsCfg, err := sess.TLSConfig()
	if err != nil {
		return nil, err
	}
	opt := pop3.Opt{
		Host:        host,
		Port:        port,
		DialTimeout: sess.DialTimeout(),
		TLSEnabled:  sess.UseSSL(),
	}
	if tlsCfg != nil {
		opt.TLSSkipVerify = tlsCfg.InsecureSkipVerify
	}
	return pop3.New(opt).NewConn()
}

type pop3Folder struct {
	store   *POP3Store
	mode    OpenMode
	listing []pop3.MessageID

	// raw caches retrieved payloads by POP3 message number so a
	// client-side search does not re-retrieve for the fetch.
	raw map[int][]byte

	// marked holds message numbers flagged deleted, committed on an
	// expunging close.
	marked []int
}

func (f *pop3Folder) Name() string   { return config.DefaultFolder }
func (f *pop3Folder) Mode() OpenMode { return f.mode }

// Search filters the UIDL listing. Flag terms are skipped because the
// protocol tracks no permanent flags; date terms cannot be answered
// from the listing and match everything.
func (f *pop3Folder) Search(q Query) ([]MessageRef, error) {
	refs := make([]MessageRef, 0, len(f.listing))
	for _, meta := range f.listing {
		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		ref := MessageRef{UID: uid, Seq: uint32(meta.ID)}
		ok, err := f.matches(ref, q)
		if err != nil {
			return nil, err
		}
		if ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (f *pop3Folder) matches(ref MessageRef, q Query) (bool, error) {
	if q.Subject == "" && q.From == "" && q.MessageID == "" {
		return true, nil
	}
	raw, err := f.retrieve(int(ref.Seq))
	if err != nil {
		return false, err
	}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		// Unparseable headers cannot satisfy a header criterion.
		return false, nil
	}
	if q.Subject != "" &&
		!strings.Contains(strings.ToLower(msg.Header.Get("Subject")), strings.ToLower(q.Subject)) {
		return false, nil
	}
	if q.From != "" {
		want, err := mail.ParseAddress(q.From)
		if err != nil {
			return false, emailerr.Wrap(emailerr.KindConnection, err,
				"error occurred while parsing from address %q", q.From)
		}
		got, err := mail.ParseAddress(msg.Header.Get("From"))
		if err != nil || !strings.EqualFold(got.Address, want.Address) {
			return false, nil
		}
	}
	if q.MessageID != "" {
		id := strings.Trim(msg.Header.Get("Message-Id"), "<> ")
		if !strings.EqualFold(id, strings.Trim(q.MessageID, "<> ")) {
			return false, nil
		}
	}
	return true, nil
}

func (f *pop3Folder) Fetch(refs []MessageRef) ([]RawMessage, error) {
	out := make([]RawMessage, 0, len(refs))
	for _, ref := range refs {
		raw, err := f.retrieve(int(ref.Seq))
		if err != nil {
			return nil, err
		}
		out = append(out, RawMessage{Ref: ref, Raw: raw})
	}
	return out, nil
}

func (f *pop3Folder) retrieve(id int) ([]byte, error) {
	if raw, ok := f.raw[id]; ok {
		return raw, nil
	}
	buf, err := f.store.conn.RetrRaw(id)
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while retrieving message %d", id)
	}
	raw := append([]byte(nil), buf.Bytes()...)
	if f.raw == nil {
		f.raw = make(map[int][]byte)
	}
	f.raw[id] = raw
	return raw, nil
}

// AddFlag supports only the deleted flag; POP3 has no flag store.
func (f *pop3Folder) AddFlag(ref MessageRef, flag Flag) error {
	if f.mode != ReadWrite {
		return emailerr.New(emailerr.KindConnection,
			"folder %s is open read-only", config.DefaultFolder)
	}
	if flag != FlagDeleted {
		return emailerr.New(emailerr.KindConnection,
			"pop3 does not support the %s flag", flag)
	}
	id := int(ref.Seq)
	if err := f.store.conn.Dele(id); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while marking message %d deleted", id)
	}
	f.marked = append(f.marked, id)
	return nil
}

// Close commits or rolls back pending deletions. A commit quits the
// link; the store reconnects on the next open.
func (f *pop3Folder) Close(expunge bool) error {
	if expunge && f.mode == ReadWrite {
		return f.Expunge()
	}
	if len(f.marked) == 0 {
		return nil
	}
	f.marked = nil
	if err := f.store.conn.Rset(); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while resetting deletion marks")
	}
	return nil
}

// Expunge commits deletions by quitting the session.
func (f *pop3Folder) Expunge() error {
	if len(f.marked) == 0 {
		return nil
	}
	f.marked = nil
	return f.store.Disconnect()
}
