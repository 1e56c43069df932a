package connection

import (
	"log"
	"net"
	"net/mail"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/session"
)

type imapCommander interface {
	Login(username, password string) commandWaiter
	Authenticate(saslClient sasl.Client) error
	Logout() commandWaiter
	Close() error
	Noop() commandWaiter
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	Unselect() commandWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Expunge() expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

type imapFactory func(*session.Session) (imapCommander, error)

// IMAPStore speaks IMAP/IMAPS for one session.
type IMAPStore struct {
	sess      *session.Session
	logger    *log.Logger
	newClient imapFactory
	client    imapCommander
}

// IMAPOption customizes store behavior.
type IMAPOption func(*IMAPStore)

// NewIMAPStore returns a disconnected IMAP store for sess.
func NewIMAPStore(sess *session.Session, opts ...IMAPOption) *IMAPStore {
	s := &IMAPStore{
		sess:   sess,
		logger: log.Default(),
	}
	s.newClient = defaultIMAPFactory
	for _, opt := range opts {
		opt(s)
	}
	if s.newClient == nil {
		s.newClient = defaultIMAPFactory
	}
	return s
}

// WithIMAPLogger overrides the logger used for store diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPOption {
	return func(s *IMAPStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func withIMAPFactory(factory imapFactory) IMAPOption {
	return func(s *IMAPStore) {
		s.newClient = factory
	}
}

// Connect dials the server and authenticates.
func (s *IMAPStore) Connect() error {
	if s.client != nil {
		return nil
	}
	client, err := s.newClient(s.sess)
	if err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while connecting to %s", s.sess.Addr())
	}

	username, secret := s.sess.Credentials()
	switch {
	case s.sess.OAuth2():
		err = client.Authenticate(newXOAuth2Client(username, secret))
	case s.sess.RequiresAuth():
		err = client.Login(username, secret).Wait()
	}
	if err != nil {
		s.safeClose(client)
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while authenticating %s", username)
	}

	s.client = client
	return nil
}

// IsConnected pings the server with a NOOP.
func (s *IMAPStore) IsConnected() bool {
	if s.client == nil {
		return false
	}
	return s.client.Noop().Wait() == nil
}

// OpenFolder selects a mailbox folder on the server.
func (s *IMAPStore) OpenFolder(name string, mode OpenMode) (Folder, error) {
	if s.client == nil {
		return nil, emailerr.New(emailerr.KindConnection,
			"cannot open folder %s on a disconnected store", name)
	}
	opts := &imap.SelectOptions{ReadOnly: mode == ReadOnly}
	data, err := s.client.Select(name, opts).Wait()
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while opening folder %s", name)
	}
	var permFlags []imap.Flag
	if data != nil {
		permFlags = data.PermanentFlags
	}
	return &imapFolder{
		client:    s.client,
		name:      name,
		mode:      mode,
		permFlags: permFlags,
	}, nil
}

// Disconnect logs out and drops the link. The TCP close runs even when
// the logout round trip fails.
func (s *IMAPStore) Disconnect() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil

	err := client.Logout().Wait()
	s.safeClose(client)
	if err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while closing connection to %s", s.sess.Addr())
	}
	return nil
}

func (s *IMAPStore) safeClose(client imapCommander) {
	if err := client.Close(); err != nil && s.logger != nil {
		s.logger.Printf("imap close error: %v", err)
	}
}

func defaultIMAPFactory(sess *session.Session) (imapCommander, error) {
	tlsCfg, err := sess.TLSConfig()
	if err != nil {
		return nil, err
	}
	opts := &imapclient.Options{
		Dialer:    &net.Dialer{Timeout: sess.DialTimeout()},
		TLSConfig: tlsCfg,
	}
	addr := sess.Addr()
	var client *imapclient.Client
	switch {
	case sess.UseSSL():
		client, err = imapclient.DialTLS(addr, opts)
	case sess.UseStartTLS():
		client, err = imapclient.DialStartTLS(addr, opts)
	default:
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapCommanderWrapper{Client: client}, nil
}

type imapCommanderWrapper struct{ *imapclient.Client }

func (w *imapCommanderWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapCommanderWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapCommanderWrapper) Noop() commandWaiter   { return w.Client.Noop() }
func (w *imapCommanderWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapCommanderWrapper) Unselect() commandWaiter { return w.Client.Unselect() }
func (w *imapCommanderWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapCommanderWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapCommanderWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapCommanderWrapper) Expunge() expungeWaiter { return w.Client.Expunge() }

// \Recent is absent from the IMAP4rev2 flag table but servers still
// report it in PERMANENTFLAGS.
const imapFlagRecent = imap.Flag("\\Recent")

var imapFlags = map[Flag]imap.Flag{
	FlagSeen:     imap.FlagSeen,
	FlagAnswered: imap.FlagAnswered,
	FlagRecent:   imapFlagRecent,
	FlagDeleted:  imap.FlagDeleted,
}

type imapFolder struct {
	client    imapCommander
	name      string
	mode      OpenMode
	permFlags []imap.Flag
}

func (f *imapFolder) Name() string   { return f.name }
func (f *imapFolder) Mode() OpenMode { return f.mode }

func (f *imapFolder) Search(q Query) ([]MessageRef, error) {
	criteria, err := f.criteria(q)
	if err != nil {
		return nil, err
	}
	data, err := f.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while searching folder %s", f.name)
	}
	uids := data.AllUIDs()
	refs := make([]MessageRef, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, MessageRef{
			UID: strconv.FormatUint(uint64(uid), 10),
			Seq: uint32(uid),
		})
	}
	return refs, nil
}

func (f *imapFolder) criteria(q Query) (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{}

	f.flagTerm(criteria, q.Seen, imap.FlagSeen)
	f.flagTerm(criteria, q.Answered, imap.FlagAnswered)
	f.flagTerm(criteria, q.Recent, imapFlagRecent)
	f.flagTerm(criteria, q.Deleted, imap.FlagDeleted)

	if q.Subject != "" {
		criteria.Header = append(criteria.Header,
			imap.SearchCriteriaHeaderField{Key: "Subject", Value: q.Subject})
	}
	if q.From != "" {
		addr, err := mail.ParseAddress(q.From)
		if err != nil {
			return nil, emailerr.Wrap(emailerr.KindConnection, err,
				"error occurred while parsing from address %q", q.From)
		}
		criteria.Header = append(criteria.Header,
			imap.SearchCriteriaHeaderField{Key: "From", Value: addr.Address})
	}
	if q.MessageID != "" {
		criteria.Header = append(criteria.Header,
			imap.SearchCriteriaHeaderField{Key: "Message-ID", Value: q.MessageID})
	}
	if q.ReceivedSince != nil {
		criteria.Since = *q.ReceivedSince
	}
	if q.ReceivedUntil != nil {
		criteria.Before = *q.ReceivedUntil
	}
	if q.SentSince != nil {
		criteria.SentSince = *q.SentSince
	}
	if q.SentUntil != nil {
		criteria.SentBefore = *q.SentUntil
	}
	return criteria, nil
}

// flagTerm adds a flag criterion only when the folder reported the
// flag as permanent; folders without flag support list everything.
func (f *imapFolder) flagTerm(criteria *imap.SearchCriteria, want *bool, flag imap.Flag) {
	if want == nil || !f.supportsFlag(flag) {
		return
	}
	if *want {
		criteria.Flag = append(criteria.Flag, flag)
	} else {
		criteria.NotFlag = append(criteria.NotFlag, flag)
	}
}

func (f *imapFolder) supportsFlag(flag imap.Flag) bool {
	for _, perm := range f.permFlags {
		if perm == flag || perm == imap.FlagWildcard {
			return true
		}
	}
	return false
}

func (f *imapFolder) Fetch(refs []MessageRef) ([]RawMessage, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	uids := make([]imap.UID, 0, len(refs))
	for _, ref := range refs {
		uids = append(uids, imap.UID(ref.Seq))
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	buffers, err := f.client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while fetching messages from folder %s", f.name)
	}

	byUID := make(map[imap.UID][]byte, len(buffers))
	for _, buf := range buffers {
		body := buf.FindBodySection(&imap.FetchItemBodySection{})
		if body == nil {
			continue
		}
		byUID[buf.UID] = append([]byte(nil), body...)
	}

	out := make([]RawMessage, 0, len(refs))
	for _, ref := range refs {
		raw, ok := byUID[imap.UID(ref.Seq)]
		if !ok {
			continue
		}
		out = append(out, RawMessage{Ref: ref, Raw: raw})
	}
	return out, nil
}

func (f *imapFolder) AddFlag(ref MessageRef, flag Flag) error {
	if f.mode != ReadWrite {
		return emailerr.New(emailerr.KindConnection,
			"folder %s is open read-only", f.name)
	}
	imapFlag, ok := imapFlags[flag]
	if !ok {
		return emailerr.New(emailerr.KindConnection, "unknown flag %q", flag)
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imapFlag}}
	uidSet := imap.UIDSetNum(imap.UID(ref.Seq))
	if err := f.client.Store(uidSet, store, nil).Close(); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while setting flag %s on message %s", flag, ref.UID)
	}
	return nil
}

func (f *imapFolder) Close(expunge bool) error {
	if expunge && f.mode == ReadWrite {
		if err := f.Expunge(); err != nil {
			return err
		}
	}
	if err := f.client.Unselect().Wait(); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while closing folder %s", f.name)
	}
	return nil
}

func (f *imapFolder) Expunge() error {
	if err := f.client.Expunge().Close(); err != nil {
		return emailerr.Wrap(emailerr.KindConnection, err,
			"error occurred while expunging folder %s", f.name)
	}
	return nil
}
