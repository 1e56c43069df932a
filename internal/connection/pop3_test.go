package connection

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/session"
)

func pop3Session(t *testing.T) *session.Session {
	t.Helper()
	cfg := &config.ConnectionConfig{
		ConnectionName: "main",
		Host:           "pop.example.com",
		Port:           995,
		Protocol:       "POP3S",
		Username:       "user@example.com",
		Password:       "secret",
	}
	sess, err := session.Build(cfg, nil, "")
	require.NoError(t, err)
	return sess
}

func newTestPOP3Store(t *testing.T, conn *fakePOP3Conn) *POP3Store {
	t.Helper()
	return NewPOP3Store(pop3Session(t),
		withPOP3Factory(func(*session.Session) (pop3Conn, error) { return conn, nil }))
}

func pop3Message(id, from, subject string) []byte {
	return []byte(fmt.Sprintf(
		"Message-Id: <%s>\r\nFrom: %s\r\nSubject: %s\r\n\r\nbody %s\r\n",
		id, from, subject, id))
}

func newFakePOP3Conn() *fakePOP3Conn {
	return &fakePOP3Conn{
		uidl: []pop3.MessageID{
			{ID: 1, UID: "uid-1", Size: 120},
			{ID: 2, UID: "uid-2", Size: 90},
			{ID: 3, UID: "uid-3", Size: 60},
		},
		bodies: map[int][]byte{
			1: pop3Message("m1@example.com", "alice@example.com", "weekly report"),
			2: pop3Message("m2@example.com", "Bob <bob@example.com>", "invoice 42"),
			3: pop3Message("m3@example.com", "alice@example.com", "invoice 43"),
		},
	}
}

func TestPOP3StoreConnectAuth(t *testing.T) {
	conn := newFakePOP3Conn()
	store := newTestPOP3Store(t, conn)

	require.NoError(t, store.Connect())
	require.Equal(t, "user@example.com", conn.authUser)
	require.Equal(t, "secret", conn.authPass)
	require.True(t, store.IsConnected())
}

func TestPOP3StoreAuthFailureQuits(t *testing.T) {
	conn := newFakePOP3Conn()
	conn.authErr = errors.New("invalid credentials")
	store := newTestPOP3Store(t, conn)

	err := store.Connect()
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindConnection))
	require.Equal(t, 1, conn.quitCalls)
	require.False(t, store.IsConnected())
}

func TestPOP3StoreOnlyExposesInbox(t *testing.T) {
	store := newTestPOP3Store(t, newFakePOP3Conn())
	require.NoError(t, store.Connect())

	_, err := store.OpenFolder("Archive", ReadOnly)
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindConnection))

	folder, err := store.OpenFolder("inbox", ReadOnly)
	require.NoError(t, err)
	require.Equal(t, "INBOX", folder.Name())
}

func TestPOP3FolderListsEverythingOnEmptyQuery(t *testing.T) {
	conn := newFakePOP3Conn()
	store := newTestPOP3Store(t, conn)
	require.NoError(t, store.Connect())
	folder, err := store.OpenFolder("INBOX", ReadOnly)
	require.NoError(t, err)

	refs, err := folder.Search(Query{})
	require.NoError(t, err)
	require.Equal(t, []MessageRef{
		{UID: "uid-1", Seq: 1},
		{UID: "uid-2", Seq: 2},
		{UID: "uid-3", Seq: 3},
	}, refs)
	require.Zero(t, conn.retrCalls, "listing alone never retrieves payloads")
}

func TestPOP3FolderIgnoresFlagTerms(t *testing.T) {
	store := newTestPOP3Store(t, newFakePOP3Conn())
	require.NoError(t, store.Connect())
	folder, err := store.OpenFolder("INBOX", ReadOnly)
	require.NoError(t, err)

	seen := true
	refs, err := folder.Search(Query{Seen: &seen})
	require.NoError(t, err)
	require.Len(t, refs, 3)
}

func TestPOP3FolderFiltersSubjectAndFrom(t *testing.T) {
	conn := newFakePOP3Conn()
	store := newTestPOP3Store(t, conn)
	require.NoError(t, store.Connect())
	folder, err := store.OpenFolder("INBOX", ReadOnly)
	require.NoError(t, err)

	refs, err := folder.Search(Query{Subject: "Invoice"})
	require.NoError(t, err)
	require.Equal(t, []MessageRef{{UID: "uid-2", Seq: 2}, {UID: "uid-3", Seq: 3}}, refs)

	refs, err = folder.Search(Query{Subject: "invoice", From: "alice@example.com"})
	require.NoError(t, err)
	require.Equal(t, []MessageRef{{UID: "uid-3", Seq: 3}}, refs)

	// The second search reuses the retrieval cache.
	require.Equal(t, 3, conn.retrCalls)

	_, err = folder.Search(Query{From: "not an address"})
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindConnection))
}

func TestPOP3FolderFetch(t *testing.T) {
	conn := newFakePOP3Conn()
	store := newTestPOP3Store(t, conn)
	require.NoError(t, store.Connect())
	folder, err := store.OpenFolder("INBOX", ReadOnly)
	require.NoError(t, err)

	msgs, err := folder.Fetch([]MessageRef{{UID: "uid-2", Seq: 2}})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, string(msgs[0].Raw), "invoice 42")
}

func TestPOP3FolderDeleteAndExpunge(t *testing.T) {
	conn := newFakePOP3Conn()
	store := newTestPOP3Store(t, conn)
	require.NoError(t, store.Connect())
	folder, err := store.OpenFolder("INBOX", ReadWrite)
	require.NoError(t, err)

	require.Error(t, folder.AddFlag(MessageRef{UID: "uid-1", Seq: 1}, FlagSeen),
		"pop3 has no flag store beyond deletion")

	require.NoError(t, folder.AddFlag(MessageRef{UID: "uid-1", Seq: 1}, FlagDeleted))
	require.Equal(t, []int{1}, conn.deleted)

	// Expunging close commits by quitting the link.
	require.NoError(t, folder.Close(true))
	require.Equal(t, 1, conn.quitCalls)
	require.False(t, store.IsConnected())

	// The store reconnects transparently on the next open.
	_, err = store.OpenFolder("INBOX", ReadOnly)
	require.NoError(t, err)
	require.True(t, store.IsConnected())
}

func TestPOP3FolderCloseWithoutExpungeResets(t *testing.T) {
	conn := newFakePOP3Conn()
	store := newTestPOP3Store(t, conn)
	require.NoError(t, store.Connect())
	folder, err := store.OpenFolder("INBOX", ReadWrite)
	require.NoError(t, err)

	require.NoError(t, folder.AddFlag(MessageRef{UID: "uid-2", Seq: 2}, FlagDeleted))
	require.NoError(t, folder.Close(false))
	require.Equal(t, 1, conn.rsetCalls)
	require.Zero(t, conn.quitCalls)
}

func TestPOP3FolderReadOnlyRejectsDelete(t *testing.T) {
	store := newTestPOP3Store(t, newFakePOP3Conn())
	require.NoError(t, store.Connect())
	folder, err := store.OpenFolder("INBOX", ReadOnly)
	require.NoError(t, err)

	err = folder.AddFlag(MessageRef{UID: "uid-1", Seq: 1}, FlagDeleted)
	require.Error(t, err)
}

type fakePOP3Conn struct {
	uidl   []pop3.MessageID
	bodies map[int][]byte

	authErr error
	uidlErr error
	retrErr error
	deleErr error

	authUser, authPass string
	retrCalls          int
	rsetCalls          int
	quitCalls          int
	deleted            []int
}

func (f *fakePOP3Conn) Auth(user, password string) error {
	f.authUser, f.authPass = user, password
	return f.authErr
}

func (f *fakePOP3Conn) Noop() error { return nil }

func (f *fakePOP3Conn) Uidl(_ int) ([]pop3.MessageID, error) {
	if f.uidlErr != nil {
		return nil, f.uidlErr
	}
	out := make([]pop3.MessageID, len(f.uidl))
	copy(out, f.uidl)
	return out, nil
}

func (f *fakePOP3Conn) RetrRaw(msgID int) (*bytes.Buffer, error) {
	f.retrCalls++
	if f.retrErr != nil {
		return nil, f.retrErr
	}
	body, ok := f.bodies[msgID]
	if !ok {
		return nil, fmt.Errorf("no such message %d", msgID)
	}
	return bytes.NewBuffer(append([]byte(nil), body...)), nil
}

func (f *fakePOP3Conn) Dele(msgID ...int) error {
	if f.deleErr != nil {
		return f.deleErr
	}
	f.deleted = append(f.deleted, msgID...)
	return nil
}

func (f *fakePOP3Conn) Rset() error {
	f.rsetCalls++
	f.deleted = nil
	return nil
}

func (f *fakePOP3Conn) Quit() error {
	f.quitCalls++
	return nil
}
