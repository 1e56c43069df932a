package mailbox

import (
	"errors"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/connection"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
)

func rawEmail(uid string) []byte {
	return []byte(fmt.Sprintf(
		"Message-Id: <%s@example.com>\r\nFrom: alice@example.com\r\nTo: bob@example.com\r\nSubject: msg %s\r\nContent-Type: text/plain\r\n\r\nbody %s\r\n",
		uid, uid, uid))
}

func newFolderWith(n int) *stubFolder {
	f := &stubFolder{raw: make(map[string][]byte)}
	for i := 1; i <= n; i++ {
		uid := strconv.Itoa(i)
		f.refs = append(f.refs, connection.MessageRef{UID: uid, Seq: uint32(i)})
		f.raw[uid] = rawEmail(uid)
	}
	return f
}

func TestRetrieveUnbounded(t *testing.T) {
	folder := newFolderWith(3)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	emails, err := engine.Retrieve(conn, config.DefaultFilter())
	require.NoError(t, err)
	require.Len(t, emails, 3)
	assert.Equal(t, "1", emails[0].UID)
	assert.Equal(t, "1@example.com", emails[0].Summary.ID)
	assert.Equal(t, "msg 3", emails[2].Summary.Subject)

	assert.Equal(t, connection.ReadOnly, conn.openMode)
	assert.False(t, conn.closedExpunge)
	assert.Empty(t, folder.flagged, "unbounded read-only list never mutates")
}

func TestRetrievePagination(t *testing.T) {
	folder := newFolderWith(10)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	filter := config.DefaultFilter()
	filter.Offset = 2
	filter.Limit = 3
	emails, err := engine.Retrieve(conn, filter)
	require.NoError(t, err)
	require.Len(t, emails, 3)
	assert.Equal(t, "3", emails[0].UID)
	assert.Equal(t, "5", emails[2].UID)
}

func TestRetrieveOffsetPastEnd(t *testing.T) {
	folder := newFolderWith(2)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	filter := config.DefaultFilter()
	filter.Offset = 10
	filter.Limit = 5
	emails, err := engine.Retrieve(conn, filter)
	require.NoError(t, err)
	assert.Empty(t, emails)
}

func TestRetrieveDeleteAfterRetrieveFlagsOutsidePage(t *testing.T) {
	folder := newFolderWith(10)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	filter := config.DefaultFilter()
	filter.DeleteAfterRetrieve = true
	filter.Offset = 2
	filter.Limit = 3
	emails, err := engine.Retrieve(conn, filter)
	require.NoError(t, err)
	require.Len(t, emails, 3)
	assert.Equal(t, []string{"3", "4", "5"}, uids(emails))

	assert.Equal(t, connection.ReadWrite, conn.openMode)
	assert.True(t, conn.closedExpunge)
	assert.ElementsMatch(t, []string{"1", "2", "6", "7", "8", "9", "10"}, folder.flagged)
}

func TestRetrieveUnboundedDeleteAfterRetrieveSkipsMarking(t *testing.T) {
	folder := newFolderWith(4)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	filter := config.DefaultFilter()
	filter.DeleteAfterRetrieve = true
	emails, err := engine.Retrieve(conn, filter)
	require.NoError(t, err)
	require.Len(t, emails, 4)

	assert.Empty(t, folder.flagged, "an unbounded page covers everything")
	assert.True(t, conn.closedExpunge)
}

func TestRetrieveFlagMarkFailureIsLoggedNotFatal(t *testing.T) {
	folder := newFolderWith(3)
	folder.flagErr = errors.New("server said no")
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	filter := config.DefaultFilter()
	filter.DeleteAfterRetrieve = true
	filter.Limit = 1
	emails, err := engine.Retrieve(conn, filter)
	require.NoError(t, err)
	require.Len(t, emails, 1)
}

func TestRetrieveBuildsQueryFromFilter(t *testing.T) {
	folder := newFolderWith(1)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	filter := config.DefaultFilter()
	filter.Seen = false
	filter.SubjectRegex = "invoice"
	filter.FromRegex = "billing@example.com"
	filter.ReceivedSince = "2026-01-02T00:00:00"
	_, err := engine.Retrieve(conn, filter)
	require.NoError(t, err)

	require.Len(t, folder.searches, 1)
	q := folder.searches[0]
	require.NotNil(t, q.Seen)
	assert.False(t, *q.Seen)
	assert.Equal(t, "invoice", q.Subject)
	assert.Equal(t, "billing@example.com", q.From)
	require.NotNil(t, q.ReceivedSince)
	assert.Equal(t, 2026, q.ReceivedSince.Year())
	assert.Nil(t, q.ReceivedUntil)
}

func TestRetrieveInvalidFilter(t *testing.T) {
	engine := NewEngine()
	filter := config.DefaultFilter()
	filter.Offset = -1
	_, err := engine.Retrieve(&stubConn{folder: newFolderWith(0)}, filter)
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindConfiguration))
}

func TestRetrieveSearchFailureClosesFolder(t *testing.T) {
	folder := newFolderWith(1)
	folder.searchErr = errors.New("search refused")
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	_, err := engine.Retrieve(conn, config.DefaultFilter())
	require.Error(t, err)
	assert.Equal(t, 1, conn.closeCalls)
	assert.False(t, conn.closedExpunge)
}

func TestChangeStateSetsFlag(t *testing.T) {
	folder := newFolderWith(3)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	err := engine.ChangeState(conn, "INBOX", "2@example.com", connection.FlagSeen, false)
	require.NoError(t, err)

	require.Len(t, folder.searches, 1)
	assert.Equal(t, "2@example.com", folder.searches[0].MessageID)
	assert.Equal(t, connection.ReadWrite, conn.openMode)
	assert.False(t, conn.closedExpunge)
	assert.Equal(t, []string{"1", "2", "3"}, folder.flagged,
		"every match gets the flag; the stub matches all")
}

func TestChangeStateNotFound(t *testing.T) {
	folder := newFolderWith(0)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	err := engine.ChangeState(conn, "INBOX", "ghost@example.com", connection.FlagDeleted, true)
	require.Error(t, err)
	assert.True(t, emailerr.IsKind(err, emailerr.KindNotFound))
	assert.Equal(t, 1, conn.closeCalls)
	assert.False(t, conn.closedExpunge, "a failed change never expunges")
}

func TestChangeStateDeleteWithExpunge(t *testing.T) {
	folder := newFolderWith(1)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	err := engine.ChangeState(conn, "", "1@example.com", connection.FlagDeleted, true)
	require.NoError(t, err)
	assert.Equal(t, "INBOX", conn.openedName)
	assert.True(t, conn.closedExpunge)
}

func TestChangeStateRequiresEmailID(t *testing.T) {
	engine := NewEngine()
	err := engine.ChangeState(&stubConn{folder: newFolderWith(0)}, "INBOX", "", connection.FlagSeen, false)
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindConfiguration))
}

func TestExpungeFolder(t *testing.T) {
	folder := newFolderWith(0)
	conn := &stubConn{folder: folder}
	engine := NewEngine()

	require.NoError(t, engine.ExpungeFolder(conn, "Archive"))
	assert.Equal(t, "Archive", conn.openedName)
	assert.Equal(t, 1, folder.expunges)
	assert.Equal(t, 1, conn.closeCalls)
}

func uids(emails []Email) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, e.UID)
	}
	return out
}

type stubConn struct {
	folder *stubFolder

	openErr       error
	openedName    string
	openMode      connection.OpenMode
	closeCalls    int
	closedExpunge bool
}

func (c *stubConn) OpenFolder(name string, mode connection.OpenMode) (connection.Folder, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.openedName = name
	c.openMode = mode
	c.folder.mode = mode
	return c.folder, nil
}

func (c *stubConn) CloseFolder(expunge bool) error {
	c.closeCalls++
	c.closedExpunge = expunge
	return nil
}

type stubFolder struct {
	refs []connection.MessageRef
	raw  map[string][]byte
	mode connection.OpenMode

	searchErr error
	fetchErr  error
	flagErr   error

	searches []connection.Query
	flagged  []string
	expunges int
}

func (f *stubFolder) Name() string              { return "INBOX" }
func (f *stubFolder) Mode() connection.OpenMode { return f.mode }

func (f *stubFolder) Search(q connection.Query) ([]connection.MessageRef, error) {
	f.searches = append(f.searches, q)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if q.MessageID != "" && len(f.refs) == 0 {
		return nil, nil
	}
	out := make([]connection.MessageRef, len(f.refs))
	copy(out, f.refs)
	return out, nil
}

func (f *stubFolder) Fetch(refs []connection.MessageRef) ([]connection.RawMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]connection.RawMessage, 0, len(refs))
	for _, ref := range refs {
		out = append(out, connection.RawMessage{Ref: ref, Raw: f.raw[ref.UID]})
	}
	return out, nil
}

func (f *stubFolder) AddFlag(ref connection.MessageRef, _ connection.Flag) error {
	if f.flagErr != nil {
		return f.flagErr
	}
	f.flagged = append(f.flagged, ref.UID)
	return nil
}

func (f *stubFolder) Close(bool) error { return nil }

func (f *stubFolder) Expunge() error {
	f.expunges++
	return nil
}
