// Package mailbox implements the list, state-change and expunge
// operations over an open mailbox connection.
package mailbox

import (
	"log"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/connection"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/message"
)

// Conn is the slice of a mailbox connection the engine drives.
type Conn interface {
	OpenFolder(name string, mode connection.OpenMode) (connection.Folder, error)
	CloseFolder(expunge bool) error
}

var _ Conn = (*connection.MailboxConnection)(nil)

// Email is one retrieved message with its server identity.
type Email struct {
	UID     string
	Summary *message.Summary
}

// Engine runs mailbox operations against borrowed connections.
type Engine struct {
	logger *log.Logger
}

// EngineOption customizes engine behavior.
type EngineOption func(*Engine)

// NewEngine returns a mailbox engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{logger: log.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithEngineLogger overrides the logger used for per-message failures.
func WithEngineLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Retrieve lists the messages matching filter, in server order, paged
// by the filter's offset and limit. With delete-after-retrieve the
// folder opens read-write, every message outside the returned page is
// flagged deleted, and the close expunges.
func (e *Engine) Retrieve(conn Conn, filter config.MailboxFilter) ([]Email, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query, err := buildQuery(filter)
	if err != nil {
		return nil, err
	}

	mode := connection.ReadOnly
	if filter.DeleteAfterRetrieve {
		mode = connection.ReadWrite
	}
	folder, err := conn.OpenFolder(filter.Folder, mode)
	if err != nil {
		return nil, err
	}

	refs, err := folder.Search(query)
	if err != nil {
		e.closeQuiet(conn, false)
		return nil, err
	}

	from, to := pageBounds(len(refs), filter.Offset, filter.Limit)
	page := refs[from:to]

	raws, err := folder.Fetch(page)
	if err != nil {
		e.closeQuiet(conn, false)
		return nil, err
	}
	emails := make([]Email, 0, len(raws))
	for _, raw := range raws {
		summary, err := message.Parse(raw.Raw)
		if err != nil {
			e.closeQuiet(conn, false)
			return nil, err
		}
		emails = append(emails, Email{UID: raw.Ref.UID, Summary: summary})
	}

	if filter.DeleteAfterRetrieve && filter.Limit != config.UnboundedLimit {
		e.markOutsidePage(folder, refs, from, to)
	}

	if err := conn.CloseFolder(filter.DeleteAfterRetrieve); err != nil {
		return nil, err
	}
	return emails, nil
}

// pageBounds clamps [offset, offset+limit) to the listing. A limit of
// -1 disables truncation; an offset past the end yields an empty page.
func pageBounds(size, offset, limit int) (int, int) {
	to := size
	if limit != config.UnboundedLimit && offset+limit < size {
		to = offset + limit
	}
	if offset > size {
		offset = size
	}
	if offset > to {
		to = offset
	}
	return offset, to
}

// markOutsidePage flags every message outside [from, to) deleted so
// the expunging close drops them. Individual failures are logged and
// skipped; the page itself was already retrieved.
func (e *Engine) markOutsidePage(folder connection.Folder, refs []connection.MessageRef, from, to int) {
	for i, ref := range refs {
		if i >= from && i < to {
			continue
		}
		if err := folder.AddFlag(ref, connection.FlagDeleted); err != nil {
			e.logger.Printf("error flagging message %s deleted: %v", ref.UID, err)
		}
	}
}

func buildQuery(filter config.MailboxFilter) (connection.Query, error) {
	query := connection.Query{
		Seen:     &filter.Seen,
		Answered: &filter.Answered,
		Recent:   &filter.Recent,
		Deleted:  &filter.Deleted,
		Subject:  filter.SubjectRegex,
		From:     filter.FromRegex,
	}
	var err error
	if query.ReceivedSince, err = config.ParseFilterTime(filter.ReceivedSince); err != nil {
		return query, err
	}
	if query.ReceivedUntil, err = config.ParseFilterTime(filter.ReceivedUntil); err != nil {
		return query, err
	}
	if query.SentSince, err = config.ParseFilterTime(filter.SentSince); err != nil {
		return query, err
	}
	if query.SentUntil, err = config.ParseFilterTime(filter.SentUntil); err != nil {
		return query, err
	}
	return query, nil
}

// ChangeState sets flag on every message whose Message-ID matches
// emailID, expunging on close when asked.
func (e *Engine) ChangeState(conn Conn, folderName, emailID string, flag connection.Flag, expunge bool) error {
	if folderName == "" {
		folderName = config.DefaultFolder
	}
	if emailID == "" {
		return emailerr.New(emailerr.KindConfiguration,
			"mandatory parameter 'emailID' is not set")
	}

	folder, err := conn.OpenFolder(folderName, connection.ReadWrite)
	if err != nil {
		return err
	}
	refs, err := folder.Search(connection.Query{MessageID: emailID})
	if err != nil {
		e.closeQuiet(conn, false)
		return err
	}
	if len(refs) == 0 {
		e.closeQuiet(conn, false)
		return emailerr.New(emailerr.KindNotFound,
			"no email found with id %s in folder %s", emailID, folderName)
	}
	for _, ref := range refs {
		if err := folder.AddFlag(ref, flag); err != nil {
			e.closeQuiet(conn, false)
			return err
		}
	}
	return conn.CloseFolder(expunge)
}

// ExpungeFolder removes flagged-deleted messages from folderName.
func (e *Engine) ExpungeFolder(conn Conn, folderName string) error {
	if folderName == "" {
		folderName = config.DefaultFolder
	}
	folder, err := conn.OpenFolder(folderName, connection.ReadWrite)
	if err != nil {
		return err
	}
	if err := folder.Expunge(); err != nil {
		e.closeQuiet(conn, false)
		return err
	}
	return conn.CloseFolder(false)
}

func (e *Engine) closeQuiet(conn Conn, expunge bool) {
	if err := conn.CloseFolder(expunge); err != nil {
		e.logger.Printf("error closing folder: %v", err)
	}
}
