// Package connection holds the protocol-facing mailbox stores, the
// stateful mailbox connection wrapper, the bounded connection pool and
// the registry that hands connections out by identity.
package connection

import (
	"time"
)

// OpenMode selects how a folder is opened.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
)

func (m OpenMode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Flag is a protocol-independent message flag.
type Flag string

const (
	FlagSeen     Flag = "seen"
	FlagAnswered Flag = "answered"
	FlagRecent   Flag = "recent"
	FlagDeleted  Flag = "deleted"
)

// Query narrows a folder listing. Nil flag fields leave that flag out
// of the search; stores that track no permanent flags ignore flag
// terms entirely.
type Query struct {
	Seen     *bool
	Answered *bool
	Recent   *bool
	Deleted  *bool

	// Subject and From match server-side where the protocol allows,
	// client-side otherwise.
	Subject string
	From    string

	ReceivedSince *time.Time
	ReceivedUntil *time.Time
	SentSince     *time.Time
	SentUntil     *time.Time

	// MessageID matches the RFC 5322 Message-ID header exactly.
	MessageID string
}

// MessageRef identifies one message inside an open folder. UID is the
// server-assigned identity rendered as a string; Seq is the numeric
// handle the protocol fetches by.
type MessageRef struct {
	UID string
	Seq uint32
}

// RawMessage pairs a reference with the full RFC 5322 payload.
type RawMessage struct {
	Ref MessageRef
	Raw []byte
}

// Folder is an open mailbox folder. Implementations are not safe for
// concurrent use; a folder belongs to the connection that opened it.
type Folder interface {
	Name() string
	Mode() OpenMode

	// Search returns references in server order. Flag terms apply only
	// when the folder reports permanent flags.
	Search(q Query) ([]MessageRef, error)

	// Fetch returns the raw payloads for refs, preserving order.
	Fetch(refs []MessageRef) ([]RawMessage, error)

	// AddFlag sets a flag on one message. Requires ReadWrite mode.
	AddFlag(ref MessageRef, flag Flag) error

	// Close releases the folder, expunging deleted messages first when
	// asked and the mode allows it.
	Close(expunge bool) error

	// Expunge removes flagged-deleted messages without closing.
	Expunge() error
}

// Store is an authenticated link to one mail server.
type Store interface {
	Connect() error

	// IsConnected probes liveness, pinging the server when a cheap
	// protocol ping exists.
	IsConnected() bool

	OpenFolder(name string, mode OpenMode) (Folder, error)
	Disconnect() error
}
