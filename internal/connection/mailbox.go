package connection

import (
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/gotrs-io/mailbridge/internal/emailerr"
)

// MailboxConnection wraps a store with the single-open-folder state
// machine: at most one folder is open at a time, reopening the same
// folder in the same mode is a no-op, and switching folders closes the
// previous one without expunging.
type MailboxConnection struct {
	id     string
	store  Store
	logger *log.Logger

	folder     Folder
	folderName string
	folderMode OpenMode
}

// MailboxOption customizes connection behavior.
type MailboxOption func(*MailboxConnection)

// NewMailboxConnection wraps store in a stateful mailbox connection.
func NewMailboxConnection(store Store, opts ...MailboxOption) *MailboxConnection {
	c := &MailboxConnection{
		id:     uuid.NewString(),
		store:  store,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithMailboxLogger overrides the logger used for cleanup diagnostics.
func WithMailboxLogger(logger *log.Logger) MailboxOption {
	return func(c *MailboxConnection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// ID returns the connection instance identifier.
func (c *MailboxConnection) ID() string { return c.id }

// Connect establishes the store link.
func (c *MailboxConnection) Connect() error { return c.store.Connect() }

// IsConnected reports store liveness. An open folder is not required
// for a connection to be healthy.
func (c *MailboxConnection) IsConnected() bool { return c.store.IsConnected() }

// Folder returns the currently open folder, nil when none is open.
func (c *MailboxConnection) Folder() Folder { return c.folder }

// OpenFolder opens name in mode. Reopening the current folder in the
// same mode returns the existing handle; switching folders or modes
// closes the previous folder first, without expunging.
func (c *MailboxConnection) OpenFolder(name string, mode OpenMode) (Folder, error) {
	if name == "" {
		return nil, emailerr.New(emailerr.KindConnection, "folder name is required")
	}
	if c.folder != nil {
		if strings.EqualFold(c.folderName, name) && c.folderMode == mode {
			return c.folder, nil
		}
		if err := c.folder.Close(false); err != nil {
			c.logger.Printf("error closing folder %s before switch: %v", c.folderName, err)
		}
		c.folder = nil
	}

	folder, err := c.store.OpenFolder(name, mode)
	if err != nil {
		return nil, err
	}
	c.folder = folder
	c.folderName = name
	c.folderMode = mode
	return folder, nil
}

// CloseFolder closes the open folder, expunging first when asked.
// Closing with no open folder is a no-op.
func (c *MailboxConnection) CloseFolder(expunge bool) error {
	if c.folder == nil {
		return nil
	}
	folder := c.folder
	c.folder = nil
	return folder.Close(expunge)
}

// Disconnect closes the folder and the store. A folder close failure
// is logged and must not keep the store link open.
func (c *MailboxConnection) Disconnect() error {
	if c.folder != nil {
		if err := c.folder.Close(false); err != nil {
			c.logger.Printf("error closing folder %s during disconnect: %v", c.folderName, err)
		}
		c.folder = nil
	}
	return c.store.Disconnect()
}
