// Package connector is the operation facade: it owns connection
// lifecycle by name and exposes the send, list, state-change and
// expunge operations the CLI renders.
package connector

import (
	"log"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/connection"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/mailbox"
	"github.com/gotrs-io/mailbridge/internal/oauth"
	"github.com/gotrs-io/mailbridge/internal/sender"
	"github.com/gotrs-io/mailbridge/internal/session"
)

// DefaultName is the connector name used when none is configured.
const DefaultName = "email"

type tokenManager interface {
	session.TokenSource
	IsExpired(tokenID string) bool
}

var _ tokenManager = (*oauth.Manager)(nil)

type storeFactory func(*session.Session) connection.Store

// Connector routes operations to named connections.
type Connector struct {
	name     string
	registry *connection.Registry
	tokens   tokenManager
	engine   *mailbox.Engine
	sender   *sender.Sender
	logger   *log.Logger
	newStore storeFactory
}

// Option customizes connector behavior.
type Option func(*Connector)

// New builds a connector. The name scopes every connection identity
// this instance creates.
func New(name string, opts ...Option) *Connector {
	if name == "" {
		name = DefaultName
	}
	c := &Connector{
		name:   name,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = oauth.NewManager()
	}
	if c.registry == nil {
		c.registry = connection.NewRegistry(c.logger)
	}
	if c.engine == nil {
		c.engine = mailbox.NewEngine(mailbox.WithEngineLogger(c.logger))
	}
	if c.sender == nil {
		c.sender = sender.NewSender(sender.WithSenderLogger(c.logger))
	}
	if c.newStore == nil {
		c.newStore = c.defaultStoreFactory
	}
	return c
}

// WithLogger overrides the logger shared by the connector's parts.
func WithLogger(logger *log.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTokenManager overrides the OAuth token manager.
func WithTokenManager(tokens tokenManager) Option {
	return func(c *Connector) {
		if tokens != nil {
			c.tokens = tokens
		}
	}
}

// WithRegistry overrides the connection registry.
func WithRegistry(registry *connection.Registry) Option {
	return func(c *Connector) {
		if registry != nil {
			c.registry = registry
		}
	}
}

func withStoreFactory(factory storeFactory) Option {
	return func(c *Connector) {
		c.newStore = factory
	}
}

// Name returns the connector instance name.
func (c *Connector) Name() string { return c.name }

func (c *Connector) identity(connectionName string) connection.Identity {
	return connection.Identity{Connector: c.name, Connection: connectionName}
}

func (c *Connector) defaultStoreFactory(sess *session.Session) connection.Store {
	if sess.Protocol().Transport() == "pop3" {
		return connection.NewPOP3Store(sess, connection.WithPOP3Logger(c.logger))
	}
	return connection.NewIMAPStore(sess, connection.WithIMAPLogger(c.logger))
}

// CreateConnection registers cfg under its connection name. Creation
// is idempotent, except that an expired OAuth token tears the stale
// slot down first so the rebuild authenticates with a fresh bearer.
func (c *Connector) CreateConnection(cfg *config.ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	id := c.identity(cfg.ConnectionName)

	if cfg.OAuth2Enabled() && c.registry.Exists(id) && c.tokens.IsExpired(id.TokenID()) {
		c.logger.Printf("access token for %s expired, recreating the connection", id)
		c.registry.ShutdownOne(id)
	}
	if c.registry.Exists(id) {
		return nil
	}

	if cfg.Proto().IsTransport() {
		sess, err := session.Build(cfg, c.tokens, id.TokenID())
		if err != nil {
			return err
		}
		c.registry.CreateSingleton(id, sess)
		return nil
	}

	factory := func() (*connection.MailboxConnection, error) {
		sess, err := session.Build(cfg, c.tokens, id.TokenID())
		if err != nil {
			return nil, err
		}
		store := c.newStore(sess)
		return connection.NewMailboxConnection(store,
			connection.WithMailboxLogger(c.logger)), nil
	}
	c.registry.CreatePool(id, factory, cfg.Pool)
	return nil
}

// TestConnection dials cfg's server and hangs up without registering
// anything.
func (c *Connector) TestConnection(cfg *config.ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sess, err := session.Build(cfg, c.tokens, c.identity(cfg.ConnectionName).TokenID())
	if err != nil {
		return err
	}
	if sess.Protocol().IsTransport() {
		return c.sender.Probe(sess)
	}
	store := c.newStore(sess)
	if err := store.Connect(); err != nil {
		return err
	}
	return store.Disconnect()
}

// Send delivers env through connectionName's transport session.
func (c *Connector) Send(connectionName string, env sender.Envelope) error {
	sess, err := c.registry.TransportSession(c.identity(connectionName))
	if err != nil {
		return err
	}
	return c.sender.Send(sess, env)
}

// List retrieves the messages matching filter from connectionName.
func (c *Connector) List(connectionName string, filter config.MailboxFilter) ([]mailbox.Email, error) {
	var emails []mailbox.Email
	err := c.withMailbox(connectionName, func(conn *connection.MailboxConnection) error {
		var err error
		emails, err = c.engine.Retrieve(conn, filter)
		return err
	})
	return emails, err
}

// ChangeState sets flag on the message identified by emailID.
func (c *Connector) ChangeState(connectionName, folder, emailID string, flag connection.Flag, expunge bool) error {
	return c.withMailbox(connectionName, func(conn *connection.MailboxConnection) error {
		return c.engine.ChangeState(conn, folder, emailID, flag, expunge)
	})
}

// MarkAsRead flags the message seen.
func (c *Connector) MarkAsRead(connectionName, folder, emailID string) error {
	return c.ChangeState(connectionName, folder, emailID, connection.FlagSeen, false)
}

// Delete flags the message deleted and expunges it.
func (c *Connector) Delete(connectionName, folder, emailID string) error {
	return c.ChangeState(connectionName, folder, emailID, connection.FlagDeleted, true)
}

// ExpungeFolder removes flagged-deleted messages from folder.
func (c *Connector) ExpungeFolder(connectionName, folder string) error {
	return c.withMailbox(connectionName, func(conn *connection.MailboxConnection) error {
		return c.engine.ExpungeFolder(conn, folder)
	})
}

// Shutdown tears down one named connection.
func (c *Connector) Shutdown(connectionName string) {
	c.registry.ShutdownOne(c.identity(connectionName))
}

// ShutdownAll tears down every connection this connector owns.
func (c *Connector) ShutdownAll() {
	c.registry.ShutdownByConnector(c.name)
}

func (c *Connector) withMailbox(connectionName string, fn func(*connection.MailboxConnection) error) error {
	id := c.identity(connectionName)
	conn, err := c.registry.BorrowMailbox(id)
	if err != nil {
		return err
	}
	defer c.registry.ReturnMailbox(id, conn)
	return fn(conn)
}

// emailID sanity check shared by the render helpers.
func checkIndex(count, index int) error {
	if index < 0 || index >= count {
		return emailerr.New(emailerr.KindNotFound,
			"no email found at index %d", index)
	}
	return nil
}
