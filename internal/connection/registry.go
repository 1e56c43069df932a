package connection

import (
	"log"
	"strings"
	"sync"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
	"github.com/gotrs-io/mailbridge/internal/session"
)

// Identity names one connection within one connector instance.
type Identity struct {
	Connector  string
	Connection string
}

func (i Identity) String() string { return i.Connector + ":" + i.Connection }

// TokenID returns the token-cache key for this identity.
func (i Identity) TokenID() string { return i.String() }

// slot is either a pool of mailbox connections or a single reusable
// transport session; never both.
type slot struct {
	pool *Pool
	sess *session.Session
}

// Registry owns every live connection slot, keyed by identity.
// Creation is idempotent: registering an identity that already exists
// keeps the existing slot.
type Registry struct {
	logger *log.Logger

	mu    sync.Mutex
	slots map[Identity]*slot
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		logger: logger,
		slots:  make(map[Identity]*slot),
	}
}

// Exists reports whether id has a live slot.
func (r *Registry) Exists(id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[id]
	return ok
}

// CreatePool registers a connection pool for id. A second create for
// the same identity is a no-op.
func (r *Registry) CreatePool(id Identity, factory Factory, cfg config.PoolConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[id]; ok {
		return
	}
	r.slots[id] = &slot{pool: NewPool(factory, cfg, r.logger)}
}

// CreateSingleton registers a reusable transport session for id. A
// second create for the same identity is a no-op.
func (r *Registry) CreateSingleton(id Identity, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[id]; ok {
		return
	}
	r.slots[id] = &slot{sess: sess}
}

// BorrowMailbox checks a mailbox connection out of id's pool.
func (r *Registry) BorrowMailbox(id Identity) (*MailboxConnection, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.pool == nil {
		return nil, emailerr.New(emailerr.KindConnection,
			"connection %s is a transport session, not a mailbox pool", id)
	}
	return s.pool.Borrow()
}

// ReturnMailbox gives a borrowed connection back to id's pool. The
// connection is destroyed when the slot is gone.
func (r *Registry) ReturnMailbox(id Identity, conn *MailboxConnection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	s, ok := r.slots[id]
	r.mu.Unlock()
	if !ok || s.pool == nil {
		if err := conn.Disconnect(); err != nil {
			r.logger.Printf("error disconnecting orphaned connection %s: %v", conn.ID(), err)
		}
		return
	}
	s.pool.Return(conn)
}

// TransportSession returns id's reusable send session.
func (r *Registry) TransportSession(id Identity) (*session.Session, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.sess == nil {
		return nil, emailerr.New(emailerr.KindConnection,
			"connection %s is a mailbox pool, not a transport session", id)
	}
	return s.sess, nil
}

func (r *Registry) lookup(id Identity) (*slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, emailerr.New(emailerr.KindConnection,
			"no connection found for %s", id)
	}
	return s, nil
}

// ShutdownOne tears down id's slot. Unknown identities are a no-op.
func (r *Registry) ShutdownOne(id Identity) {
	r.mu.Lock()
	s, ok := r.slots[id]
	delete(r.slots, id)
	r.mu.Unlock()
	if ok {
		r.shutdownSlot(id, s)
	}
}

// ShutdownByConnector tears down every slot owned by connector.
func (r *Registry) ShutdownByConnector(connector string) {
	r.mu.Lock()
	doomed := make(map[Identity]*slot)
	for id, s := range r.slots {
		if strings.EqualFold(id.Connector, connector) {
			doomed[id] = s
			delete(r.slots, id)
		}
	}
	r.mu.Unlock()
	for id, s := range doomed {
		r.shutdownSlot(id, s)
	}
}

// ShutdownAll tears down every slot.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	doomed := r.slots
	r.slots = make(map[Identity]*slot)
	r.mu.Unlock()
	for id, s := range doomed {
		r.shutdownSlot(id, s)
	}
}

func (r *Registry) shutdownSlot(id Identity, s *slot) {
	if s.pool == nil {
		return
	}
	if err := s.pool.Close(); err != nil {
		r.logger.Printf("error closing pool for %s: %v", id, err)
	}
}
