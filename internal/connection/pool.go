package connection

import (
	"log"
	"sync"
	"time"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
)

const (
	defaultMaxActive = 8
	defaultMaxIdle   = 8
)

// Factory builds a fresh, not-yet-connected mailbox connection.
type Factory func() (*MailboxConnection, error)

type idleConn struct {
	conn       *MailboxConnection
	returnedAt time.Time
}

// Pool is a bounded pool of mailbox connections. Borrowed connections
// are validated with a server ping and replaced transparently when
// stale. The exhausted action decides what a borrow against a full
// pool does: fail, block or grow past the bound.
type Pool struct {
	factory Factory
	logger  *log.Logger

	maxActive int
	maxIdle   int
	maxWait   time.Duration
	minEvict  time.Duration
	action    config.ExhaustedAction

	mu     sync.Mutex
	cond   *sync.Cond
	idle   []idleConn
	active int
	closed bool

	evictStop chan struct{}
	evictDone chan struct{}
}

// NewPool builds a pool over factory tuned by cfg. Unrecognized
// exhausted actions are logged once and fall back to fail-fast.
func NewPool(factory Factory, cfg config.PoolConfig, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	action, recognized := cfg.Action()
	if !recognized {
		logger.Printf("unrecognized exhausted action %q, falling back to %s",
			cfg.ExhaustedAction, action)
	}

	p := &Pool{
		factory:   factory,
		logger:    logger,
		maxActive: cfg.MaxActive,
		maxIdle:   cfg.MaxIdle,
		maxWait:   cfg.MaxWait,
		minEvict:  cfg.MinEvictionTime,
		action:    action,
	}
	if p.maxActive <= 0 {
		p.maxActive = defaultMaxActive
	}
	if p.maxIdle <= 0 {
		p.maxIdle = defaultMaxIdle
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.EvictionInterval > 0 && p.minEvict > 0 {
		p.evictStop = make(chan struct{})
		p.evictDone = make(chan struct{})
		go p.evictLoop(cfg.EvictionInterval)
	}
	return p
}

// Borrow hands out a validated connection, creating one when the pool
// has capacity.
func (p *Pool) Borrow() (*MailboxConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, emailerr.New(emailerr.KindPool, "pool is closed")
		}

		if conn, ok := p.popIdleLocked(); ok {
			p.active++
			if p.validate(conn) {
				return conn, nil
			}
			p.active--
			continue
		}

		if p.active < p.maxActive || p.action == config.ExhaustedGrow {
			p.active++
			conn, err := p.createLocked()
			if err != nil {
				p.active--
				p.cond.Signal()
				return nil, err
			}
			return conn, nil
		}

		switch p.action {
		case config.ExhaustedFail:
			return nil, emailerr.New(emailerr.KindPool,
				"pool exhausted, %d connections active", p.active)
		case config.ExhaustedBlock:
			if err := p.waitLocked(); err != nil {
				return nil, err
			}
		}
	}
}

// popIdleLocked pops the freshest idle connection.
func (p *Pool) popIdleLocked() (*MailboxConnection, bool) {
	if len(p.idle) == 0 {
		return nil, false
	}
	last := len(p.idle) - 1
	entry := p.idle[last]
	p.idle = p.idle[:last]
	return entry.conn, true
}

// validate pings a popped connection with the mutex released, so a
// slow server cannot stall concurrent borrows and returns. A stale
// connection is destroyed and the borrow retries.
func (p *Pool) validate(conn *MailboxConnection) bool {
	p.mu.Unlock()
	defer p.mu.Lock()

	if conn.IsConnected() {
		return true
	}
	p.destroy(conn)
	return false
}

func (p *Pool) createLocked() (*MailboxConnection, error) {
	// Dialing outside the lock keeps a slow server from stalling
	// returns, so release it around the factory call.
	p.mu.Unlock()
	defer p.mu.Lock()

	conn, err := p.factory()
	if err != nil {
		return nil, emailerr.Wrap(emailerr.KindPool, err,
			"error occurred while creating a pooled connection")
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	return conn, nil
}

// waitLocked blocks until a connection is returned, honoring the
// configured maximum wait when one is set.
func (p *Pool) waitLocked() error {
	if p.maxWait <= 0 {
		p.cond.Wait()
		return nil
	}

	deadline := time.Now().Add(p.maxWait)
	expired := false
	timer := time.AfterFunc(p.maxWait, func() {
		p.mu.Lock()
		expired = true
		p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer timer.Stop()

	for p.active >= p.maxActive && len(p.idle) == 0 && !p.closed {
		if expired || !time.Now().Before(deadline) {
			return emailerr.New(emailerr.KindPool,
				"timed out after %s waiting for a pooled connection", p.maxWait)
		}
		p.cond.Wait()
	}
	return nil
}

// Return gives a borrowed connection back. Connections beyond the
// active bound or the idle cap are destroyed instead of parked.
func (p *Pool) Return(conn *MailboxConnection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	p.active--
	overflow := p.closed || p.active >= p.maxActive || len(p.idle) >= p.maxIdle
	if !overflow {
		p.idle = append(p.idle, idleConn{conn: conn, returnedAt: time.Now()})
	}
	p.cond.Signal()
	p.mu.Unlock()

	if overflow {
		p.destroy(conn)
	}
}

// Close shuts the pool down, destroying idle connections. Borrowed
// connections are destroyed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.evictStop != nil {
		close(p.evictStop)
		<-p.evictDone
	}
	for _, entry := range idle {
		p.destroy(entry.conn)
	}
	return nil
}

// ActiveCount reports currently borrowed connections.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// IdleCount reports currently parked connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) destroy(conn *MailboxConnection) {
	if err := conn.Disconnect(); err != nil {
		p.logger.Printf("error disconnecting pooled connection %s: %v", conn.ID(), err)
	}
}

func (p *Pool) evictLoop(interval time.Duration) {
	defer close(p.evictDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.evictStop:
			return
		case now := <-ticker.C:
			p.evictIdle(now)
		}
	}
}

// evictIdle destroys idle connections parked longer than the minimum
// eviction time.
func (p *Pool) evictIdle(now time.Time) {
	p.mu.Lock()
	var keep []idleConn
	var evict []idleConn
	for _, entry := range p.idle {
		if now.Sub(entry.returnedAt) >= p.minEvict {
			evict = append(evict, entry)
		} else {
			keep = append(keep, entry)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, entry := range evict {
		p.destroy(entry.conn)
	}
}
