package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/emailerr"
)

type storeTracker struct {
	mu     sync.Mutex
	stores []*fakeStore
}

func (tr *storeTracker) factory() Factory {
	return func() (*MailboxConnection, error) {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		store := &fakeStore{}
		tr.stores = append(tr.stores, store)
		return NewMailboxConnection(store), nil
	}
}

func (tr *storeTracker) created() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.stores)
}

func (tr *storeTracker) disconnected() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, s := range tr.stores {
		n += s.disconnects
	}
	return n
}

func TestPoolBorrowConnectsAndReturnParks(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{MaxActive: 2, MaxIdle: 2}, nil)
	defer pool.Close()

	conn, err := pool.Borrow()
	require.NoError(t, err)
	require.True(t, conn.IsConnected())
	require.Equal(t, 1, pool.ActiveCount())

	pool.Return(conn)
	require.Zero(t, pool.ActiveCount())
	require.Equal(t, 1, pool.IdleCount())

	again, err := pool.Borrow()
	require.NoError(t, err)
	require.Same(t, conn, again)
	require.Equal(t, 1, tr.created(), "idle connection is reused, not recreated")
}

func TestPoolBorrowReplacesStaleIdle(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{MaxActive: 2, MaxIdle: 2}, nil)
	defer pool.Close()

	conn, err := pool.Borrow()
	require.NoError(t, err)
	pool.Return(conn)

	// Kill the parked connection behind the pool's back.
	tr.stores[0].alive = false

	fresh, err := pool.Borrow()
	require.NoError(t, err)
	require.NotSame(t, conn, fresh)
	require.True(t, fresh.IsConnected())
	require.Equal(t, 2, tr.created())
	require.Equal(t, 1, tr.disconnected(), "stale connection is destroyed")
}

func TestPoolBorrowValidationPingDoesNotStallPool(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{MaxActive: 2, MaxIdle: 2}, nil)
	defer pool.Close()

	first, err := pool.Borrow()
	require.NoError(t, err)
	pool.Return(first)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tr.stores[0].pingHook = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	borrowed := make(chan *MailboxConnection, 1)
	go func() {
		conn, err := pool.Borrow()
		if err != nil {
			conn = nil
		}
		borrowed <- conn
	}()
	<-entered

	// A full borrow and return cycle completes while the validation
	// ping of the parked connection is still in flight.
	second, err := pool.Borrow()
	require.NoError(t, err)
	pool.Return(second)

	close(release)
	reused := <-borrowed
	require.Same(t, first, reused)
	pool.Return(reused)
}

func TestPoolExhaustedFail(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{MaxActive: 1, ExhaustedAction: "FAIL"}, nil)
	defer pool.Close()

	_, err := pool.Borrow()
	require.NoError(t, err)

	_, err = pool.Borrow()
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindPool))
}

func TestPoolExhaustedGrow(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{
		MaxActive: 1, MaxIdle: 1, ExhaustedAction: "WHEN_EXHAUSTED_GROW",
	}, nil)
	defer pool.Close()

	first, err := pool.Borrow()
	require.NoError(t, err)
	second, err := pool.Borrow()
	require.NoError(t, err)
	require.Equal(t, 2, pool.ActiveCount())

	// The connection beyond the bound is destroyed on return.
	pool.Return(second)
	require.Equal(t, 1, tr.disconnected())
	require.Zero(t, pool.IdleCount())

	pool.Return(first)
	require.Equal(t, 1, pool.IdleCount())
}

func TestPoolExhaustedBlockTimesOut(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{
		MaxActive:       1,
		ExhaustedAction: "WHEN_EXHAUSTED_BLOCK",
		MaxWait:         30 * time.Millisecond,
	}, nil)
	defer pool.Close()

	_, err := pool.Borrow()
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Borrow()
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindPool))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPoolExhaustedBlockUnblocksOnReturn(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{
		MaxActive:       1,
		MaxIdle:         1,
		ExhaustedAction: "BLOCK",
		MaxWait:         2 * time.Second,
	}, nil)
	defer pool.Close()

	first, err := pool.Borrow()
	require.NoError(t, err)

	got := make(chan *MailboxConnection, 1)
	go func() {
		conn, err := pool.Borrow()
		if err == nil {
			got <- conn
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Return(first)

	select {
	case conn, ok := <-got:
		require.True(t, ok, "blocked borrow should succeed after return")
		require.Same(t, first, conn)
	case <-time.After(time.Second):
		t.Fatal("blocked borrow never woke up")
	}
}

func TestPoolIdleOverflowDestroyed(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{MaxActive: 3, MaxIdle: 1}, nil)
	defer pool.Close()

	a, err := pool.Borrow()
	require.NoError(t, err)
	b, err := pool.Borrow()
	require.NoError(t, err)

	pool.Return(a)
	pool.Return(b)
	require.Equal(t, 1, pool.IdleCount())
	require.Equal(t, 1, tr.disconnected())
}

func TestPoolFactoryErrorReleasesCapacity(t *testing.T) {
	calls := 0
	factory := func() (*MailboxConnection, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("dial refused")
		}
		return NewMailboxConnection(&fakeStore{}), nil
	}
	pool := NewPool(factory, config.PoolConfig{MaxActive: 1}, nil)
	defer pool.Close()

	_, err := pool.Borrow()
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindPool))

	conn, err := pool.Borrow()
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestPoolEvictsLongIdleConnections(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{
		MaxActive:       2,
		MaxIdle:         2,
		MinEvictionTime: 50 * time.Millisecond,
	}, nil)
	defer pool.Close()

	conn, err := pool.Borrow()
	require.NoError(t, err)
	pool.Return(conn)
	require.Equal(t, 1, pool.IdleCount())

	pool.evictIdle(time.Now())
	require.Equal(t, 1, pool.IdleCount(), "fresh connection survives the sweep")

	pool.evictIdle(time.Now().Add(time.Second))
	require.Zero(t, pool.IdleCount())
	require.Equal(t, 1, tr.disconnected())
}

func TestPoolCloseDestroysIdleAndRejectsBorrows(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{MaxActive: 2, MaxIdle: 2}, nil)

	conn, err := pool.Borrow()
	require.NoError(t, err)
	pool.Return(conn)

	require.NoError(t, pool.Close())
	require.Equal(t, 1, tr.disconnected())

	_, err = pool.Borrow()
	require.Error(t, err)
	require.True(t, emailerr.IsKind(err, emailerr.KindPool))
	require.NoError(t, pool.Close(), "second close is a no-op")
}

func TestPoolConcurrentBorrowReturn(t *testing.T) {
	tr := &storeTracker{}
	pool := NewPool(tr.factory(), config.PoolConfig{
		MaxActive:       4,
		MaxIdle:         4,
		ExhaustedAction: "BLOCK",
	}, nil)
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				conn, err := pool.Borrow()
				if err != nil {
					t.Error(err)
					return
				}
				pool.Return(conn)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, pool.ActiveCount())
	require.LessOrEqual(t, tr.created(), 16)
}
