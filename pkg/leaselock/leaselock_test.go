package leaselock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.key
	return nil
}

type holder struct {
	token   string
	expires time.Time
}

// fakeDB evaluates the lease statements against a map.
type fakeDB struct {
	mu      sync.Mutex
	leases  map[string]holder
	schema  bool
	dropped bool
	// flaky renews that fail with a connection error before succeeding
	flaky  int
	renews int
}

func newFakeDB() *fakeDB {
	return &fakeDB{leases: map[string]holder{}}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch sql {
	case createTableSQL:
		f.schema = true
	case releaseSQL:
		key, token := args[0].(string), args[1].(string)
		if h, ok := f.leases[key]; ok && h.token == token {
			delete(f.leases, key)
		}
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, token, ttl := args[0].(string), args[1].(string), args[2].(int64)
	h, exists := f.leases[key]
	now := time.Now()

	switch sql {
	case tryAcquireSQL:
		if exists && h.expires.After(now) && h.token != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
	case renewSQL:
		f.renews++
		if f.flaky > 0 {
			f.flaky--
			return fakeRow{err: errors.New("conn reset")}
		}
		if f.dropped || !exists || h.token != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
	}
	f.leases[key] = holder{token: token, expires: now.Add(time.Duration(ttl) * time.Millisecond)}
	return fakeRow{key: key}
}

func TestEnsureSchema(t *testing.T) {
	db := newFakeDB()
	require.NoError(t, New(db, Options{}).EnsureSchema(context.Background()))
	assert.True(t, db.schema)
}

func TestWithLease_ExclusiveWhileHeld(t *testing.T) {
	db := newFakeDB()
	a := New(db, Options{TTL: time.Minute})
	b := New(db, Options{TTL: time.Minute})

	err := a.WithLease(context.Background(), "source:web", func(ctx context.Context) error {
		err := b.WithLease(ctx, "source:web", func(context.Context) error {
			t.Fatal("second holder ran")
			return nil
		})
		assert.ErrorIs(t, err, ErrBusy)
		return nil
	})
	require.NoError(t, err)

	ran := false
	require.NoError(t, b.WithLease(context.Background(), "source:web", func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestAcquire_TakesOverExpiredLease(t *testing.T) {
	db := newFakeDB()
	c := New(db, Options{})

	first, err := c.Acquire(context.Background(), "source:s3", Options{TTL: 10 * time.Millisecond, RenewEvery: time.Hour})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	second, err := c.Acquire(context.Background(), "source:s3", Options{TTL: time.Minute})
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	require.NoError(t, second.Release(context.Background()))
	_ = first.Release(context.Background())
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	db := newFakeDB()
	c := New(db, Options{})
	held, err := c.Acquire(context.Background(), "k", Options{TTL: time.Minute})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Release(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	next, err := c.Acquire(ctx, "k", Options{TTL: time.Minute, Wait: true, WaitInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, next.Release(context.Background()))
}

func TestLease_LostCancelsContext(t *testing.T) {
	db := newFakeDB()
	c := New(db, Options{})
	lease, err := c.Acquire(context.Background(), "k", Options{TTL: 2 * time.Second, RenewEvery: 10 * time.Millisecond})
	require.NoError(t, err)
	defer lease.Release(context.Background())

	db.mu.Lock()
	db.dropped = true
	db.mu.Unlock()

	select {
	case <-lease.Context.Done():
		assert.True(t, errors.Is(context.Cause(lease.Context), ErrLost))
	case <-time.After(2 * time.Second):
		t.Fatal("lease context not canceled")
	}
}

func TestAcquire_EmptyKey(t *testing.T) {
	_, err := New(newFakeDB(), Options{}).Acquire(context.Background(), "", Options{})
	assert.Error(t, err)
}

func TestLease_TransientRenewFailureIsRetried(t *testing.T) {
	db := newFakeDB()
	db.flaky = 2
	c := New(db, Options{})
	lease, err := c.Acquire(context.Background(), "source:web", Options{TTL: 2 * time.Second, RenewEvery: 10 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return db.renews >= 4
	}, 3*time.Second, 10*time.Millisecond)
	assert.NoError(t, lease.Context.Err())
	require.NoError(t, lease.Release(context.Background()))
	assert.ErrorIs(t, lease.Context.Err(), context.Canceled)
}

func TestLease_ReleaseStopsRenewing(t *testing.T) {
	db := newFakeDB()
	c := New(db, Options{})
	lease, err := c.Acquire(context.Background(), "k", Options{TTL: time.Minute, RenewEvery: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))

	db.mu.Lock()
	n := db.renews
	_, held := db.leases["k"]
	db.mu.Unlock()
	assert.False(t, held)

	time.Sleep(30 * time.Millisecond)
	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Equal(t, n, db.renews)
	assert.NotContains(t, db.leases, "k")
}
