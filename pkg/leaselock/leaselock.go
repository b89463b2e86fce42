package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrBusy = errors.New("lease lock busy")
	ErrLost = errors.New("lease lock lost")
)

// DB is the subset of pgxpool.Pool used by the lock.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Client hands out time-bounded leases stored in the source_leases table,
// so that only one replica polls a given source at a time.
type Client struct {
	db       DB
	defaults Options
}

type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration

	TokenPrefix string
}

// withDefaults fills unset options. RenewEvery always stays below TTL.
func (o Options) withDefaults() Options {
	if o.TTL.Milliseconds() <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 250 * time.Millisecond
	}
	o.WaitJitter = max(o.WaitJitter, 0)
	return o
}

// pollDelay is the pause between two claim attempts while waiting.
func (o Options) pollDelay() time.Duration {
	if o.WaitJitter == 0 {
		return o.WaitInterval
	}
	return o.WaitInterval + rand.N(o.WaitJitter+1)
}

// Lease is a held key. Context ends when the lease is released or lost;
// a lost lease carries ErrLost as the cancel cause.
type Lease struct {
	Key   string
	Token string

	Context context.Context

	client *Client
	ttl    time.Duration
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// renewPolicy retries transient renew failures before the lease is given up.
var renewPolicy = util.RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, Multiplier: 1, MaxDelay: time.Second}

// Acquire claims key with opts. Without opts.Wait a held key fails with
// ErrBusy; with it Acquire polls until the key frees up or ctx ends.
func (c *Client) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lease lock key is empty")
	}
	opts = opts.withDefaults()

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lease token: %w", err)
	}
	token := opts.TokenPrefix + id

	for {
		held, err := c.claim(ctx, key, token, opts.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to claim lease %q: %w", key, err)
		}
		if held {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.pollDelay()):
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Key:     key,
		Token:   token,
		Context: leaseCtx,
		client:  c,
		ttl:     opts.TTL,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.keepAlive(opts.RenewEvery)
	return l, nil
}

// claim reports whether token now holds key. A live lease owned by
// another token is not an error.
func (c *Client) claim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var got string
	err := c.db.QueryRow(ctx, tryAcquireSQL, key, token, ttl.Milliseconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil && got == key, err
}

// Release stops renewing and deletes the row if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel(context.Canceled)
	<-l.done
	_, err := l.client.db.Exec(ctx, releaseSQL, l.Key, l.Token)
	return err
}

func (l *Lease) keepAlive(every time.Duration) {
	defer close(l.done)
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-l.Context.Done():
			return
		case <-tick.C:
		}

		_, err := util.DoErr(l.Context, renewPolicy, l.extend, func(attempt int, err error, wait time.Duration) {
			logger.Warn("[Lease] Renew failed, retrying", "key", l.Key, "attempt", attempt, "err", err, "wait", wait)
		})
		if err == nil {
			continue
		}
		if l.Context.Err() != nil {
			return
		}
		logger.Warn("[Lease] Lease lost", "key", l.Key, "err", err)
		if !errors.Is(err, ErrLost) {
			err = fmt.Errorf("%w: %w", ErrLost, err)
		}
		l.cancel(err)
		return
	}
}

// extend pushes the expiry out by one TTL. A missing row means another
// holder took over, which is not retried.
func (l *Lease) extend(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	var got string
	err := l.client.db.QueryRow(ctx, renewSQL, l.Key, l.Token, l.ttl.Milliseconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return util.Permanent(ErrLost)
	}
	return err
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS source_leases (
    lease_key  TEXT PRIMARY KEY,
    held_by    TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

const tryAcquireSQL = `
INSERT INTO source_leases (lease_key, held_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lease_key) DO UPDATE
SET held_by    = EXCLUDED.held_by,
    expires_at = EXCLUDED.expires_at
WHERE source_leases.expires_at < now()
   OR source_leases.held_by = EXCLUDED.held_by
RETURNING lease_key;
`

const renewSQL = `
UPDATE source_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lease_key = $1 AND held_by = $2
RETURNING lease_key;
`

const releaseSQL = `
DELETE FROM source_leases
WHERE lease_key = $1 AND held_by = $2;
`
