// Package lease keeps two batch runs from processing the mailbox at the
// same time, across processes when Redis is configured.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrHeld is returned by Acquire when another run owns the lease.
var ErrHeld = errors.New("lease held by another run")

type Locker interface {
	Acquire(ctx context.Context) (*Lease, error)
}

// Lease is an acquired lock. Release is safe to call more than once.
type Lease struct {
	once    sync.Once
	release func(ctx context.Context) error
}

func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() { err = l.release(ctx) })
	return err
}

// releaseScript deletes the key only while it still carries our token, so
// an expired lease never frees somebody else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to the server at url (redis://...) and checks it
// responds.
func NewRedis(ctx context.Context, url, key string, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl, logger: logger.Named("lease")}, nil
}

func (r *Redis) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	r.logger.Debug("lease acquired", zap.String("key", r.key), zap.Duration("ttl", r.ttl))

	return &Lease{release: func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.rdb, []string{r.key}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release lease: %w", err)
		}
		if n == 0 {
			r.logger.Warn("lease expired before release", zap.String("key", r.key))
		}
		return nil
	}}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

// Local is an in-process lock for single-instance deployments.
type Local struct {
	mu sync.Mutex
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Acquire(context.Context) (*Lease, error) {
	if !l.mu.TryLock() {
		return nil, ErrHeld
	}
	return &Lease{release: func(context.Context) error {
		l.mu.Unlock()
		return nil
	}}, nil
}
