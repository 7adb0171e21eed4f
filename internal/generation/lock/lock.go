// Package lock serializes work per key, either inside one process or across
// processes sharing a Redis instance.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker acquires an exclusive lock on key, waiting until ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process keyed mutex. Entries are dropped once nobody holds
// or waits for them.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Backend is the subset of the Redis client the distributed lock needs.
type Backend interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// Redis is a single-instance Redis lock: SET NX PX with a random token,
// released by deleting the key only while it still holds that token. The TTL
// bounds how long a crashed holder can block others.
type Redis struct {
	backend Backend
	prefix  string
	ttl     time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

func NewRedis(backend Backend, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{
		backend: backend,
		prefix:  prefix,
		ttl:     ttl,
		poll:    50 * time.Millisecond,
		logger:  slog.Default().With("component", "redis-lock"),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	full := r.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.backend.SetNX(ctx, full, token, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", full, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", full, ctx.Err())
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			released, err := r.backend.CompareAndDelete(ctx, full, token)
			if err != nil {
				r.logger.Error("failed to release lock", "key", full, "error", err)
				return
			}
			if !released {
				r.logger.Warn("lock expired before release", "key", full, "ttl", r.ttl)
			}
		})
	}, nil
}
