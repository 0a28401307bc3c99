// Package redis implements a cross-process job lease on Redis so two
// coachfeed processes sharing a store never run the same job at once.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/bnema/coachfeed/internal/port"
)

const keyPrefix = "coachfeed:lease:"

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`

type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *r.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *r.Cmd
}

type Lease struct {
	rdb    client
	mu     sync.Mutex
	tokens map[string]string
}

func NewClient(addr, password string) *r.Client {
	return r.NewClient(&r.Options{Addr: addr, Password: password})
}

func New(rdb *r.Client) *Lease { return newLease(rdb) }

func newLease(rdb client) *Lease {
	return &Lease{rdb: rdb, tokens: make(map[string]string)}
}

// Acquire sets the lease key with SET NX PX. It reports false when another
// holder owns it.
func (l *Lease) Acquire(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, keyPrefix+jobID, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.tokens[jobID] = token
	l.mu.Unlock()
	return true, nil
}

// Release drops a lease this process holds. Releasing an unknown or expired
// lease is a no-op.
func (l *Lease) Release(ctx context.Context, jobID string) error {
	l.mu.Lock()
	token, ok := l.tokens[jobID]
	delete(l.tokens, jobID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.rdb.Eval(ctx, releaseScript, []string{keyPrefix + jobID}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", jobID, err)
	}
	return nil
}

var _ port.JobLease = (*Lease)(nil)
