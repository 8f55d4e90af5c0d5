package usertoken

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocations records, per owner, a cutoff before which issued tokens are
// no longer accepted. The account service writes cutoffs on sign-out-all or
// account removal; the writing service only reads them.
type Revocations interface {
	RevokeUser(ctx context.Context, ownerID string, cutoff time.Time) error
	// RevokedAfter returns the zero time when the owner has no cutoff.
	RevokedAfter(ctx context.Context, ownerID string) (time.Time, error)
}

// MemoryRevocations keeps cutoffs in-process (single instance only).
type MemoryRevocations struct {
	mu      sync.Mutex
	cutoffs map[string]time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{cutoffs: make(map[string]time.Time)}
}

// RevokeUser only ever moves an owner's cutoff forward.
func (r *MemoryRevocations) RevokeUser(_ context.Context, ownerID string, cutoff time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cutoffs[ownerID]; ok && !cutoff.After(cur) {
		return nil
	}
	r.cutoffs[ownerID] = cutoff.UTC()
	return nil
}

func (r *MemoryRevocations) RevokedAfter(_ context.Context, ownerID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[ownerID], nil
}

// raiseCutoffScript sets the cutoff only when it moves forward.
var raiseCutoffScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if (not cur) or tonumber(cur) < tonumber(ARGV[1]) then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// RedisRevocations shares cutoffs across instances. Keys expire after TTL,
// which must outlive the longest token lifetime.
type RedisRevocations struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisRevocations(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisRevocations, error) {
	if client == nil {
		return nil, errors.New("revocations require a redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "writingbuddy:revoked"
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisRevocations{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisRevocations) RevokeUser(ctx context.Context, ownerID string, cutoff time.Time) error {
	return raiseCutoffScript.Run(ctx, r.client, []string{r.key(ownerID)}, cutoff.UnixMilli(), r.ttl.Milliseconds()).Err()
}

func (r *RedisRevocations) RevokedAfter(ctx context.Context, ownerID string) (time.Time, error) {
	raw, err := r.client.Get(ctx, r.key(ownerID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (r *RedisRevocations) key(ownerID string) string {
	return r.prefix + ":user:" + ownerID
}
