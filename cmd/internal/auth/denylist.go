package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"krismini/cmd/security/token"
)

// Denylist records signed-out tokens until they would have expired anyway.
type Denylist interface {
	Revoke(ctx context.Context, tok string, until time.Time) error
	IsRevoked(ctx context.Context, tok string) (bool, error)
}

// MemoryDenylist is the dev fallback when redis is not configured.
type MemoryDenylist struct {
	mu      sync.Mutex
	digests *token.Digester
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryDenylist(d *token.Digester) *MemoryDenylist {
	if d == nil {
		d, _ = token.NewDigester(nil)
	}
	return &MemoryDenylist{
		digests: d,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryDenylist) Revoke(ctx context.Context, tok string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.now()
	if !until.After(now) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, exp := range m.entries {
		if !exp.After(now) {
			delete(m.entries, k)
		}
	}
	m.entries[m.digests.Hex(tok)] = until
	return nil
}

func (m *MemoryDenylist) IsRevoked(ctx context.Context, tok string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[m.digests.Hex(tok)]
	return ok && exp.After(m.now()), nil
}

// RedisDenylist shares revocations across instances. Keys expire with the token.
type RedisDenylist struct {
	rdb     *redis.Client
	prefix  string
	digests *token.Digester
	now     func() time.Time
}

func NewRedisDenylist(rdb *redis.Client, prefix string, d *token.Digester) (*RedisDenylist, error) {
	if rdb == nil {
		return nil, errors.New("auth: nil redis client")
	}
	if d == nil {
		d, _ = token.NewDigester(nil)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "krismini:revoked:"
	}
	return &RedisDenylist{rdb: rdb, prefix: prefix, digests: d, now: time.Now}, nil
}

func (r *RedisDenylist) key(tok string) string { return r.prefix + r.digests.Hex(tok) }

func (r *RedisDenylist) Revoke(ctx context.Context, tok string, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, r.key(tok), 1, ttl).Err()
}

func (r *RedisDenylist) IsRevoked(ctx context.Context, tok string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(tok)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
