package rbac

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
)

const cacheKeyPrefix = "perm:"

// Resolver caches allow decisions in front of the stateless checks: a small
// in-process LRU backed by redis with a TTL. Denials are never cached; they
// re-evaluate every time so a permission grant takes effect immediately.
type Resolver struct {
	rdb    *redis.Client
	l1     *lru.Cache[string, bool]
	ttl    time.Duration
	logger Logger
}

// Logger is the minimal logging surface the resolver needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// NewResolver creates a decision cache. rdb may be nil to run with only the
// in-process LRU; l1Size must be positive.
func NewResolver(rdb *redis.Client, ttl time.Duration, l1Size int, logger Logger) (*Resolver, error) {
	l1, err := lru.New[string, bool](l1Size)
	if err != nil {
		return nil, err
	}
	return &Resolver{rdb: rdb, l1: l1, ttl: ttl, logger: logger}, nil
}

func cacheKey(resource, user, action string) string {
	return cacheKeyPrefix + resource + ":" + user + ":" + action
}

// Allowed runs eval unless a cached allow decision exists for (user, action,
// resource). A nil result from eval is cached as an allow. Any error from
// eval passes through unchanged.
func (r *Resolver) Allowed(ctx context.Context, user *model.User, action, resource string, eval func() error) error {
	if user == nil || user.Username == "" {
		return errs.NewValidation("user", "requesting user is missing an identity")
	}
	key := cacheKey(resource, user.Username, action)
	if allowed, ok := r.l1.Get(key); ok && allowed {
		return nil
	}
	if r.rdb != nil {
		if val, err := r.rdb.Get(ctx, key).Result(); err == nil && val == "1" {
			r.l1.Add(key, true)
			return nil
		}
	}
	if err := eval(); err != nil {
		return err
	}
	r.l1.Add(key, true)
	if r.rdb != nil {
		if err := r.rdb.Set(ctx, key, "1", r.ttl).Err(); err != nil && r.logger != nil {
			r.logger.Warnf("permission cache write failed: %v", err)
		}
	}
	return nil
}

// Invalidate drops every cached decision for a resource. The engine calls it
// whenever a permissions map or visibility changes, and on archive
// transitions.
func (r *Resolver) Invalidate(ctx context.Context, resource string) {
	prefix := cacheKeyPrefix + resource + ":"
	r.drop(ctx, prefix+"*", func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// InvalidateUser drops every cached decision held by one user, on any
// resource. The engine calls it when a user's admin flag or archive state
// changes and when the account is removed.
func (r *Resolver) InvalidateUser(ctx context.Context, username string) {
	infix := ":" + username + ":"
	r.drop(ctx, cacheKeyPrefix+"*"+infix+"*", func(key string) bool {
		return strings.Contains(key, infix)
	})
}

// drop removes matching keys from both cache layers. pattern is the redis
// SCAN glob; match filters the L1 keys.
func (r *Resolver) drop(ctx context.Context, pattern string, match func(string) bool) {
	for _, key := range r.l1.Keys() {
		if match(key) {
			r.l1.Remove(key)
		}
	}
	if r.rdb == nil {
		return
	}
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			if r.logger != nil {
				r.logger.Warnf("permission cache invalidation failed: %v", err)
			}
			return
		}
		if len(keys) > 0 {
			if err := r.rdb.Del(ctx, keys...).Err(); err != nil && r.logger != nil {
				r.logger.Warnf("permission cache delete failed: %v", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
