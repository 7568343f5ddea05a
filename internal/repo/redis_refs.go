package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/redis/go-redis/v9"
)

// RedisRefDatabase stores refs as Redis strings. Batches WATCH every ref key, compare, and write in
// one MULTI/EXEC, so a concurrent writer aborts the transaction. All keys share one hash tag so a
// batch stays on a single cluster slot.
type RedisRefDatabase struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

// NewRedisRefDatabase creates a Redis-backed ref database.
func NewRedisRefDatabase(rdb redis.UniversalClient, keyPrefix string) *RedisRefDatabase {
	return &RedisRefDatabase{rdb: rdb, keyPrefix: keyPrefix}
}

func (d *RedisRefDatabase) key(project, ref string) string {
	prefix := d.keyPrefix
	if prefix == "" {
		prefix = "gitsubmit"
	}
	return fmt.Sprintf("%s:{refs}:%s:%s", prefix, project, ref)
}

// Resolve returns the commit a ref points at.
func (d *RedisRefDatabase) Resolve(ctx context.Context, project, ref string) (plumbing.Hash, error) {
	raw, err := d.rdb.Get(ctx, d.key(project, ref)).Result()
	if err != nil {
		if err == redis.Nil {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s %s", ErrRefNotFound, project, ref)
		}
		return plumbing.ZeroHash, err
	}
	return plumbing.NewHash(raw), nil
}

// List returns refs of project under prefix.
func (d *RedisRefDatabase) List(ctx context.Context, project, prefix string) (map[string]plumbing.Hash, error) {
	base := d.key(project, "")
	pattern := escapeGlob(base) + escapeGlob(prefix) + "*"
	out := make(map[string]plumbing.Hash)

	var cursor uint64
	for {
		keys, next, err := d.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			raw, err := d.rdb.Get(ctx, k).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[strings.TrimPrefix(k, base)] = plumbing.NewHash(raw)
		}
		if next == 0 || next == cursor {
			return out, nil
		}
		cursor = next
	}
}

// BatchUpdate applies all updates in one optimistic transaction.
func (d *RedisRefDatabase) BatchUpdate(ctx context.Context, updates []RefUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	keys := make([]string, len(updates))
	for i, u := range updates {
		keys[i] = d.key(u.Project, u.Ref)
	}

	var mismatch *LockFailureError
	err := d.rdb.Watch(ctx, func(tx *redis.Tx) error {
		for i, u := range updates {
			raw, err := tx.Get(ctx, keys[i]).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			current := plumbing.ZeroHash
			if err == nil {
				current = plumbing.NewHash(raw)
			}
			if current != u.Old {
				mismatch = &LockFailureError{Update: u, Actual: current}
				return mismatch
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, u := range updates {
				if u.New.IsZero() {
					pipe.Del(ctx, keys[i])
					continue
				}
				pipe.Set(ctx, keys[i], u.New.String(), 0)
			}
			return nil
		})
		return err
	}, keys...)

	if err == nil {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return &LockFailureError{Update: updates[0]}
	}
	return err
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
