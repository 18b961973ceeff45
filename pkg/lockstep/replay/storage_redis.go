package replay

import (
	"context"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisStorage keeps every replay under its own key and tracks the names in a set.
type RedisStorage struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage stores keys as "<prefix>:<name>" and the name index under "<prefix>:index".
func NewRedisStorage(rdb redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "lockstep:replay"
	}
	return &RedisStorage{rdb: rdb, prefix: strings.TrimSuffix(prefix, ":")}
}

func (r *RedisStorage) key(name string) string { return r.prefix + ":" + name }

func (r *RedisStorage) indexKey() string { return r.prefix + ":index" }

func (r *RedisStorage) Store(ctx context.Context, name string, data []byte) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(name), data, 0)
		p.SAdd(ctx, r.indexKey(), name)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to store replay %q in redis", name)
	}
	return nil
}

func (r *RedisStorage) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, r.key(name)).Bytes()
	if eris.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrNotFound, "no replay named %q", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load replay %q from redis", name)
	}
	return data, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key(name))
		p.SRem(ctx, r.indexKey(), name)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to delete replay %q from redis", name)
	}
	return nil
}

func (r *RedisStorage) List(ctx context.Context) ([]string, error) {
	names, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to list replays in redis")
	}
	slices.Sort(names)
	return names, nil
}
