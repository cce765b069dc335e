package lidkaart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// redisStore keeps one hash per namespace and a set of namespace names.
type redisStore struct {
	client *redis.Client
	prefix string
}

func newRedisStore(cfg Config) (*redisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisStoreWithClient(client, cfg.Storage.Redis.Prefix), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string) *redisStore {
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) nsSetKey() string          { return s.prefix + ":namespaces" }
func (s *redisStore) hashKey(ns string) string { return s.prefix + ":ns:" + ns }

func (s *redisStore) Get(ctx context.Context, ns, key string) (CacheEntry, bool, error) {
	b, err := s.client.HGet(ctx, s.hashKey(ns), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return ent, true, nil
}

func (s *redisStore) Put(ctx context.Context, ns, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.nsSetKey(), ns)
		p.HSet(ctx, s.hashKey(ns), key, b)
		return nil
	})
	return err
}

func (s *redisStore) DeleteMatching(ctx context.Context, ns string, match func(string) bool) (int, error) {
	keys, err := s.client.HKeys(ctx, s.hashKey(ns)).Result()
	if err != nil {
		return 0, err
	}
	var victims []string
	for _, k := range keys {
		if match(k) {
			victims = append(victims, k)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	n, err := s.client.HDel(ctx, s.hashKey(ns), victims...).Result()
	return int(n), err
}

func (s *redisStore) Keys(ctx context.Context, ns string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.hashKey(ns)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Namespaces(ctx context.Context) ([]string, error) {
	out, err := s.client.SMembers(ctx, s.nsSetKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *redisStore) DeleteNamespace(ctx context.Context, ns string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.SRem(ctx, s.nsSetKey(), ns)
		p.Del(ctx, s.hashKey(ns))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
