package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "skypost/pkg/logx"
)

// redisStore keeps the dispatched-key set in a single redis SET. Useful when
// the process runs on a host without a durable local disk.
type redisStore struct {
	c   *redis.Client
	key string
	log logx.Logger
}

const defaultRedisKey = "skypost:posted_keys"

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("ledger.redis_addr is required for redis driver")
	}
	key := strings.TrimSpace(cfg.RedisKey)
	if key == "" {
		key = defaultRedisKey
	}
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &redisStore{c: c, key: key, log: log}, nil
}

func (s *redisStore) Close() error { return s.c.Close() }

func (s *redisStore) Load(ctx context.Context) ([]string, error) {
	return s.c.SMembers(ctx, s.key).Result()
}

func (s *redisStore) Append(ctx context.Context, keys []string) error {
	members := make([]any, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			members = append(members, k)
		}
	}
	if len(members) == 0 {
		return nil
	}
	return s.c.SAdd(ctx, s.key, members...).Err()
}
