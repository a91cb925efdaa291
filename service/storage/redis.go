package storage

import (
	"context"
	"time"

	safe "PAccess/tools/safe"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConf 用于初始化 Redis 凭证存储。
type RedisConf struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// Key is the hash key holding the credential fields; deployments with
	// several consoles on one redis give each station its own key.
	Key     string
	Timeout time.Duration // 单次操作超时（默认 3s）
}

func (c *RedisConf) norm() {
	c.Key = safe.DefaultString(c.Key, "console:credentials")
	c.Timeout = safe.DefaultDuration(c.Timeout, 3*time.Second)
}

// RedisStore keeps credentials in a redis hash, for guard-station deployments
// that share a local redis and must survive console restarts.
type RedisStore struct {
	current
	conf   RedisConf
	client *redis.Client
}

func NewRedisStore(conf RedisConf) (*RedisStore, error) {
	conf.norm()
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
		PoolSize: conf.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), conf.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	return &RedisStore{conf: conf, client: rdb}, nil
}

// NewRedisStoreWithClient wires an existing client (shared with the cache
// invalidator in most deployments).
func NewRedisStoreWithClient(conf RedisConf, client *redis.Client) *RedisStore {
	conf.norm()
	return &RedisStore{conf: conf, client: client}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Load() (Credentials, bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	m, err := s.client.HGetAll(ctx, s.conf.Key).Result()
	if err != nil {
		return Credentials{}, false, errors.Wrap(err, "redis hgetall")
	}
	creds := Credentials{
		AccessToken:  m["access_token"],
		RefreshToken: m["refresh_token"],
		UserJSON:     m["user"],
	}
	if creds.Empty() {
		return Credentials{}, false, nil
	}
	s.set(creds)
	return creds, true, nil
}

func (s *RedisStore) Save(creds Credentials) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	err := s.client.HSet(ctx, s.conf.Key,
		"access_token", creds.AccessToken,
		"refresh_token", creds.RefreshToken,
		"user", creds.UserJSON,
	).Err()
	if err != nil {
		return errors.Wrap(err, "redis hset")
	}
	s.set(creds)
	return nil
}

func (s *RedisStore) Clear() error {
	s.set(Credentials{})

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.client.Del(ctx, s.conf.Key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.conf.Timeout)
}
