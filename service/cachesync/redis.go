package cachesync

import (
	"context"
	"time"

	"PAccess/logger"
	safe "PAccess/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConf 用于初始化 Redis 失效器。
type RedisConf struct {
	Prefix  string        // 版本键前缀（默认 "cache:ver:"）
	Timeout time.Duration // 单次操作超时（默认 3s）
}

func (c *RedisConf) norm() {
	c.Prefix = safe.DefaultString(c.Prefix, "cache:ver:")
	c.Timeout = safe.DefaultDuration(c.Timeout, 3*time.Second)
}

// RedisInvalidator signals staleness across console instances sharing one
// redis: it bumps a per-topic version key. Pull sides compare the version
// against the one they last fetched at. The cached content itself is never
// touched, so the signal is idempotent.
type RedisInvalidator struct {
	conf   RedisConf
	client *redis.Client
}

func NewRedisInvalidator(conf RedisConf, client *redis.Client) *RedisInvalidator {
	conf.norm()
	return &RedisInvalidator{conf: conf, client: client}
}

var _ Invalidator = (*RedisInvalidator)(nil)

func (r *RedisInvalidator) Invalidate(topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.Timeout)
	defer cancel()
	if err := r.client.Incr(ctx, r.conf.Prefix+topic).Err(); err != nil {
		// 失效信号丢失只影响时效，拉取方的轮询兜底。
		logger.Warn("redis invalidate failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Version reads the current version for a topic, 0 when never invalidated.
func (r *RedisInvalidator) Version(topic string) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.Timeout)
	defer cancel()
	v, err := r.client.Get(ctx, r.conf.Prefix+topic).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}
