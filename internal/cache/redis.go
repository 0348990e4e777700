package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

// redisClient 是 Redis 缓存用到的最小命令集合。
type redisClient interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// RedisOption 定义 Redis 缓存的可选配置。
type RedisOption func(*Redis)

// WithRedisTimeout 设置单次操作的超时，超时按未命中处理。
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRedisRecorder 配置命中统计的接收方。
func WithRedisRecorder(rec Recorder) RedisOption {
	return func(r *Redis) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// Redis 将步骤结果保存在 Redis 中，多个 xerosd 实例可共享。过期由 Redis 的 TTL 负责。
type Redis struct {
	client   redisClient
	prefix   string
	timeout  time.Duration
	recorder Recorder
}

// NewRedis 基于已有连接创建缓存。
func NewRedis(client redisClient, prefix string, opts ...RedisOption) *Redis {
	if prefix == "" {
		prefix = "xeros:cache"
	}
	r := &Redis{
		client:   client,
		prefix:   prefix,
		timeout:  100 * time.Millisecond,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Redis) redisKey(key Key) string {
	return r.prefix + ":" + key.String()
}

// Get 读取条目，任何 Redis 错误都视为未命中。
func (r *Redis) Get(ctx context.Context, key Key) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	value, err := r.client.Get(opCtx, r.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			logger.L().Debug("读取 Redis 缓存失败", slog.Any("error", err), slog.String("step", key.Step))
		}
		r.recorder.CacheMiss(key.ChainID, key.Step)
		return nil, false
	}
	r.recorder.CacheHit(key.ChainID, key.Step)
	return value, true
}

// Put 写入条目，失败时只记录日志。
func (r *Redis) Put(ctx context.Context, key Key, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Set(opCtx, r.redisKey(key), value, ttl).Err(); err != nil {
		logger.L().Debug("写入 Redis 缓存失败", slog.Any("error", err), slog.String("step", key.Step))
	}
}

var _ Cache = (*Redis)(nil)
