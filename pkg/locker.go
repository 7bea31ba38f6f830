package pkg

import (
	"context"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"
)

// RedisLocker 基于 redis_lock 的分布式锁，同一个 key 的 Lock / Unlock 成对使用
type RedisLocker struct {
	client *redis_lock.Client
	key    string
}

func NewRedisLocker(client *redis_lock.Client, key string) *RedisLocker {
	return &RedisLocker{
		client: client,
		key:    key,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, expireDuration time.Duration) error {
	lock := redis_lock.NewRedisLock(r.key, r.client, redis_lock.WithExpireSeconds(int64(expireDuration.Seconds())))
	return lock.Lock(ctx)
}

func (r *RedisLocker) Unlock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(r.key, r.client)
	return lock.Unlock(ctx)
}
