package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"

	tcc "github.com/xiaoxuxiansheng/tcctransaction"
	"github.com/xiaoxuxiansheng/tcctransaction/pkg"
)

// RedisClient 仓储用到的 redis 操作，*redis_lock.Client 满足该接口
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) (int64, error)
	SetNX(ctx context.Context, key, value string) (int64, error)
	Del(ctx context.Context, key string) error
}

// LockBuilder 按 key 构造分布式锁
type LockBuilder func(key string) tcc.Locker

// 更新事务时 xid 维度锁的过期时间
const updateLockExpire = 5 * time.Second

// RedisRepository 基于 redis 的事务仓储，一个 xid 对应一个 key。
// redis 客户端不支持 key 扫描，因此不提供恢复任务需要的 FindAllUnmodifiedSince
type RedisRepository struct {
	client  RedisClient
	newLock LockBuilder
}

func NewRedisRepository(client *redis_lock.Client) *RedisRepository {
	return NewRedisRepositoryWithLock(client, func(key string) tcc.Locker {
		return pkg.NewRedisLocker(client, key)
	})
}

func NewRedisRepositoryWithLock(client RedisClient, newLock LockBuilder) *RedisRepository {
	return &RedisRepository{
		client:  client,
		newLock: newLock,
	}
}

func (r *RedisRepository) Create(ctx context.Context, tx *tcc.Transaction) error {
	body, err := tcc.EncodeTransaction(tx)
	if err != nil {
		return err
	}

	// 要求必须从零到一创建
	reply, err := r.client.SetNX(ctx, pkg.BuildTransactionKey(tx.Xid.String()), string(body))
	if err != nil {
		return err
	}
	if reply != 1 {
		return fmt.Errorf("%w: %s", tcc.ErrTransactionExisted, tx.Xid)
	}
	return nil
}

func (r *RedisRepository) Update(ctx context.Context, tx *tcc.Transaction) error {
	// 基于 xid 维度加锁，保证版本号比较与写入的原子性
	lock := r.newLock(pkg.BuildTransactionLockKey(tx.Xid.String()))
	if err := lock.Lock(ctx, updateLockExpire); err != nil {
		return fmt.Errorf("lock transaction %s: %w", tx.Xid, err)
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	stored, err := r.FindByXid(ctx, tx.Xid)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("%w, xid: %s not found", tcc.ErrOptimisticLock, tx.Xid)
	}
	if stored.Version != tx.Version {
		return fmt.Errorf("%w, xid: %s, version: %d, stored: %d", tcc.ErrOptimisticLock, tx.Xid, tx.Version, stored.Version)
	}

	tx.Version++
	body, err := tcc.EncodeTransaction(tx)
	if err != nil {
		tx.Version--
		return err
	}
	if _, err = r.client.Set(ctx, pkg.BuildTransactionKey(tx.Xid.String()), string(body)); err != nil {
		tx.Version--
		return err
	}
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, tx *tcc.Transaction) error {
	return r.client.Del(ctx, pkg.BuildTransactionKey(tx.Xid.String()))
}

func (r *RedisRepository) FindByXid(ctx context.Context, x tcc.TransactionXid) (*tcc.Transaction, error) {
	body, err := r.client.Get(ctx, pkg.BuildTransactionKey(x.String()))
	if errors.Is(err, redis_lock.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, nil
	}
	return tcc.DecodeTransaction([]byte(body))
}
