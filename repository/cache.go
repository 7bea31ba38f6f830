package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	tcc "github.com/xiaoxuxiansheng/tcctransaction"
)

var ErrNotRecoverable = errors.New("underlying repository does not support recovery scan")

type CacheOptions struct {
	// 缓存的最大字节数
	MaxCost int64
	// 快照的存活时间，多节点共享底层仓储时用于限制读到旧快照的时长
	TTL time.Duration
}

type CacheOption func(*CacheOptions)

func WithCacheMaxCost(maxCost int64) CacheOption {
	return func(o *CacheOptions) {
		o.MaxCost = maxCost
	}
}

func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(o *CacheOptions) {
		o.TTL = ttl
	}
}

func repairCache(o *CacheOptions) {
	if o.MaxCost <= 0 {
		o.MaxCost = 64 << 20
	}

	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
}

// CachedRepository 在任意仓储外包一层读缓存，缓存的是序列化后的快照，
// 每次读取都解码出新的对象，调用方修改返回值不会污染缓存
type CachedRepository struct {
	inner tcc.TransactionRepository
	cache *ristretto.Cache[string, []byte]
	opts  *CacheOptions
}

func NewCachedRepository(inner tcc.TransactionRepository, opts ...CacheOption) (*CachedRepository, error) {
	options := &CacheOptions{}
	for _, opt := range opts {
		opt(options)
	}
	repairCache(options)

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e5,
		MaxCost:     options.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("new transaction cache: %w", err)
	}

	return &CachedRepository{
		inner: inner,
		cache: cache,
		opts:  options,
	}, nil
}

func (c *CachedRepository) Close() {
	c.cache.Close()
}

func (c *CachedRepository) Create(ctx context.Context, tx *tcc.Transaction) error {
	if err := c.inner.Create(ctx, tx); err != nil {
		return err
	}
	c.put(tx)
	return nil
}

func (c *CachedRepository) Update(ctx context.Context, tx *tcc.Transaction) error {
	if err := c.inner.Update(ctx, tx); err != nil {
		// 版本冲突或写入失败时，缓存中的快照不再可信
		c.cache.Del(tx.Xid.String())
		return err
	}
	c.put(tx)
	return nil
}

// Delete 删除前后各淘汰一次，删除期间并发读回填的快照也会被清理
func (c *CachedRepository) Delete(ctx context.Context, tx *tcc.Transaction) error {
	c.cache.Del(tx.Xid.String())
	err := c.inner.Delete(ctx, tx)
	c.cache.Del(tx.Xid.String())
	return err
}

func (c *CachedRepository) FindByXid(ctx context.Context, x tcc.TransactionXid) (*tcc.Transaction, error) {
	if body, ok := c.cache.Get(x.String()); ok {
		return tcc.DecodeTransaction(body)
	}

	tx, err := c.inner.FindByXid(ctx, x)
	if err != nil || tx == nil {
		return tx, err
	}
	c.put(tx)
	return tx, nil
}

// FindAllUnmodifiedSince 恢复任务需要最新的数据，直接穿透到底层仓储
func (c *CachedRepository) FindAllUnmodifiedSince(ctx context.Context, t time.Time) ([]*tcc.Transaction, error) {
	recoverable, ok := c.inner.(tcc.RecoverableRepository)
	if !ok {
		return nil, ErrNotRecoverable
	}
	return recoverable.FindAllUnmodifiedSince(ctx, t)
}

func (c *CachedRepository) put(tx *tcc.Transaction) {
	body, err := tcc.EncodeTransaction(tx)
	if err != nil {
		c.cache.Del(tx.Xid.String())
		return
	}
	c.cache.SetWithTTL(tx.Xid.String(), body, int64(len(body)), c.opts.TTL)
	// 写入是异步的，等待生效后再返回，保证随后的读能命中
	c.cache.Wait()
}
