package tcctransaction

import (
	"context"
	"time"
)

// 事务持久化模块，按 xid 唯一
type TransactionRepository interface {
	// 创建事务记录，xid 已存在时返回 ErrTransactionExisted
	Create(ctx context.Context, tx *Transaction) error
	// 覆盖事务记录（状态、参与者、重试次数）。
	// 存储中的版本号与 tx.Version 不一致时返回 ErrOptimisticLock；成功后 tx.Version 自增
	Update(ctx context.Context, tx *Transaction) error
	// 删除事务记录，记录不存在时不报错
	Delete(ctx context.Context, tx *Transaction) error
	// 按 xid 查找，不存在时返回 nil, nil
	FindByXid(ctx context.Context, x TransactionXid) (*Transaction, error)
}

// RecoverableRepository 额外支持恢复任务扫描
type RecoverableRepository interface {
	TransactionRepository
	// 获取 updatedAt 早于 t 的所有事务
	FindAllUnmodifiedSince(ctx context.Context, t time.Time) ([]*Transaction, error)
}

// Locker 分布式锁，避免多个节点同时执行恢复任务
type Locker interface {
	Lock(ctx context.Context, expireDuration time.Duration) error
	Unlock(ctx context.Context) error
}
