package pkg

import (
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/redis_lock"
)

var (
	redisClient *redis_lock.Client
	once        sync.Once
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// GetRedisClient 进程内共享的 redis 客户端，只有首次调用的参数生效
func GetRedisClient(network, address, password string) *redis_lock.Client {
	once.Do(func() {
		redisClient = redis_lock.NewClient(network, address, password)
	})
	return redisClient
}

// 构造事务记录 key
func BuildTransactionKey(xid string) string {
	return fmt.Sprintf("tcc:transaction:%s", xid)
}

// 构造事务锁 key，用于更新事务记录时的互斥
func BuildTransactionLockKey(xid string) string {
	return fmt.Sprintf("tcc:transaction:lock:%s", xid)
}

// 恢复任务的全局锁 key
func BuildRecoveryLockKey() string {
	return "tcc:recovery:lock"
}

// 构造参与者侧的分支 key，用于 confirm / cancel 幂等去重
func BuildBranchKey(resource, branchXid string) string {
	return fmt.Sprintf("tcc:branch:%s:%s", resource, branchXid)
}

// 构造参与者侧的业务数据 key
func BuildDataKey(resource, bizID string) string {
	return fmt.Sprintf("tcc:data:%s:%s", resource, bizID)
}

// 构造参与者侧的分支锁 key
func BuildBranchLockKey(resource, branchXid string) string {
	return fmt.Sprintf("tcc:branch:lock:%s:%s", resource, branchXid)
}
