package dao

import (
	"time"

	"gorm.io/gorm"
)

type QueryOption func(db *gorm.DB) *gorm.DB

func WithXid(globalTxID, branchQualifier string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("global_tx_id = ? AND branch_qualifier = ?", globalTxID, branchQualifier)
	}
}

// WithGlobalTxID 查询一个全局事务下的所有记录
func WithGlobalTxID(globalTxID string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("global_tx_id = ?", globalTxID)
	}
}

func WithStatus(status int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ?", status)
	}
}

func WithUpdatedBefore(t time.Time) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("updated_at < ?", t)
	}
}

// WithOrderByUpdatedAt 最久未更新的记录排在前面
func WithOrderByUpdatedAt() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order("updated_at ASC")
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(limit)
	}
}
