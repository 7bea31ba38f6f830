package dao

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DDL tcc_transaction 建表语句，(global_tx_id, branch_qualifier) 唯一
const DDL = "CREATE TABLE IF NOT EXISTS `tcc_transaction` (" +
	"`id` bigint unsigned NOT NULL AUTO_INCREMENT," +
	"`global_tx_id` varchar(64) NOT NULL," +
	"`branch_qualifier` varchar(64) NOT NULL DEFAULT ''," +
	"`status` tinyint NOT NULL," +
	"`transaction_type` tinyint NOT NULL," +
	"`retried_count` int NOT NULL DEFAULT 0," +
	"`version` bigint NOT NULL DEFAULT 1," +
	"`content` mediumblob NOT NULL," +
	"`created_at` datetime(3) NOT NULL," +
	"`updated_at` datetime(3) NOT NULL," +
	"PRIMARY KEY (`id`)," +
	"UNIQUE KEY `uk_xid` (`global_tx_id`, `branch_qualifier`)," +
	"KEY `idx_updated_at` (`updated_at`)" +
	") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"

// TransactionPO 一条事务记录。status / retried_count / version 冗余出来用于查询和乐观锁，
// 完整的事务（含参与者列表）序列化后存放在 content 中
type TransactionPO struct {
	ID              uint      `gorm:"column:id;primaryKey"`
	GlobalTxID      string    `gorm:"column:global_tx_id"`
	BranchQualifier string    `gorm:"column:branch_qualifier"`
	Status          int       `gorm:"column:status"`
	TransactionType int       `gorm:"column:transaction_type"`
	RetriedCount    int       `gorm:"column:retried_count"`
	Version         int64     `gorm:"column:version"`
	Content         []byte    `gorm:"column:content"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (t TransactionPO) TableName() string {
	return "tcc_transaction"
}

type TransactionDAO struct {
	db *gorm.DB
}

func NewTransactionDAO(db *gorm.DB) *TransactionDAO {
	return &TransactionDAO{
		db: db,
	}
}

func (t *TransactionDAO) GetTransactions(ctx context.Context, opts ...QueryOption) ([]*TransactionPO, error) {
	db := t.db.WithContext(ctx).Model(&TransactionPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*TransactionPO
	return records, db.Scan(&records).Error
}

func (t *TransactionDAO) CreateTransaction(ctx context.Context, record *TransactionPO) (uint, error) {
	err := t.db.WithContext(ctx).Model(&TransactionPO{}).Create(record).Error
	return record.ID, err
}

// UpdateTransaction 仅当库中版本号等于 expectVersion 时更新，返回受影响的行数
func (t *TransactionDAO) UpdateTransaction(ctx context.Context, record *TransactionPO, expectVersion int64) (int64, error) {
	res := t.db.WithContext(ctx).Model(&TransactionPO{}).
		Where("global_tx_id = ? AND branch_qualifier = ? AND version = ?", record.GlobalTxID, record.BranchQualifier, expectVersion).
		Updates(map[string]interface{}{
			"status":        record.Status,
			"retried_count": record.RetriedCount,
			"version":       record.Version,
			"content":       record.Content,
			"updated_at":    record.UpdatedAt,
		})
	return res.RowsAffected, res.Error
}

func (t *TransactionDAO) DeleteTransaction(ctx context.Context, globalTxID, branchQualifier string) error {
	return t.db.WithContext(ctx).
		Where("global_tx_id = ? AND branch_qualifier = ?", globalTxID, branchQualifier).
		Delete(&TransactionPO{}).Error
}

// LockAndDo 在本地事务中对记录加写锁后执行 do
func (t *TransactionDAO) LockAndDo(ctx context.Context, globalTxID, branchQualifier string, do func(ctx context.Context, dao *TransactionDAO, record *TransactionPO) error) error {
	return t.db.Transaction(func(tx *gorm.DB) error {
		// 加写锁
		var record TransactionPO
		if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("global_tx_id = ? AND branch_qualifier = ?", globalTxID, branchQualifier).
			First(&record).Error; err != nil {
			return err
		}

		txDAO := NewTransactionDAO(tx)
		return do(ctx, txDAO, &record)
	})
}

// Migrate 执行建表语句
func (t *TransactionDAO) Migrate(ctx context.Context) error {
	return t.db.WithContext(ctx).Exec(DDL).Error
}
