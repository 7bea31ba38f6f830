package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	tcc "github.com/xiaoxuxiansheng/tcctransaction"
	"github.com/xiaoxuxiansheng/tcctransaction/repository/dao"
)

// mysql 唯一键冲突
const errDuplicateEntry = 1062

// GormRepository 基于 mysql 的事务仓储
type GormRepository struct {
	dao *dao.TransactionDAO
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{
		dao: dao.NewTransactionDAO(db),
	}
}

func (g *GormRepository) Create(ctx context.Context, tx *tcc.Transaction) error {
	record, err := toPO(tx)
	if err != nil {
		return err
	}

	if _, err = g.dao.CreateTransaction(ctx, record); err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
			return fmt.Errorf("%w: %s", tcc.ErrTransactionExisted, tx.Xid)
		}
		return err
	}
	return nil
}

func (g *GormRepository) Update(ctx context.Context, tx *tcc.Transaction) error {
	expect := tx.Version
	tx.Version++
	record, err := toPO(tx)
	if err != nil {
		tx.Version = expect
		return err
	}

	affected, err := g.dao.UpdateTransaction(ctx, record, expect)
	if err != nil {
		tx.Version = expect
		return err
	}
	if affected == 0 {
		tx.Version = expect
		return fmt.Errorf("%w, xid: %s, version: %d", tcc.ErrOptimisticLock, tx.Xid, expect)
	}
	return nil
}

func (g *GormRepository) Delete(ctx context.Context, tx *tcc.Transaction) error {
	return g.dao.DeleteTransaction(ctx, tx.Xid.GlobalID, tx.Xid.BranchQualifier)
}

func (g *GormRepository) FindByXid(ctx context.Context, x tcc.TransactionXid) (*tcc.Transaction, error) {
	records, err := g.dao.GetTransactions(ctx, dao.WithXid(x.GlobalID, x.BranchQualifier))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return fromPO(records[0])
}

func (g *GormRepository) FindAllUnmodifiedSince(ctx context.Context, t time.Time) ([]*tcc.Transaction, error) {
	records, err := g.dao.GetTransactions(ctx, dao.WithUpdatedBefore(t))
	if err != nil {
		return nil, err
	}
	return fromPOs(records)
}

// FindStale 按更新时间升序获取 updatedAt 早于 t 的事务。status 为 0 时不按状态过滤，limit <= 0 时不限制条数
func (g *GormRepository) FindStale(ctx context.Context, t time.Time, status tcc.TransactionStatus, limit int) ([]*tcc.Transaction, error) {
	opts := []dao.QueryOption{dao.WithUpdatedBefore(t)}
	if status != 0 {
		opts = append(opts, dao.WithStatus(int(status)))
	}
	opts = append(opts, dao.WithOrderByUpdatedAt())
	if limit > 0 {
		opts = append(opts, dao.WithLimit(limit))
	}

	records, err := g.dao.GetTransactions(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return fromPOs(records)
}

// FindByGlobalID 获取一个全局事务在本地的所有记录（根事务与分支事务）
func (g *GormRepository) FindByGlobalID(ctx context.Context, globalID string) ([]*tcc.Transaction, error) {
	records, err := g.dao.GetTransactions(ctx, dao.WithGlobalTxID(globalID))
	if err != nil {
		return nil, err
	}
	return fromPOs(records)
}

// ResetRetriedCount 清零重试次数，使超过最大重试次数的事务重新被恢复任务处理
func (g *GormRepository) ResetRetriedCount(ctx context.Context, x tcc.TransactionXid) error {
	return g.dao.LockAndDo(ctx, x.GlobalID, x.BranchQualifier, func(ctx context.Context, txDAO *dao.TransactionDAO, record *dao.TransactionPO) error {
		tx, err := fromPO(record)
		if err != nil {
			return err
		}

		tx.RetriedCount = 0
		tx.Version++
		tx.UpdatedAt = time.Now()
		next, err := toPO(tx)
		if err != nil {
			return err
		}
		_, err = txDAO.UpdateTransaction(ctx, next, record.Version)
		return err
	})
}

// Migrate 创建事务表
func (g *GormRepository) Migrate(ctx context.Context) error {
	return g.dao.Migrate(ctx)
}

func toPO(tx *tcc.Transaction) (*dao.TransactionPO, error) {
	content, err := tcc.EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	return &dao.TransactionPO{
		GlobalTxID:      tx.Xid.GlobalID,
		BranchQualifier: tx.Xid.BranchQualifier,
		Status:          int(tx.Status),
		TransactionType: int(tx.Type),
		RetriedCount:    tx.RetriedCount,
		Version:         tx.Version,
		Content:         content,
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
	}, nil
}

// 以冗余列为准，content 只提供参与者列表
func fromPO(record *dao.TransactionPO) (*tcc.Transaction, error) {
	tx, err := tcc.DecodeTransaction(record.Content)
	if err != nil {
		return nil, fmt.Errorf("xid: %s:%s, %w", record.GlobalTxID, record.BranchQualifier, err)
	}
	tx.Xid = tcc.TransactionXid{GlobalID: record.GlobalTxID, BranchQualifier: record.BranchQualifier}
	tx.Status = tcc.TransactionStatus(record.Status)
	tx.Type = tcc.TransactionType(record.TransactionType)
	tx.RetriedCount = record.RetriedCount
	tx.Version = record.Version
	tx.CreatedAt = record.CreatedAt
	tx.UpdatedAt = record.UpdatedAt
	return tx, nil
}

func fromPOs(records []*dao.TransactionPO) ([]*tcc.Transaction, error) {
	txs := make([]*tcc.Transaction, 0, len(records))
	for _, record := range records {
		tx, err := fromPO(record)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
