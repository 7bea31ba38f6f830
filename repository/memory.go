package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	tcc "github.com/xiaoxuxiansheng/tcctransaction"
)

// MemoryRepository 进程内的事务仓储，保存序列化后的快照，
// 读写都经过编解码，行为与持久化仓储一致。适用于单进程部署和测试
type MemoryRepository struct {
	mux     sync.RWMutex
	records map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string][]byte),
	}
}

func (m *MemoryRepository) Create(ctx context.Context, tx *tcc.Transaction) error {
	body, err := tcc.EncodeTransaction(tx)
	if err != nil {
		return err
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	key := tx.Xid.String()
	if _, ok := m.records[key]; ok {
		return fmt.Errorf("%w: %s", tcc.ErrTransactionExisted, key)
	}
	m.records[key] = body
	return nil
}

func (m *MemoryRepository) Update(ctx context.Context, tx *tcc.Transaction) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	key := tx.Xid.String()
	body, ok := m.records[key]
	if !ok {
		return fmt.Errorf("%w, xid: %s not found", tcc.ErrOptimisticLock, key)
	}
	stored, err := tcc.DecodeTransaction(body)
	if err != nil {
		return err
	}
	if stored.Version != tx.Version {
		return fmt.Errorf("%w, xid: %s, version: %d, stored: %d", tcc.ErrOptimisticLock, key, tx.Version, stored.Version)
	}

	tx.Version++
	if body, err = tcc.EncodeTransaction(tx); err != nil {
		tx.Version--
		return err
	}
	m.records[key] = body
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, tx *tcc.Transaction) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.records, tx.Xid.String())
	return nil
}

func (m *MemoryRepository) FindByXid(ctx context.Context, x tcc.TransactionXid) (*tcc.Transaction, error) {
	m.mux.RLock()
	body, ok := m.records[x.String()]
	m.mux.RUnlock()
	if !ok {
		return nil, nil
	}
	return tcc.DecodeTransaction(body)
}

func (m *MemoryRepository) FindAllUnmodifiedSince(ctx context.Context, t time.Time) ([]*tcc.Transaction, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	var txs []*tcc.Transaction
	for _, body := range m.records {
		tx, err := tcc.DecodeTransaction(body)
		if err != nil {
			return nil, err
		}
		if tx.UpdatedAt.Before(t) {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (m *MemoryRepository) Len() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return len(m.records)
}
