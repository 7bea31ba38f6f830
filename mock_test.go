package tcctransaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cast"
)

type mockRepository struct {
	mutex   sync.Mutex
	records map[string][]byte
	// 每个 xid 持久化过的状态序列
	statuses map[string][]TransactionStatus
	// 注入 Update 错误
	updateErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		records:  make(map[string][]byte),
		statuses: make(map[string][]TransactionStatus),
	}
}

func (m *mockRepository) Create(ctx context.Context, tx *Transaction) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	key := tx.Xid.String()
	if _, ok := m.records[key]; ok {
		return fmt.Errorf("%w: %s", ErrTransactionExisted, key)
	}
	body, err := EncodeTransaction(tx)
	if err != nil {
		return err
	}
	m.records[key] = body
	m.statuses[key] = append(m.statuses[key], tx.Status)
	return nil
}

func (m *mockRepository) Update(ctx context.Context, tx *Transaction) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	key := tx.Xid.String()
	body, ok := m.records[key]
	if !ok {
		return fmt.Errorf("[Update]invalid xid: %s", key)
	}
	stored, err := DecodeTransaction(body)
	if err != nil {
		return err
	}
	if stored.Version != tx.Version {
		return ErrOptimisticLock
	}

	tx.Version++
	if body, err = EncodeTransaction(tx); err != nil {
		tx.Version--
		return err
	}
	m.records[key] = body
	m.statuses[key] = append(m.statuses[key], tx.Status)
	return nil
}

func (m *mockRepository) Delete(ctx context.Context, tx *Transaction) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.records, tx.Xid.String())
	return nil
}

func (m *mockRepository) FindByXid(ctx context.Context, x TransactionXid) (*Transaction, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	body, ok := m.records[x.String()]
	if !ok {
		return nil, nil
	}
	return DecodeTransaction(body)
}

func (m *mockRepository) FindAllUnmodifiedSince(ctx context.Context, t time.Time) ([]*Transaction, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var txs []*Transaction
	for _, body := range m.records {
		tx, err := DecodeTransaction(body)
		if err != nil {
			return nil, err
		}
		if tx.UpdatedAt.Before(t) {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (m *mockRepository) exists(x TransactionXid) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.records[x.String()]
	return ok
}

func (m *mockRepository) statusHistory(x TransactionXid) []TransactionStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]TransactionStatus(nil), m.statuses[x.String()]...)
}

// 把记录的更新时间拨回过去，便于恢复任务扫描
func (m *mockRepository) age(x TransactionXid, d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tx, _ := DecodeTransaction(m.records[x.String()])
	tx.UpdatedAt = tx.UpdatedAt.Add(-d)
	m.records[x.String()], _ = EncodeTransaction(tx)
}

// 账户组件：confirm / cancel 按分支 xid 幂等
type mockAccount struct {
	name  string
	mutex sync.Mutex
	// 调用日志，形如 "a.confirm"
	journal *journal
	// 各分支已生效的金额
	confirmed map[string]int64
	cancelled map[string]bool
	// 前 n 次 confirm / cancel 返回错误
	failConfirm int
	failCancel  int
	// confirm 阻塞直到 channel 关闭
	block chan struct{}
}

func newMockAccount(name string, journal *journal) *mockAccount {
	return &mockAccount{
		name:      name,
		journal:   journal,
		confirmed: make(map[string]int64),
		cancelled: make(map[string]bool),
	}
}

func (m *mockAccount) methods() MethodSet {
	return MethodSet{
		"confirm": m.confirm,
		"cancel":  m.cancel,
	}
}

func (m *mockAccount) record(action string) {
	m.journal.add(m.name + "." + action)
}

func (m *mockAccount) confirm(ctx context.Context, args ...interface{}) (interface{}, error) {
	if m.block != nil {
		<-m.block
	}
	m.record("confirm")

	txCtx, _ := args[0].(*TransactionContext)
	if txCtx == nil {
		return nil, errors.New("missing transaction context")
	}
	if txCtx.Status != int(Confirming) {
		return nil, fmt.Errorf("unexpected status: %d", txCtx.Status)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.failConfirm > 0 {
		m.failConfirm--
		return nil, errors.New("confirm unavailable")
	}
	// 幂等：同一分支只生效一次
	if _, ok := m.confirmed[txCtx.Xid.String()]; !ok {
		m.confirmed[txCtx.Xid.String()] = cast.ToInt64(args[1])
	}
	return true, nil
}

func (m *mockAccount) cancel(ctx context.Context, args ...interface{}) (interface{}, error) {
	m.record("cancel")
	txCtx, _ := args[0].(*TransactionContext)
	if txCtx == nil {
		return nil, errors.New("missing transaction context")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.failCancel > 0 {
		m.failCancel--
		return nil, errors.New("cancel unavailable")
	}
	m.cancelled[txCtx.Xid.String()] = true
	return true, nil
}

func (m *mockAccount) balance() int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var sum int64
	for _, amount := range m.confirmed {
		sum += amount
	}
	return sum
}

type journal struct {
	mutex sync.Mutex
	lines []string
}

func (j *journal) add(line string) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.lines = append(j.lines, line)
}

func (j *journal) snapshot() []string {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return append([]string(nil), j.lines...)
}

// 构造一个参与者，confirm / cancel 指向 target 上的同名方法
func newTestParticipant(global string, target string, amount int64) *Participant {
	x := NewBranchXid(global)
	args := []interface{}{NewTransactionContext(x, Trying), amount}
	return NewParticipant(
		x,
		NewInvocationContext(target, "confirm", args...),
		NewInvocationContext(target, "cancel", args...),
		DefaultEditor,
	)
}
