package tcctransaction

import (
	"context"
	"fmt"
	"time"
)

// 事务状态
type TransactionStatus int

const (
	// 执行 try 中
	Trying TransactionStatus = 1
	// 推进 confirm 中
	Confirming TransactionStatus = 2
	// 推进 cancel 中
	Cancelling TransactionStatus = 3
)

func (s TransactionStatus) String() string {
	switch s {
	case Trying:
		return "trying"
	case Confirming:
		return "confirming"
	case Cancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StatusOf 把跨进程传播的状态码转换为事务状态
func StatusOf(code int) (TransactionStatus, error) {
	s := TransactionStatus(code)
	switch s {
	case Trying, Confirming, Cancelling:
		return s, nil
	default:
		return 0, fmt.Errorf("invalid transaction status code: %d", code)
	}
}

// 只允许 trying -> confirming | cancelling，以及同状态重入（恢复任务重复推进）
func canTransit(from, to TransactionStatus) bool {
	if from == to {
		return true
	}
	return from == Trying && (to == Confirming || to == Cancelling)
}

// 事务类型
type TransactionType int

const (
	// 本地发起的根事务
	Root TransactionType = 1
	// 由上游传播的上下文创建的分支事务
	Branch TransactionType = 2
)

func (t TransactionType) String() string {
	switch t {
	case Root:
		return "root"
	case Branch:
		return "branch"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// 跨进程传播的事务上下文
type TransactionContext struct {
	Xid    TransactionXid `json:"xid"`
	Status int            `json:"status"`
}

func NewTransactionContext(x TransactionXid, status TransactionStatus) *TransactionContext {
	return &TransactionContext{Xid: x, Status: int(status)}
}

// 事务参与者，登记后不再修改
type Participant struct {
	Xid               TransactionXid    `json:"xid"`
	ConfirmInvocation InvocationContext `json:"confirmInvocation"`
	CancelInvocation  InvocationContext `json:"cancelInvocation"`
	EditorStrategy    EditorStrategy    `json:"editorStrategy"`
}

func NewParticipant(x TransactionXid, confirm, cancel InvocationContext, strategy EditorStrategy) *Participant {
	return &Participant{
		Xid:               x,
		ConfirmInvocation: confirm,
		CancelInvocation:  cancel,
		EditorStrategy:    strategy,
	}
}

func (p *Participant) Commit(ctx context.Context, terminator *Terminator) error {
	_, err := terminator.Invoke(ctx, NewTransactionContext(p.Xid, Confirming), p.ConfirmInvocation, p.EditorStrategy)
	return err
}

func (p *Participant) Rollback(ctx context.Context, terminator *Terminator) error {
	_, err := terminator.Invoke(ctx, NewTransactionContext(p.Xid, Cancelling), p.CancelInvocation, p.EditorStrategy)
	return err
}

// 事务
type Transaction struct {
	Xid          TransactionXid    `json:"xid"`
	Status       TransactionStatus `json:"status"`
	Type         TransactionType   `json:"type"`
	Participants []*Participant    `json:"participants"`
	// 恢复任务已重试的次数
	RetriedCount int `json:"retriedCount"`
	// 乐观锁版本号，由仓储维护
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewTransaction 创建根事务
func NewTransaction() *Transaction {
	now := time.Now()
	return &Transaction{
		Xid:       NewXid(),
		Status:    Trying,
		Type:      Root,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewBranchTransaction 由传播的上下文创建分支事务，沿用上下文中的 xid
func NewBranchTransaction(txCtx *TransactionContext) *Transaction {
	now := time.Now()
	return &Transaction{
		Xid:       txCtx.Xid,
		Status:    Trying,
		Type:      Branch,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ChangeStatus 只修改内存状态，持久化由调用方负责
func (t *Transaction) ChangeStatus(status TransactionStatus) error {
	if !canTransit(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s, xid: %s", ErrIllegalStatusTransition, t.Status, status, t.Xid)
	}
	t.Status = status
	return nil
}

// EnlistParticipant 只追加内存中的参与者，持久化由调用方负责
func (t *Transaction) EnlistParticipant(p *Participant) error {
	if t.Status != Trying {
		return fmt.Errorf("%w, xid: %s, status: %s", ErrParticipantsFrozen, t.Xid, t.Status)
	}
	t.Participants = append(t.Participants, p)
	return nil
}

// Commit 按登记顺序依次 confirm，遇错即停。
// 参与者需保证 confirm 幂等，引擎本身不做去重
func (t *Transaction) Commit(ctx context.Context, terminator *Terminator) error {
	for i, p := range t.Participants {
		if err := p.Commit(ctx, terminator); err != nil {
			return fmt.Errorf("participant[%d] %s.%s: %w", i, p.ConfirmInvocation.TargetType, p.ConfirmInvocation.MethodName, err)
		}
	}
	return nil
}

// Rollback 按登记顺序依次 cancel，遇错即停
func (t *Transaction) Rollback(ctx context.Context, terminator *Terminator) error {
	for i, p := range t.Participants {
		if err := p.Rollback(ctx, terminator); err != nil {
			return fmt.Errorf("participant[%d] %s.%s: %w", i, p.CancelInvocation.TargetType, p.CancelInvocation.MethodName, err)
		}
	}
	return nil
}

func (t *Transaction) touch() {
	t.UpdatedAt = time.Now()
}
