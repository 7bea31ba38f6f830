package tcctransaction

import (
	"context"
	"errors"
	"fmt"
)

const (
	actionConfirm = "confirm"
	actionCancel  = "cancel"
)

// 1. 事务持久化模块
// 2. 调用上下文内的活跃事务栈
// 3. confirm / cancel 的同步、异步推进
type TransactionManager struct {
	opts       *Options
	repository TransactionRepository
	terminator *Terminator
	pool       *asyncPool
}

func NewTransactionManager(repository TransactionRepository, terminator *Terminator, opts ...Option) *TransactionManager {
	txManager := TransactionManager{
		opts:       &Options{},
		repository: repository,
		terminator: terminator,
	}

	for _, opt := range opts {
		opt(txManager.opts)
	}

	repair(txManager.opts)

	txManager.pool = newAsyncPool(txManager.opts.AsyncWorkers)
	return &txManager
}

// Stop 拒绝新的异步任务，并等待已投递的任务执行完成
func (t *TransactionManager) Stop() {
	t.pool.close()
}

func (t *TransactionManager) Terminator() *Terminator {
	return t.terminator
}

// Begin 开启根事务。返回的 ctx 携带活跃事务栈，后续调用需使用它
func (t *TransactionManager) Begin(ctx context.Context) (context.Context, *Transaction, error) {
	tx := NewTransaction()
	if err := t.repository.Create(ctx, tx); err != nil {
		return ctx, nil, fmt.Errorf("create transaction %s: %w", tx.Xid, err)
	}

	t.opts.Metrics.begin("begin", Root)
	return t.registerTransaction(ctx, tx), tx, nil
}

// PropagationNewBegin 由上游传播的上下文创建分支事务，xid 保持不变
func (t *TransactionManager) PropagationNewBegin(ctx context.Context, txCtx *TransactionContext) (context.Context, *Transaction, error) {
	if txCtx == nil || txCtx.Xid.IsZero() {
		return ctx, nil, newSystemError(errors.New("propagation new begin without transaction context"))
	}

	tx := NewBranchTransaction(txCtx)
	if err := t.repository.Create(ctx, tx); err != nil {
		return ctx, nil, fmt.Errorf("create branch transaction %s: %w", tx.Xid, err)
	}

	t.opts.Metrics.begin("propagation_new", Branch)
	return t.registerTransaction(ctx, tx), tx, nil
}

// PropagationExistBegin 从持久化记录恢复事务，并把状态同步为上下文携带的状态
func (t *TransactionManager) PropagationExistBegin(ctx context.Context, txCtx *TransactionContext) (context.Context, *Transaction, error) {
	if txCtx == nil || txCtx.Xid.IsZero() {
		return ctx, nil, newSystemError(errors.New("propagation exist begin without transaction context"))
	}

	tx, err := t.repository.FindByXid(ctx, txCtx.Xid)
	if err != nil {
		return ctx, nil, fmt.Errorf("find transaction %s: %w", txCtx.Xid, err)
	}
	if tx == nil {
		return ctx, nil, fmt.Errorf("%w: %s", ErrNoExistedTransaction, txCtx.Xid)
	}

	status, err := StatusOf(txCtx.Status)
	if err != nil {
		return ctx, nil, newSystemError(err)
	}
	if err := tx.ChangeStatus(status); err != nil {
		return ctx, nil, newSystemError(err)
	}

	t.opts.Metrics.begin("propagation_exist", tx.Type)
	return t.registerTransaction(ctx, tx), tx, nil
}

// CurrentTransaction 当前调用上下文的栈顶事务
func (t *TransactionManager) CurrentTransaction(ctx context.Context) *Transaction {
	stack := stackFrom(ctx)
	if stack == nil {
		return nil
	}
	return stack.peek()
}

func (t *TransactionManager) IsTransactionActive(ctx context.Context) bool {
	stack := stackFrom(ctx)
	return stack != nil && stack.size() > 0
}

// EnlistParticipant 把参与者登记到当前事务并持久化
func (t *TransactionManager) EnlistParticipant(ctx context.Context, p *Participant) error {
	tx := t.CurrentTransaction(ctx)
	if tx == nil {
		return newSystemError(ErrNoActiveTransaction)
	}

	if err := tx.EnlistParticipant(p); err != nil {
		return newSystemError(err)
	}
	tx.touch()
	if err := t.repository.Update(ctx, tx); err != nil {
		// 持久化失败时撤销内存中的登记
		tx.Participants = tx.Participants[:len(tx.Participants)-1]
		return fmt.Errorf("enlist participant, xid: %s: %w", tx.Xid, err)
	}
	return nil
}

// Commit 状态置为 confirming 并持久化，然后同步或异步推进 confirm。
// 异步模式下投递失败返回 NotStarted 的 ConfirmingError
func (t *TransactionManager) Commit(ctx context.Context, async bool) error {
	tx, err := t.transit(ctx, Confirming)
	if err != nil {
		return err
	}

	if async {
		dctx := detach(ctx)
		if err := t.pool.submit(func() { _ = t.commitTransaction(dctx, tx, true) }); err != nil {
			t.opts.Logger.Warnf("compensable transaction async submit confirm failed, recovery job will try to confirm later, xid: %s, err: %v", tx.Xid, err)
			t.opts.Metrics.saturated(actionConfirm)
			t.opts.Metrics.complete(actionConfirm, true, "not_started")
			return &ConfirmingError{Xid: tx.Xid, Cause: err, notStarted: true}
		}
		return nil
	}

	return t.commitTransaction(ctx, tx, false)
}

// Rollback 与 Commit 对称
func (t *TransactionManager) Rollback(ctx context.Context, async bool) error {
	tx, err := t.transit(ctx, Cancelling)
	if err != nil {
		return err
	}

	if async {
		dctx := detach(ctx)
		if err := t.pool.submit(func() { _ = t.rollbackTransaction(dctx, tx, true) }); err != nil {
			t.opts.Logger.Warnf("compensable transaction async submit cancel failed, recovery job will try to cancel later, xid: %s, err: %v", tx.Xid, err)
			t.opts.Metrics.saturated(actionCancel)
			t.opts.Metrics.complete(actionCancel, true, "not_started")
			return &CancellingError{Xid: tx.Xid, Cause: err, notStarted: true}
		}
		return nil
	}

	return t.rollbackTransaction(ctx, tx, false)
}

// CleanAfterCompletion 事务结束，仅当 tx 位于栈顶时出栈
func (t *TransactionManager) CleanAfterCompletion(ctx context.Context, tx *Transaction) error {
	if tx == nil || !t.IsTransactionActive(ctx) {
		return nil
	}
	if !stackFrom(ctx).popIf(tx) {
		return newSystemError(ErrIllegalTransaction)
	}
	return nil
}

// 修改当前事务状态并持久化，持久化失败时还原内存状态
func (t *TransactionManager) transit(ctx context.Context, status TransactionStatus) (*Transaction, error) {
	tx := t.CurrentTransaction(ctx)
	if tx == nil {
		return nil, newSystemError(ErrNoActiveTransaction)
	}

	prev := tx.Status
	if err := tx.ChangeStatus(status); err != nil {
		return nil, newSystemError(err)
	}
	tx.touch()
	if err := t.repository.Update(ctx, tx); err != nil {
		tx.Status = prev
		return nil, fmt.Errorf("update transaction %s to %s: %w", tx.Xid, status, err)
	}
	return tx, nil
}

func (t *TransactionManager) commitTransaction(ctx context.Context, tx *Transaction, async bool) error {
	// 调用参与者的 confirm；失败时保留持久化记录，交给恢复任务重试
	err := tx.Commit(ctx, t.terminator)
	if err == nil {
		// 事务结束，删除持久化记录
		err = t.repository.Delete(ctx, tx)
	}
	if err != nil {
		t.opts.Logger.Warnf("compensable transaction confirm failed, recovery job will try to confirm later, xid: %s, err: %v", tx.Xid, err)
		t.opts.Metrics.complete(actionConfirm, async, "failure")
		return &ConfirmingError{Xid: tx.Xid, Cause: err}
	}

	t.opts.Metrics.complete(actionConfirm, async, "success")
	return nil
}

func (t *TransactionManager) rollbackTransaction(ctx context.Context, tx *Transaction, async bool) error {
	err := tx.Rollback(ctx, t.terminator)
	if err == nil {
		err = t.repository.Delete(ctx, tx)
	}
	if err != nil {
		t.opts.Logger.Warnf("compensable transaction cancel failed, recovery job will try to cancel later, xid: %s, err: %v", tx.Xid, err)
		t.opts.Metrics.complete(actionCancel, async, "failure")
		return &CancellingError{Xid: tx.Xid, Cause: err}
	}

	t.opts.Metrics.complete(actionCancel, async, "success")
	return nil
}

func (t *TransactionManager) registerTransaction(ctx context.Context, tx *Transaction) context.Context {
	ctx = WithCallContext(ctx)
	stackFrom(ctx).push(tx)
	return ctx
}

// 异步推进不受调用方取消影响，并拥有独立的活跃事务栈
func detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), callContextKey{}, &transactionStack{})
}
