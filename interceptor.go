package tcctransaction

import (
	"context"
	"errors"
	"fmt"
)

// 事务传播行为
type Propagation int

const (
	// 没有活跃事务时开启根事务
	PropagationRequired Propagation = iota
	// 有活跃事务时加入，否则按普通方法执行
	PropagationSupports
	// 必须存在活跃事务或传播的上下文
	PropagationMandatory
	// 总是开启新的根事务
	PropagationRequiresNew
)

// Compensable 描述一个可补偿的方法：confirm / cancel 方法名以及上下文传播策略
type Compensable struct {
	ConfirmMethod  string
	CancelMethod   string
	EditorStrategy EditorStrategy
	Propagation    Propagation
	AsyncConfirm   bool
	AsyncCancel    bool
}

// 方法在事务中的角色
type MethodRole int

const (
	RoleNormal MethodRole = iota
	RoleRoot
	RoleProvider
)

func CalculateMethodRole(propagation Propagation, isTransactionActive bool, txCtx *TransactionContext) (MethodRole, error) {
	switch {
	case (propagation == PropagationRequired && !isTransactionActive && txCtx == nil) || propagation == PropagationRequiresNew:
		return RoleRoot, nil
	case (propagation == PropagationRequired || propagation == PropagationMandatory) && !isTransactionActive && txCtx != nil:
		return RoleProvider, nil
	case propagation == PropagationMandatory && !isTransactionActive && txCtx == nil:
		return RoleNormal, newSystemError(errors.New("no active transaction while propagation is mandatory"))
	default:
		return RoleNormal, nil
	}
}

// Invocation 一次被拦截的业务调用
type Invocation struct {
	// 目标类型，需已在 InvokerRegistry 中注册 confirm / cancel 方法
	Target      string
	Method      string
	Args        []interface{}
	Compensable Compensable
}

// Proceed 执行被拦截的业务方法，args 中的事务上下文可能已被编辑
type Proceed func(ctx context.Context, args []interface{}) (interface{}, error)

// ResourceCoordinator 在 try 阶段登记参与者
type ResourceCoordinator struct {
	manager *TransactionManager
}

func NewResourceCoordinator(manager *TransactionManager) *ResourceCoordinator {
	return &ResourceCoordinator{manager: manager}
}

// Enlist 仅在当前事务处于 trying 时登记参与者；
// 调用信封上还没有事务上下文时，写入一个指向新分支的上下文
func (r *ResourceCoordinator) Enlist(ctx context.Context, inv *Invocation) (context.Context, error) {
	tx := r.manager.CurrentTransaction(ctx)
	if tx == nil || tx.Status != Trying {
		return ctx, nil
	}

	editor, err := r.manager.Terminator().Editors().Get(inv.Compensable.EditorStrategy)
	if err != nil {
		return ctx, newSystemError(err)
	}

	// 信封上已有上下文（服务提供方）时沿用其 xid，try 与 confirm / cancel 看到同一个分支
	var x TransactionXid
	if txCtx := editor.Get(ctx, inv.Target, inv.Method, inv.Args); txCtx != nil {
		x = txCtx.Xid
	} else {
		x = NewBranchXid(tx.Xid.GlobalID)
		ctx = editor.Set(ctx, NewTransactionContext(x, Trying), inv.Target, inv.Method, inv.Args)
	}

	participant := NewParticipant(
		x,
		NewInvocationContext(inv.Target, inv.Compensable.ConfirmMethod, inv.Args...),
		NewInvocationContext(inv.Target, inv.Compensable.CancelMethod, inv.Args...),
		inv.Compensable.EditorStrategy,
	)
	if err := r.manager.EnlistParticipant(ctx, participant); err != nil {
		return ctx, err
	}
	return ctx, nil
}

// CompensableInterceptor 包裹可补偿方法，负责事务的开启、提交、回滚与清理
type CompensableInterceptor struct {
	manager     *TransactionManager
	coordinator *ResourceCoordinator
}

func NewCompensableInterceptor(manager *TransactionManager) *CompensableInterceptor {
	return &CompensableInterceptor{
		manager:     manager,
		coordinator: NewResourceCoordinator(manager),
	}
}

func (c *CompensableInterceptor) Around(ctx context.Context, inv *Invocation, proceed Proceed) (interface{}, error) {
	editor, err := c.manager.Terminator().Editors().Get(inv.Compensable.EditorStrategy)
	if err != nil {
		return nil, newSystemError(err)
	}
	txCtx := editor.Get(ctx, inv.Target, inv.Method, inv.Args)

	role, err := CalculateMethodRole(inv.Compensable.Propagation, c.manager.IsTransactionActive(ctx), txCtx)
	if err != nil {
		return nil, err
	}

	switch role {
	case RoleRoot:
		return c.rootMethodProceed(ctx, inv, proceed)
	case RoleProvider:
		return c.providerMethodProceed(ctx, inv, txCtx, proceed)
	default:
		return c.normalMethodProceed(ctx, inv, proceed)
	}
}

func (c *CompensableInterceptor) rootMethodProceed(ctx context.Context, inv *Invocation, proceed Proceed) (result interface{}, err error) {
	ctx, tx, err := c.manager.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := c.manager.CleanAfterCompletion(ctx, tx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if ctx, err = c.coordinator.Enlist(ctx, inv); err != nil {
		return nil, err
	}

	result, err = proceed(ctx, inv.Args)
	if err != nil {
		// try 失败，回滚。回滚失败由恢复任务兜底，调用方看到的仍是 try 的错误
		if rerr := c.manager.Rollback(ctx, inv.Compensable.AsyncCancel); rerr != nil {
			c.manager.opts.Logger.Warnf("compensable transaction rollback after try failure failed, xid: %s, err: %v", tx.Xid, rerr)
		}
		return nil, err
	}

	if err = c.manager.Commit(ctx, inv.Compensable.AsyncConfirm); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *CompensableInterceptor) providerMethodProceed(ctx context.Context, inv *Invocation, txCtx *TransactionContext, proceed Proceed) (result interface{}, err error) {
	status, err := StatusOf(txCtx.Status)
	if err != nil {
		return nil, newSystemError(err)
	}

	var tx *Transaction
	defer func() {
		if tx == nil {
			return
		}
		if cerr := c.manager.CleanAfterCompletion(ctx, tx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	switch status {
	case Trying:
		if ctx, tx, err = c.manager.PropagationNewBegin(ctx, txCtx); err != nil {
			return nil, err
		}
		if ctx, err = c.coordinator.Enlist(ctx, inv); err != nil {
			return nil, err
		}
		return proceed(ctx, inv.Args)

	case Confirming:
		if ctx, tx, err = c.manager.PropagationExistBegin(ctx, txCtx); err != nil {
			// 本地没有记录，说明已经 confirm 完成并删除
			if errors.Is(err, ErrNoExistedTransaction) {
				return nil, nil
			}
			return nil, err
		}
		return nil, c.manager.Commit(ctx, inv.Compensable.AsyncConfirm)

	case Cancelling:
		if ctx, tx, err = c.manager.PropagationExistBegin(ctx, txCtx); err != nil {
			if errors.Is(err, ErrNoExistedTransaction) {
				return nil, nil
			}
			return nil, err
		}
		return nil, c.manager.Rollback(ctx, inv.Compensable.AsyncCancel)
	}

	return nil, newSystemError(fmt.Errorf("unexpected transaction status: %s", status))
}

func (c *CompensableInterceptor) normalMethodProceed(ctx context.Context, inv *Invocation, proceed Proceed) (interface{}, error) {
	ctx, err := c.coordinator.Enlist(ctx, inv)
	if err != nil {
		return nil, err
	}
	return proceed(ctx, inv.Args)
}
