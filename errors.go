package tcctransaction

import (
	"errors"
	"fmt"
)

var (
	// 传播的事务上下文在本地没有持久化记录
	ErrNoExistedTransaction = errors.New("no existed transaction")
	// 当前调用上下文没有活跃事务
	ErrNoActiveTransaction = errors.New("no active transaction")
	// 出栈的事务不是栈顶事务
	ErrIllegalTransaction = errors.New("illegal transaction when clean after completion")
	// 事务已离开 trying 状态，参与者列表冻结
	ErrParticipantsFrozen = errors.New("participants are frozen once transaction leaves trying")
	// 非法的状态扭转
	ErrIllegalStatusTransition = errors.New("illegal transaction status transition")

	// 异步线程池已满
	ErrAsyncPoolSaturated = errors.New("async pool saturated")
	// 异步线程池已关闭
	ErrAsyncPoolClosed = errors.New("async pool closed")

	// 仓储层错误
	ErrTransactionExisted = errors.New("transaction already existed")
	ErrOptimisticLock     = errors.New("optimistic lock failed, transaction version changed")

	// 调用器错误
	ErrTargetNotRegistered = errors.New("target not registered")
	ErrMethodNotRegistered = errors.New("method not registered")
	ErrEditorNotRegistered = errors.New("transaction context editor not registered")
)

// SystemError 内部不变量被破坏，属于编程错误，不应重试
type SystemError struct {
	Cause error
}

func newSystemError(cause error) *SystemError {
	return &SystemError{Cause: cause}
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("tcc system error: %v", e.Cause)
}

func (e *SystemError) Unwrap() error {
	return e.Cause
}

// ConfirmingError 推进 confirm 失败，持久化状态已是 confirming，需要由恢复任务重试
type ConfirmingError struct {
	Xid   TransactionXid
	Cause error
	// 异步提交时任务没能投递到线程池
	notStarted bool
}

func (e *ConfirmingError) Error() string {
	if e.notStarted {
		return fmt.Sprintf("confirm not started, xid: %s, err: %v", e.Xid, e.Cause)
	}
	return fmt.Sprintf("confirm failed, xid: %s, err: %v", e.Xid, e.Cause)
}

func (e *ConfirmingError) Unwrap() error {
	return e.Cause
}

// NotStarted 区分"异步投递失败"与"已执行但失败"
func (e *ConfirmingError) NotStarted() bool {
	return e.notStarted
}

// CancellingError 推进 cancel 失败，持久化状态已是 cancelling，需要由恢复任务重试
type CancellingError struct {
	Xid        TransactionXid
	Cause      error
	notStarted bool
}

func (e *CancellingError) Error() string {
	if e.notStarted {
		return fmt.Sprintf("cancel not started, xid: %s, err: %v", e.Xid, e.Cause)
	}
	return fmt.Sprintf("cancel failed, xid: %s, err: %v", e.Xid, e.Cause)
}

func (e *CancellingError) Unwrap() error {
	return e.Cause
}

func (e *CancellingError) NotStarted() bool {
	return e.notStarted
}

// IsSystemError 判断 err 链上是否存在 SystemError
func IsSystemError(err error) bool {
	var sysErr *SystemError
	return errors.As(err, &sysErr)
}
