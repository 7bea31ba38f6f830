package tcctransaction

import (
	"context"
	"fmt"
	"sync"
)

// EditorStrategy 事务上下文传播策略的标识，持久化在参与者上
type EditorStrategy string

const (
	// 从方法参数中读写 *TransactionContext
	DefaultEditor EditorStrategy = "default"
	// 不传播事务上下文
	NullEditor EditorStrategy = "null"
	// 通过 context.Context 传播事务上下文
	ContextEditor EditorStrategy = "context"
)

// TransactionContextEditor 在调用信封上读写事务上下文
type TransactionContextEditor interface {
	Get(ctx context.Context, target, method string, args []interface{}) *TransactionContext
	// Set 返回的 ctx 用于后续调用，args 可能被原地修改
	Set(ctx context.Context, txCtx *TransactionContext, target, method string, args []interface{}) context.Context
}

type EditorRegistry struct {
	mux     sync.RWMutex
	editors map[EditorStrategy]TransactionContextEditor
}

// NewEditorRegistry 预置 default / null / context 三种策略
func NewEditorRegistry() *EditorRegistry {
	return &EditorRegistry{
		editors: map[EditorStrategy]TransactionContextEditor{
			DefaultEditor: MethodTransactionContextEditor{},
			NullEditor:    NullableTransactionContextEditor{},
			ContextEditor: CarrierTransactionContextEditor{},
		},
	}
}

// Register 允许覆盖预置策略
func (r *EditorRegistry) Register(strategy EditorStrategy, editor TransactionContextEditor) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.editors[strategy] = editor
}

// Get 空策略视为 default
func (r *EditorRegistry) Get(strategy EditorStrategy) (TransactionContextEditor, error) {
	if strategy == "" {
		strategy = DefaultEditor
	}
	r.mux.RLock()
	defer r.mux.RUnlock()
	editor, ok := r.editors[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEditorNotRegistered, strategy)
	}
	return editor, nil
}

type MethodTransactionContextEditor struct{}

func (MethodTransactionContextEditor) Get(_ context.Context, _, _ string, args []interface{}) *TransactionContext {
	for _, arg := range args {
		if txCtx, ok := arg.(*TransactionContext); ok && txCtx != nil {
			return txCtx
		}
	}
	return nil
}

// Set 把第一个 *TransactionContext 参数替换为 txCtx 的副本
func (MethodTransactionContextEditor) Set(ctx context.Context, txCtx *TransactionContext, _, _ string, args []interface{}) context.Context {
	for i, arg := range args {
		if _, ok := arg.(*TransactionContext); ok {
			copied := *txCtx
			args[i] = &copied
			return ctx
		}
	}
	return ctx
}

type NullableTransactionContextEditor struct{}

func (NullableTransactionContextEditor) Get(context.Context, string, string, []interface{}) *TransactionContext {
	return nil
}

func (NullableTransactionContextEditor) Set(ctx context.Context, _ *TransactionContext, _, _ string, _ []interface{}) context.Context {
	return ctx
}

type carrierKey struct{}

// CarrierTransactionContextEditor 把事务上下文挂在 context.Context 上，
// 由传输层负责把它写入请求头
type CarrierTransactionContextEditor struct{}

func (CarrierTransactionContextEditor) Get(ctx context.Context, _, _ string, _ []interface{}) *TransactionContext {
	return TransactionContextFrom(ctx)
}

func (CarrierTransactionContextEditor) Set(ctx context.Context, txCtx *TransactionContext, _, _ string, _ []interface{}) context.Context {
	return WithTransactionContext(ctx, txCtx)
}

func WithTransactionContext(ctx context.Context, txCtx *TransactionContext) context.Context {
	if txCtx == nil {
		return ctx
	}
	copied := *txCtx
	return context.WithValue(ctx, carrierKey{}, &copied)
}

func TransactionContextFrom(ctx context.Context) *TransactionContext {
	txCtx, _ := ctx.Value(carrierKey{}).(*TransactionContext)
	return txCtx
}
