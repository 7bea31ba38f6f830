package tcctransaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MethodFunc 可被延迟调用的方法。参数可能经过持久化往返，
// 实现方应使用 cast / gocast 之类的方式做类型转换
type MethodFunc func(ctx context.Context, args ...interface{}) (interface{}, error)

// MethodSet 一个目标类型下按方法名注册的方法表
type MethodSet map[string]MethodFunc

// InvokerRegistry 目标类型 -> 方法表，启动时注册
type InvokerRegistry struct {
	mux     sync.RWMutex
	targets map[string]MethodSet
}

func NewInvokerRegistry() *InvokerRegistry {
	return &InvokerRegistry{
		targets: make(map[string]MethodSet),
	}
}

func (r *InvokerRegistry) Register(targetType string, methods MethodSet) error {
	if targetType == "" {
		return errors.New("empty target type")
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.targets[targetType]; ok {
		return fmt.Errorf("repeat target type: %s", targetType)
	}
	copied := make(MethodSet, len(methods))
	for name, fn := range methods {
		copied[name] = fn
	}
	r.targets[targetType] = copied
	return nil
}

func (r *InvokerRegistry) Resolve(targetType string) (MethodSet, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	methods, ok := r.targets[targetType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotRegistered, targetType)
	}
	return methods, nil
}

func (r *InvokerRegistry) Method(targetType, methodName string) (MethodFunc, error) {
	methods, err := r.Resolve(targetType)
	if err != nil {
		return nil, err
	}
	fn, ok := methods[methodName]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotRegistered, targetType, methodName)
	}
	return fn, nil
}

// Terminator 执行参与者的 confirm / cancel 调用
type Terminator struct {
	invokers *InvokerRegistry
	editors  *EditorRegistry
}

func NewTerminator(invokers *InvokerRegistry, editors *EditorRegistry) *Terminator {
	if editors == nil {
		editors = NewEditorRegistry()
	}
	return &Terminator{
		invokers: invokers,
		editors:  editors,
	}
}

func (t *Terminator) Editors() *EditorRegistry {
	return t.editors
}

// Invoke 方法名为空时视为无需调用
func (t *Terminator) Invoke(ctx context.Context, txCtx *TransactionContext, invocation InvocationContext, strategy EditorStrategy) (interface{}, error) {
	if invocation.MethodName == "" {
		return nil, nil
	}

	fn, err := t.invokers.Method(invocation.TargetType, invocation.MethodName)
	if err != nil {
		return nil, err
	}
	editor, err := t.editors.Get(strategy)
	if err != nil {
		return nil, err
	}

	// 不修改参与者上持久化的参数
	args := invocation.copyArgs()
	ctx = editor.Set(ctx, txCtx, invocation.TargetType, invocation.MethodName, args)
	return fn(ctx, args...)
}
