package tcctransaction

import (
	"context"
	"sync"
)

// 一个调用上下文内的活跃事务栈，try 阶段在本地重入 compensable 方法时逐层入栈
type transactionStack struct {
	mux sync.Mutex
	txs []*Transaction
}

type callContextKey struct{}

// WithCallContext 为 ctx 挂载一个独立的活跃事务栈。已有栈时原样返回
func WithCallContext(ctx context.Context) context.Context {
	if stackFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, callContextKey{}, &transactionStack{})
}

func stackFrom(ctx context.Context) *transactionStack {
	stack, _ := ctx.Value(callContextKey{}).(*transactionStack)
	return stack
}

func (s *transactionStack) push(tx *Transaction) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.txs = append(s.txs, tx)
}

func (s *transactionStack) peek() *Transaction {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.txs) == 0 {
		return nil
	}
	return s.txs[len(s.txs)-1]
}

func (s *transactionStack) size() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.txs)
}

// popIf 仅当 tx 位于栈顶时出栈；栈空后释放底层切片
func (s *transactionStack) popIf(tx *Transaction) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if len(s.txs) == 0 || s.txs[len(s.txs)-1] != tx {
		return false
	}
	s.txs[len(s.txs)-1] = nil
	s.txs = s.txs[:len(s.txs)-1]
	if len(s.txs) == 0 {
		s.txs = nil
	}
	return true
}
