package tcctransaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/tcctransaction/log"
)

func newTestManager(t *testing.T, opts ...Option) (*TransactionManager, *mockRepository, *InvokerRegistry) {
	repo := newMockRepository()
	invokers := NewInvokerRegistry()
	opts = append([]Option{WithLogger(log.NewNopLogger())}, opts...)
	manager := NewTransactionManager(repo, NewTerminator(invokers, nil), opts...)
	t.Cleanup(manager.Stop)
	return manager, repo, invokers
}

func registerAccounts(t *testing.T, invokers *InvokerRegistry, names ...string) (map[string]*mockAccount, *journal) {
	j := &journal{}
	accounts := make(map[string]*mockAccount, len(names))
	for _, name := range names {
		account := newMockAccount(name, j)
		require.NoError(t, invokers.Register(name, account.methods()))
		accounts[name] = account
	}
	return accounts, j
}

// 持久化过的状态序列只能是 trying* -> (confirming | cancelling)*
func assertMonotonic(t *testing.T, history []TransactionStatus) {
	require.NotEmpty(t, history)
	assert.Equal(t, Trying, history[0])
	for i := 1; i < len(history); i++ {
		assert.True(t, canTransit(history[i-1], history[i]), "illegal transition %s -> %s", history[i-1], history[i])
	}
}

func Test_txmanager_commit_sync(t *testing.T) {
	manager, repo, invokers := newTestManager(t)
	accounts, j := registerAccounts(t, invokers, "svcA")

	ctx, tx, err := manager.Begin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Root, tx.Type)
	assert.Equal(t, Trying, tx.Status)
	assert.Equal(t, tx, manager.CurrentTransaction(ctx))

	require.NoError(t, manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "svcA", 100)))
	require.NoError(t, manager.Commit(ctx, false))
	require.NoError(t, manager.CleanAfterCompletion(ctx, tx))

	assert.Equal(t, []string{"svcA.confirm"}, j.snapshot())
	assert.Equal(t, int64(100), accounts["svcA"].balance())
	assert.False(t, repo.exists(tx.Xid))
	assert.Equal(t, []TransactionStatus{Trying, Trying, Confirming}, repo.statusHistory(tx.Xid))
	assertMonotonic(t, repo.statusHistory(tx.Xid))
	assert.False(t, manager.IsTransactionActive(ctx))
}

func Test_txmanager_rollback_stop_on_failure(t *testing.T) {
	manager, repo, invokers := newTestManager(t)
	accounts, j := registerAccounts(t, invokers, "a", "b")
	accounts["a"].failCancel = 1

	ctx, tx, err := manager.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "a", 1)))
	require.NoError(t, manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "b", 2)))

	err = manager.Rollback(ctx, false)
	var cancelErr *CancellingError
	require.True(t, errors.As(err, &cancelErr))
	assert.False(t, cancelErr.NotStarted())
	assert.Equal(t, tx.Xid, cancelErr.Xid)

	// b 的 cancel 不会被调用
	assert.Equal(t, []string{"a.cancel"}, j.snapshot())
	stored, err := repo.FindByXid(ctx, tx.Xid)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, Cancelling, stored.Status)
	assert.Len(t, stored.Participants, 2)
	assertMonotonic(t, repo.statusHistory(tx.Xid))
}

func Test_txmanager_propagation_exist_begin_not_found(t *testing.T) {
	manager, _, _ := newTestManager(t)

	ctx := WithCallContext(context.Background())
	_, tx, err := manager.PropagationExistBegin(ctx, NewTransactionContext(NewXid(), Confirming))
	assert.True(t, errors.Is(err, ErrNoExistedTransaction))
	assert.Nil(t, tx)
	assert.False(t, manager.IsTransactionActive(ctx))
}

func Test_txmanager_commit_async(t *testing.T) {
	manager, repo, invokers := newTestManager(t)
	accounts, _ := registerAccounts(t, invokers, "a")
	accounts["a"].block = make(chan struct{})

	ctx, tx, err := manager.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "a", 10)))

	// confirm 被阻塞，commit 依然立即返回，且状态已持久化为 confirming
	require.NoError(t, manager.Commit(ctx, true))
	require.NoError(t, manager.CleanAfterCompletion(ctx, tx))
	stored, err := repo.FindByXid(ctx, tx.Xid)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, Confirming, stored.Status)

	close(accounts["a"].block)
	assert.Eventually(t, func() bool {
		return !repo.exists(tx.Xid)
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(10), accounts["a"].balance())
}

func Test_txmanager_async_pool_saturated(t *testing.T) {
	manager, repo, invokers := newTestManager(t, WithAsyncWorkers(1))
	accounts, _ := registerAccounts(t, invokers, "a")
	accounts["a"].block = make(chan struct{})

	ctx1, tx1, err := manager.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.EnlistParticipant(ctx1, newTestParticipant(tx1.Xid.GlobalID, "a", 1)))
	require.NoError(t, manager.Commit(ctx1, true))

	ctx2, tx2, err := manager.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.EnlistParticipant(ctx2, newTestParticipant(tx2.Xid.GlobalID, "a", 2)))
	err = manager.Commit(ctx2, true)

	var confirmErr *ConfirmingError
	require.True(t, errors.As(err, &confirmErr))
	assert.True(t, confirmErr.NotStarted())
	assert.True(t, errors.Is(err, ErrAsyncPoolSaturated))

	// 持久化记录仍为 confirming，等待恢复任务
	stored, err := repo.FindByXid(context.Background(), tx2.Xid)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, Confirming, stored.Status)

	close(accounts["a"].block)
	assert.Eventually(t, func() bool {
		return !repo.exists(tx1.Xid)
	}, time.Second, 10*time.Millisecond)
}

func Test_txmanager_redrive_relies_on_participant_idempotence(t *testing.T) {
	manager, repo, invokers := newTestManager(t)
	accounts, j := registerAccounts(t, invokers, "a", "b")
	accounts["b"].failConfirm = 1

	ctx, tx, err := manager.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "a", 100)))
	require.NoError(t, manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "b", 200)))

	var confirmErr *ConfirmingError
	require.True(t, errors.As(manager.Commit(ctx, false), &confirmErr))
	require.NoError(t, manager.CleanAfterCompletion(ctx, tx))
	assert.True(t, repo.exists(tx.Xid))
	assert.Equal(t, int64(100), accounts["a"].balance())

	// 模拟恢复任务：从持久化记录恢复后重新推进
	rctx, resumed, err := manager.PropagationExistBegin(context.Background(), NewTransactionContext(tx.Xid, Confirming))
	require.NoError(t, err)
	require.NoError(t, manager.Commit(rctx, false))
	require.NoError(t, manager.CleanAfterCompletion(rctx, resumed))

	// 引擎不会跳过 a，a 的幂等保证金额只生效一次
	assert.Equal(t, []string{"a.confirm", "b.confirm", "a.confirm", "b.confirm"}, j.snapshot())
	assert.Equal(t, int64(100), accounts["a"].balance())
	assert.Equal(t, int64(200), accounts["b"].balance())
	assert.False(t, repo.exists(tx.Xid))
	assertMonotonic(t, repo.statusHistory(tx.Xid))
}

func Test_txmanager_enlistment_order(t *testing.T) {
	tests := []struct {
		name   string
		drive  func(m *TransactionManager, ctx context.Context) error
		expect []string
	}{
		{
			name: "commit",
			drive: func(m *TransactionManager, ctx context.Context) error {
				return m.Commit(ctx, false)
			},
			expect: []string{"a.confirm", "b.confirm", "c.confirm"},
		},
		{
			name: "rollback",
			drive: func(m *TransactionManager, ctx context.Context) error {
				return m.Rollback(ctx, false)
			},
			expect: []string{"a.cancel", "b.cancel", "c.cancel"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, repo, invokers := newTestManager(t)
			_, j := registerAccounts(t, invokers, "a", "b", "c")

			ctx, tx, err := manager.Begin(context.Background())
			require.NoError(t, err)
			for _, name := range []string{"a", "b", "c"} {
				require.NoError(t, manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, name, 1)))
			}
			require.NoError(t, tt.drive(manager, ctx))
			assert.Equal(t, tt.expect, j.snapshot())
			assert.False(t, repo.exists(tx.Xid))
		})
	}
}

func Test_txmanager_clean_after_completion(t *testing.T) {
	manager, _, _ := newTestManager(t)

	ctx, outer, err := manager.Begin(context.Background())
	require.NoError(t, err)
	ctx, inner, err := manager.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, inner, manager.CurrentTransaction(ctx))

	// 非栈顶事务出栈失败，栈保持不变
	err = manager.CleanAfterCompletion(ctx, outer)
	assert.True(t, IsSystemError(err))
	assert.True(t, errors.Is(err, ErrIllegalTransaction))
	assert.Equal(t, inner, manager.CurrentTransaction(ctx))

	require.NoError(t, manager.CleanAfterCompletion(ctx, inner))
	assert.Equal(t, outer, manager.CurrentTransaction(ctx))
	require.NoError(t, manager.CleanAfterCompletion(ctx, outer))
	assert.False(t, manager.IsTransactionActive(ctx))
	assert.Nil(t, manager.CurrentTransaction(ctx))

	// 栈已空时为空操作
	assert.NoError(t, manager.CleanAfterCompletion(ctx, outer))
}

func Test_txmanager_no_active_transaction(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		f    func() error
	}{
		{
			name: "enlist",
			f: func() error {
				return manager.EnlistParticipant(ctx, newTestParticipant("g", "a", 1))
			},
		},
		{
			name: "commit",
			f: func() error {
				return manager.Commit(ctx, false)
			},
		},
		{
			name: "rollback",
			f: func() error {
				return manager.Rollback(ctx, true)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f()
			assert.True(t, IsSystemError(err))
			assert.True(t, errors.Is(err, ErrNoActiveTransaction))
		})
	}
}

func Test_txmanager_propagation_new_begin(t *testing.T) {
	manager, repo, _ := newTestManager(t)

	branchXid := NewBranchXid(NewXid().GlobalID)
	ctx, tx, err := manager.PropagationNewBegin(context.Background(), NewTransactionContext(branchXid, Trying))
	require.NoError(t, err)
	assert.Equal(t, Branch, tx.Type)
	assert.Equal(t, Trying, tx.Status)
	assert.True(t, tx.Xid.Equal(branchXid))
	assert.True(t, repo.exists(branchXid))
	assert.Equal(t, tx, manager.CurrentTransaction(ctx))

	// 同一个 xid 不能重复创建
	_, _, err = manager.PropagationNewBegin(context.Background(), NewTransactionContext(branchXid, Trying))
	assert.True(t, errors.Is(err, ErrTransactionExisted))

	_, _, err = manager.PropagationNewBegin(context.Background(), nil)
	assert.True(t, IsSystemError(err))
}

func Test_txmanager_illegal_status_transition(t *testing.T) {
	manager, repo, invokers := newTestManager(t)
	accounts, _ := registerAccounts(t, invokers, "a")
	accounts["a"].failConfirm = 1

	ctx, tx, err := manager.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "a", 1)))
	require.Error(t, manager.Commit(ctx, false))

	// confirming 之后不能再 cancel，也不能回到 trying
	assert.True(t, IsSystemError(manager.Rollback(ctx, false)))
	assert.Equal(t, Confirming, tx.Status)

	_, _, err = manager.PropagationExistBegin(context.Background(), NewTransactionContext(tx.Xid, Trying))
	assert.True(t, errors.Is(err, ErrIllegalStatusTransition))

	// 参与者列表已冻结
	err = manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "a", 1))
	assert.True(t, errors.Is(err, ErrParticipantsFrozen))
	assertMonotonic(t, repo.statusHistory(tx.Xid))
}

func Test_txmanager_update_failure(t *testing.T) {
	manager, repo, invokers := newTestManager(t)
	registerAccounts(t, invokers, "a")

	ctx, tx, err := manager.Begin(context.Background())
	require.NoError(t, err)

	repo.updateErr = errors.New("db unavailable")
	err = manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "a", 1))
	assert.Error(t, err)
	assert.Empty(t, tx.Participants)

	// 状态写入失败时不是 ConfirmingError，内存状态还原
	err = manager.Commit(ctx, false)
	var confirmErr *ConfirmingError
	assert.False(t, errors.As(err, &confirmErr))
	assert.Equal(t, Trying, tx.Status)

	repo.updateErr = nil
	require.NoError(t, manager.Commit(ctx, false))
	assert.False(t, repo.exists(tx.Xid))

	// 删除不存在的记录不报错
	assert.NoError(t, repo.Delete(ctx, tx))
}

func Test_txmanager_concurrent_call_contexts(t *testing.T) {
	manager, repo, invokers := newTestManager(t)
	accounts, _ := registerAccounts(t, invokers, "a")

	concurrentTXs := 50
	xids := make(chan TransactionXid, concurrentTXs)
	var wg sync.WaitGroup
	for i := 0; i < concurrentTXs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, tx, err := manager.Begin(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer func() {
				assert.NoError(t, manager.CleanAfterCompletion(ctx, tx))
			}()
			if err := manager.EnlistParticipant(ctx, newTestParticipant(tx.Xid.GlobalID, "a", cast.ToInt64(i))); err != nil {
				t.Error(err)
				return
			}
			// 每个调用上下文只看到自己的事务
			assert.Equal(t, tx, manager.CurrentTransaction(ctx))
			assert.NoError(t, manager.Commit(ctx, i%2 == 0))
			xids <- tx.Xid
		}(i)
	}
	wg.Wait()
	close(xids)

	for x := range xids {
		x := x
		assert.Eventually(t, func() bool {
			return !repo.exists(x)
		}, time.Second, 10*time.Millisecond)
	}
	// 0 + 1 + ... + 49
	assert.Eventually(t, func() bool {
		return accounts["a"].balance() == int64(1225)
	}, time.Second, 10*time.Millisecond)
}
