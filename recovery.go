package tcctransaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// TransactionRecovery 周期性扫描长时间未更新的事务记录，重新推进 confirm / cancel。
// 依赖参与者 confirm / cancel 的幂等性
type TransactionRecovery struct {
	ctx        context.Context
	stop       context.CancelFunc
	opts       *RecoverOptions
	manager    *TransactionManager
	repository RecoverableRepository
	limiter    *rate.Limiter
	once       sync.Once
}

func NewTransactionRecovery(manager *TransactionManager, repository RecoverableRepository, opts ...RecoverOption) *TransactionRecovery {
	ctx, cancel := context.WithCancel(context.Background())
	recovery := TransactionRecovery{
		ctx:        ctx,
		stop:       cancel,
		opts:       &RecoverOptions{},
		manager:    manager,
		repository: repository,
	}

	for _, opt := range opts {
		opt(recovery.opts)
	}

	repairRecover(recovery.opts)

	recovery.limiter = rate.NewLimiter(rate.Limit(recovery.opts.RecoverRate), 1)
	return &recovery
}

// Start 启动后台轮询任务，重复调用无副作用
func (r *TransactionRecovery) Start() {
	r.once.Do(func() {
		go r.run()
	})
}

func (r *TransactionRecovery) Stop() {
	r.stop()
}

func (r *TransactionRecovery) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := r.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

func (r *TransactionRecovery) run() {
	var tick time.Duration
	var err error
	for {
		// 如果出现了失败，tick 需要避让，遵循退避策略增大 tick 间隔时长
		if err == nil {
			tick = r.opts.MonitorTick
		} else {
			tick = r.backOffTick(tick)
		}
		select {
		case <-r.ctx.Done():
			return

		case <-time.After(tick):
			if r.opts.Locker != nil {
				// 取锁失败时（大概率被其他节点占有），不对 tick 进行退避升级
				if lerr := r.opts.Locker.Lock(r.ctx, r.opts.MonitorTick); lerr != nil {
					err = nil
					continue
				}
			}

			if err = r.StartRecover(r.ctx); err != nil {
				r.opts.Logger.Errorf("recovery sweep failed, err: %v", err)
			}

			if r.opts.Locker != nil {
				// Stop 之后 r.ctx 已取消，解锁不能依赖它
				_ = r.opts.Locker.Unlock(context.WithoutCancel(r.ctx))
			}
		}
	}
}

// StartRecover 执行一轮恢复，返回本轮所有事务的错误汇总
func (r *TransactionRecovery) StartRecover(ctx context.Context) error {
	txs, err := r.repository.FindAllUnmodifiedSince(ctx, time.Now().Add(-r.opts.RecoverDuration))
	if err != nil {
		return fmt.Errorf("load transactions to recover: %w", err)
	}
	return r.recoverTransactions(ctx, txs)
}

func (r *TransactionRecovery) recoverTransactions(ctx context.Context, txs []*Transaction) error {
	errCh := make(chan error)
	go func() {
		// 并发推进各笔事务，限速由 limiter 控制
		var wg sync.WaitGroup
		for _, tx := range txs {
			if err := r.limiter.Wait(ctx); err != nil {
				errCh <- err
				break
			}

			// shadow
			tx := tx
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := r.recoverTransaction(ctx, tx); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
	}()

	var errs error
	for err := range errCh {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (r *TransactionRecovery) recoverTransaction(ctx context.Context, tx *Transaction) error {
	if tx.RetriedCount > r.opts.MaxRetryCount {
		// 不再重试，保留记录等待人工介入
		r.opts.Logger.Errorf("recover failed with max retry count, will not try again, xid: %s, status: %s, retried count: %d", tx.Xid, tx.Status, tx.RetriedCount)
		r.opts.Metrics.recovered("stuck")
		return nil
	}

	var target TransactionStatus
	switch {
	case tx.Status == Confirming:
		target = Confirming
	case tx.Status == Cancelling:
		target = Cancelling
	case tx.Status == Trying && tx.Type == Root:
		// 超时仍处于 trying 的根事务，直接回滚
		target = Cancelling
	default:
		// trying 的分支事务由根事务负责推进
		return nil
	}

	tx.RetriedCount++
	tx.touch()
	if err := r.repository.Update(ctx, tx); err != nil {
		r.opts.Metrics.recovered("failure")
		return fmt.Errorf("update retried count, xid: %s: %w", tx.Xid, err)
	}

	rctx := context.WithValue(ctx, callContextKey{}, &transactionStack{})
	rctx, current, err := r.manager.PropagationExistBegin(rctx, NewTransactionContext(tx.Xid, target))
	if err != nil {
		// 记录已被其他节点处理完成
		if errors.Is(err, ErrNoExistedTransaction) {
			return nil
		}
		r.opts.Metrics.recovered("failure")
		return err
	}
	defer func() {
		_ = r.manager.CleanAfterCompletion(rctx, current)
	}()

	if target == Confirming {
		err = r.manager.Commit(rctx, false)
	} else {
		err = r.manager.Rollback(rctx, false)
	}
	if err != nil {
		r.opts.Logger.Warnf("recover transaction failed, xid: %s, status: %s, retried count: %d, err: %v", tx.Xid, target, tx.RetriedCount, err)
		r.opts.Metrics.recovered("failure")
		return err
	}

	r.opts.Logger.Infof("recover transaction succeeded, xid: %s, status: %s", tx.Xid, target)
	r.opts.Metrics.recovered("success")
	return nil
}
