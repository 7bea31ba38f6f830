package tcctransaction

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// 有界的异步执行池，满载时立即拒绝而不是阻塞调用方
type asyncPool struct {
	sem    *semaphore.Weighted
	mux    sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newAsyncPool(workers int64) *asyncPool {
	return &asyncPool{
		sem: semaphore.NewWeighted(workers),
	}
}

func (p *asyncPool) submit(task func()) error {
	p.mux.RLock()
	defer p.mux.RUnlock()
	if p.closed {
		return ErrAsyncPoolClosed
	}
	if !p.sem.TryAcquire(1) {
		return ErrAsyncPoolSaturated
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		task()
	}()
	return nil
}

// close 拒绝新任务并等待已投递的任务执行完成
func (p *asyncPool) close() {
	p.mux.Lock()
	p.closed = true
	p.mux.Unlock()
	p.wg.Wait()
}
