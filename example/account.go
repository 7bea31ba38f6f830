package example

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/demdxx/gocast"
	"github.com/xiaoxuxiansheng/redis_lock"

	tcc "github.com/xiaoxuxiansheng/tcctransaction"
	"github.com/xiaoxuxiansheng/tcctransaction/pkg"
	"github.com/xiaoxuxiansheng/tcctransaction/repository"
)

// 参与者侧记录的一个分支的状态
type BranchStatus string

func (b BranchStatus) String() string {
	return string(b)
}

const (
	BranchTried     BranchStatus = "tried"     // 已执行 try 操作
	BranchConfirmed BranchStatus = "confirmed" // 已执行 confirm 操作
	BranchCanceled  BranchStatus = "canceled"  // 已执行 cancel 操作
)

// 一笔业务数据的状态
type DataStatus string

func (d DataStatus) String() string {
	return string(d)
}

const (
	DataFrozen     DataStatus = "frozen"     // 冻结态
	DataSuccessful DataStatus = "successful" // 成功态
)

var ErrRejected = errors.New("request rejected")

const branchLockExpire = 5 * time.Second

// Account 一个基于 redis 的 tcc 参与者。try 冻结业务数据，confirm 置为成功，cancel 解冻。
// confirm / cancel 以分支 xid 为维度幂等，并拒绝 cancel 之后到达的 try（防悬挂）
type Account struct {
	name    string
	client  repository.RedisClient
	newLock repository.LockBuilder
}

func NewAccount(name string, client *redis_lock.Client) *Account {
	return NewAccountWithLock(name, client, func(key string) tcc.Locker {
		return pkg.NewRedisLocker(client, key)
	})
}

func NewAccountWithLock(name string, client repository.RedisClient, newLock repository.LockBuilder) *Account {
	return &Account{
		name:    name,
		client:  client,
		newLock: newLock,
	}
}

func (a *Account) Name() string {
	return a.name
}

// Methods confirm / cancel 注册到 InvokerRegistry 时使用的方法表
func (a *Account) Methods() tcc.MethodSet {
	return tcc.MethodSet{
		"confirm": a.Confirm,
		"cancel":  a.Cancel,
	}
}

func (a *Account) Try(ctx context.Context, txCtx *tcc.TransactionContext, bizID string) error {
	if txCtx == nil {
		return errors.New("try without transaction context")
	}
	branch := txCtx.Xid.String()

	// 基于分支维度加锁
	unlock, err := a.lock(ctx, branch)
	if err != nil {
		return err
	}
	defer unlock()

	status, err := a.branchStatus(ctx, branch)
	if err != nil {
		return err
	}
	switch status {
	case BranchTried, BranchConfirmed: // 重复的 try 请求，给予成功的响应
		return nil
	case BranchCanceled: // 先 cancel，后收到 try 请求，拒绝
		return fmt.Errorf("%w: branch %s already canceled", ErrRejected, branch)
	default:
	}

	// 要求必须从零到一把 bizID 对应的数据置为冻结态
	reply, err := a.client.SetNX(ctx, pkg.BuildDataKey(a.name, bizID), DataFrozen.String())
	if err != nil {
		return err
	}
	if reply != 1 {
		return fmt.Errorf("%w: data %s is occupied", ErrRejected, bizID)
	}

	_, err = a.client.Set(ctx, pkg.BuildBranchKey(a.name, branch), BranchTried.String())
	return err
}

// Confirm args: [*TransactionContext, bizID]
func (a *Account) Confirm(ctx context.Context, args ...interface{}) (interface{}, error) {
	txCtx, bizID, err := a.parseArgs(args)
	if err != nil {
		return nil, err
	}
	branch := txCtx.Xid.String()

	unlock, err := a.lock(ctx, branch)
	if err != nil {
		return nil, err
	}
	defer unlock()

	status, err := a.branchStatus(ctx, branch)
	if err != nil {
		return nil, err
	}
	switch status {
	case BranchConfirmed: // 已 confirm，直接幂等响应为成功
		return true, nil
	case BranchTried: // 只有状态为 tried 放行
	default:
		return nil, fmt.Errorf("%w: confirm branch %s with status %q", ErrRejected, branch, status)
	}

	dataStatus, err := a.client.Get(ctx, pkg.BuildDataKey(a.name, bizID))
	if err != nil {
		return nil, err
	}
	if dataStatus != DataFrozen.String() {
		return nil, fmt.Errorf("%w: data %s with status %q", ErrRejected, bizID, dataStatus)
	}

	if _, err = a.client.Set(ctx, pkg.BuildDataKey(a.name, bizID), DataSuccessful.String()); err != nil {
		return nil, err
	}
	if _, err = a.client.Set(ctx, pkg.BuildBranchKey(a.name, branch), BranchConfirmed.String()); err != nil {
		return nil, err
	}
	return true, nil
}

// Cancel args 同 Confirm。没有执行过 try 的分支（空回滚）同样标记为 canceled
func (a *Account) Cancel(ctx context.Context, args ...interface{}) (interface{}, error) {
	txCtx, bizID, err := a.parseArgs(args)
	if err != nil {
		return nil, err
	}
	branch := txCtx.Xid.String()

	unlock, err := a.lock(ctx, branch)
	if err != nil {
		return nil, err
	}
	defer unlock()

	status, err := a.branchStatus(ctx, branch)
	if err != nil {
		return nil, err
	}
	switch status {
	case BranchCanceled:
		return true, nil
	case BranchConfirmed: // 先 confirm 后 cancel，属于非法的状态扭转链路
		return nil, fmt.Errorf("%w: cancel confirmed branch %s", ErrRejected, branch)
	case BranchTried:
		// 删除对应的 frozen 冻结记录
		if err = a.client.Del(ctx, pkg.BuildDataKey(a.name, bizID)); err != nil {
			return nil, err
		}
	default:
	}

	if _, err = a.client.Set(ctx, pkg.BuildBranchKey(a.name, branch), BranchCanceled.String()); err != nil {
		return nil, err
	}
	return true, nil
}

// DataStatus 查询业务数据状态，不存在时返回空串
func (a *Account) DataStatus(ctx context.Context, bizID string) (DataStatus, error) {
	status, err := a.client.Get(ctx, pkg.BuildDataKey(a.name, bizID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return "", err
	}
	return DataStatus(status), nil
}

func (a *Account) branchStatus(ctx context.Context, branch string) (BranchStatus, error) {
	status, err := a.client.Get(ctx, pkg.BuildBranchKey(a.name, branch))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return "", err
	}
	return BranchStatus(status), nil
}

func (a *Account) lock(ctx context.Context, branch string) (func(), error) {
	lock := a.newLock(pkg.BuildBranchLockKey(a.name, branch))
	if err := lock.Lock(ctx, branchLockExpire); err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Unlock(ctx)
	}, nil
}

// 参数可能经过持久化往返，bizID 使用 gocast 转换
func (a *Account) parseArgs(args []interface{}) (*tcc.TransactionContext, string, error) {
	if len(args) < 2 {
		return nil, "", fmt.Errorf("invalid args of %s: %v", a.name, args)
	}
	txCtx, _ := args[0].(*tcc.TransactionContext)
	if txCtx == nil {
		return nil, "", fmt.Errorf("missing transaction context of %s", a.name)
	}
	return txCtx, gocast.ToString(args[1]), nil
}
