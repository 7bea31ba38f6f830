package example

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	tcc "github.com/xiaoxuxiansheng/tcctransaction"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
	"github.com/xiaoxuxiansheng/tcctransaction/pkg"
	"github.com/xiaoxuxiansheng/tcctransaction/repository"
)

var transferCompensable = tcc.Compensable{
	ConfirmMethod: "confirm",
	CancelMethod:  "cancel",
	Propagation:   tcc.PropagationRequired,
}

// TransferService 在一个 tcc 事务中冻结两个账户下的业务数据：
// 转出方作为根方法开启事务，转入方在 try 中以普通方法加入
type TransferService struct {
	interceptor *tcc.CompensableInterceptor
	from        *Account
	to          *Account
}

func NewTransferService(interceptor *tcc.CompensableInterceptor, from, to *Account) *TransferService {
	return &TransferService{
		interceptor: interceptor,
		from:        from,
		to:          to,
	}
}

func (t *TransferService) Transfer(ctx context.Context, bizID string) error {
	_, err := t.interceptor.Around(ctx, t.invocation(t.from, bizID), func(ctx context.Context, args []interface{}) (interface{}, error) {
		txCtx, _ := args[0].(*tcc.TransactionContext)
		if err := t.from.Try(ctx, txCtx, bizID); err != nil {
			return nil, err
		}

		return t.interceptor.Around(ctx, t.invocation(t.to, bizID), func(ctx context.Context, args []interface{}) (interface{}, error) {
			txCtx, _ := args[0].(*tcc.TransactionContext)
			return nil, t.to.Try(ctx, txCtx, bizID)
		})
	})
	return err
}

func (t *TransferService) invocation(account *Account, bizID string) *tcc.Invocation {
	return &tcc.Invocation{
		Target:      account.Name(),
		Method:      "try",
		Args:        []interface{}{(*tcc.TransactionContext)(nil), bizID},
		Compensable: transferCompensable,
	}
}

type Config struct {
	DSN           string
	RedisNetwork  string
	RedisAddress  string
	RedisPassword string
	MonitorTick   time.Duration
	// 恢复任务每秒最多推进的事务数
	RecoverRate float64
}

// App 组装好的一套事务引擎：mysql 持久化 + 读缓存、redis 分布式锁、恢复任务与指标
type App struct {
	Manager     *tcc.TransactionManager
	Recovery    *tcc.TransactionRecovery
	Interceptor *tcc.CompensableInterceptor
	Invokers    *tcc.InvokerRegistry
	cache       *repository.CachedRepository
}

func NewApp(conf Config, reg prometheus.Registerer, accounts ...*Account) (*App, error) {
	db, err := pkg.NewDB(conf.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if _, err = pkg.ConfigurePool(db); err != nil {
		return nil, err
	}
	redisClient := pkg.GetRedisClient(conf.RedisNetwork, conf.RedisAddress, conf.RedisPassword)

	gormRepo := repository.NewGormRepository(db)
	cached, err := repository.NewCachedRepository(gormRepo)
	if err != nil {
		return nil, err
	}

	invokers := tcc.NewInvokerRegistry()
	for _, account := range accounts {
		if err := invokers.Register(account.Name(), account.Methods()); err != nil {
			cached.Close()
			return nil, err
		}
	}

	metrics := tcc.NewMetrics(reg)
	manager := tcc.NewTransactionManager(cached, tcc.NewTerminator(invokers, nil), tcc.WithMetrics(metrics))
	recovery := tcc.NewTransactionRecovery(manager, cached,
		tcc.WithMonitorTick(conf.MonitorTick),
		tcc.WithRecoverRate(conf.RecoverRate),
		tcc.WithRecoverLocker(pkg.NewRedisLocker(redisClient, pkg.BuildRecoveryLockKey())),
		tcc.WithRecoverMetrics(metrics),
	)

	return &App{
		Manager:     manager,
		Recovery:    recovery,
		Interceptor: tcc.NewCompensableInterceptor(manager),
		Invokers:    invokers,
		cache:       cached,
	}, nil
}

func (a *App) Start() {
	a.Recovery.Start()
	log.Infof("tcc app started")
}

func (a *App) Stop() {
	a.Recovery.Stop()
	a.Manager.Stop()
	a.cache.Close()
}
