package tcctransaction

import (
	"time"

	"github.com/xiaoxuxiansheng/tcctransaction/log"
)

type Options struct {
	// 异步 confirm / cancel 的最大并发数
	AsyncWorkers int64
	Logger       log.Logger
	Metrics      *Metrics
}

type Option func(*Options)

func WithAsyncWorkers(n int64) Option {
	if n <= 0 {
		n = 64
	}

	return func(o *Options) {
		o.AsyncWorkers = n
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *Options) {
		o.Metrics = metrics
	}
}

func repair(o *Options) {
	if o.AsyncWorkers <= 0 {
		o.AsyncWorkers = 64
	}

	if o.Logger == nil {
		o.Logger = log.GetDefaultLogger()
	}

	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
}

type RecoverOptions struct {
	// 记录多久未更新才视为需要恢复
	RecoverDuration time.Duration
	// 超过该次数后不再重试，只告警
	MaxRetryCount int
	// 轮询监控任务间隔时长
	MonitorTick time.Duration
	// 每秒最多推进的事务数
	RecoverRate float64
	// 分布式锁，为空时不加锁
	Locker  Locker
	Logger  log.Logger
	Metrics *Metrics
}

type RecoverOption func(*RecoverOptions)

func WithRecoverDuration(d time.Duration) RecoverOption {
	if d <= 0 {
		d = 120 * time.Second
	}

	return func(o *RecoverOptions) {
		o.RecoverDuration = d
	}
}

func WithMaxRetryCount(n int) RecoverOption {
	if n <= 0 {
		n = 30
	}

	return func(o *RecoverOptions) {
		o.MaxRetryCount = n
	}
}

func WithMonitorTick(tick time.Duration) RecoverOption {
	if tick <= 0 {
		tick = 10 * time.Second
	}

	return func(o *RecoverOptions) {
		o.MonitorTick = tick
	}
}

func WithRecoverRate(perSecond float64) RecoverOption {
	return func(o *RecoverOptions) {
		o.RecoverRate = perSecond
	}
}

func WithRecoverLocker(locker Locker) RecoverOption {
	return func(o *RecoverOptions) {
		o.Locker = locker
	}
}

func WithRecoverLogger(logger log.Logger) RecoverOption {
	return func(o *RecoverOptions) {
		o.Logger = logger
	}
}

func WithRecoverMetrics(metrics *Metrics) RecoverOption {
	return func(o *RecoverOptions) {
		o.Metrics = metrics
	}
}

func repairRecover(o *RecoverOptions) {
	if o.RecoverDuration <= 0 {
		o.RecoverDuration = 120 * time.Second
	}

	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = 30
	}

	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}

	if o.RecoverRate <= 0 {
		o.RecoverRate = 100
	}

	if o.Logger == nil {
		o.Logger = log.GetDefaultLogger()
	}

	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
}
