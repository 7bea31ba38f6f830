package pkg

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var (
	db     *gorm.DB
	dbonce sync.Once
)

func NewDB(dsn string, opts ...gorm.Option) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), opts...)
}

// GetDB 进程内共享的连接池，只有首次调用的 dsn 生效
func GetDB(dsn string) *gorm.DB {
	dbonce.Do(func() {
		var err error
		if db, err = gorm.Open(mysql.Open(dsn), &gorm.Config{}); err != nil {
			panic(fmt.Errorf("failed to connect database, err: %w", err))
		}
	})
	return db
}

// PoolOptions 连接池配置
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type PoolOption func(*PoolOptions)

func WithMaxOpenConns(n int) PoolOption {
	return func(o *PoolOptions) {
		o.MaxOpenConns = n
	}
}

func WithMaxIdleConns(n int) PoolOption {
	return func(o *PoolOptions) {
		o.MaxIdleConns = n
	}
}

func WithConnMaxLifetime(d time.Duration) PoolOption {
	return func(o *PoolOptions) {
		o.ConnMaxLifetime = d
	}
}

// ConfigurePool 调整底层 sql.DB 的连接池参数
func ConfigurePool(gdb *gorm.DB, opts ...PoolOption) (PoolOptions, error) {
	options := PoolOptions{
		MaxOpenConns:    32,
		MaxIdleConns:    8,
		ConnMaxLifetime: time.Hour,
	}
	for _, opt := range opts {
		opt(&options)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return options, err
	}
	sqlDB.SetMaxOpenConns(options.MaxOpenConns)
	sqlDB.SetMaxIdleConns(options.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(options.ConnMaxLifetime)
	return options, nil
}
