package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"orcha/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 根据配置创建数据库连接，驱动为空时从 DSN 推断。
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("database: dsn is required")
	}

	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = InferDriver(dsn)
		if driver == "" {
			return nil, errors.New("database: driver is required when the dsn does not identify one")
		}
	}

	dialector, err := dialectorFor(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driver, err)
	}
	return db, nil
}

// dialectorFor 按驱动类型返回对应的 Gorm 方言。
func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}
}

// InferDriver 从 DSN 串推断驱动标识，无法判断时返回空串。
func InferDriver(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"), lower == ":memory:":
		return "sqlite"
	}
	path := lower
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if strings.HasSuffix(path, ".db") || strings.HasSuffix(path, ".sqlite") || strings.HasSuffix(path, ".sqlite3") {
		return "sqlite"
	}
	return ""
}
