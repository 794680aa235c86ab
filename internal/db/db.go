package db

import (
	"fmt"
	"strings"
	"time"

	"llmchat/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "sqlite":
		return sqlite.Open(sqliteDSN(dsn)), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// sqlitePragmas 让事务在开始时即取得写锁，并在锁冲突时等待而不是立即失败。
var sqlitePragmas = []string{"_txlock=immediate", "_busy_timeout=5000", "_journal_mode=WAL"}

// sqliteDSN 为 sqlite 文件路径补齐并发写入所需的参数，调用方已显式给出的参数保持不变。
func sqliteDSN(dsn string) string {
	var extra []string
	for _, p := range sqlitePragmas {
		key := p[:strings.IndexByte(p, '=')+1]
		if !strings.Contains(dsn, key) {
			extra = append(extra, p)
		}
	}
	if len(extra) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(extra, "&")
}

// Connect 按驱动建立连接。网络数据库带有简单的重试来等待容器就绪，sqlite 只尝试一次。
func Connect(driver, dsn string) (*gorm.DB, error) {
	d, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	attempts := 10
	if driver == "sqlite" {
		attempts = 1
	}
	var gdb *gorm.DB
	for i := 0; i < attempts; i++ {
		gdb, err = gorm.Open(d, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				err2 = sqlDB.Ping()
			}
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		if i+1 < attempts {
			time.Sleep(time.Duration(500+i*200) * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("connect %s: %w", driver, err)
}

// Migrate 自动迁移用户、会话、对话与消息表。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Session{}, &models.Conversation{}, &models.Message{})
}
