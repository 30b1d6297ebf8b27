package database

import (
	"fmt"
	"os"
	"time"

	"github.com/wfunc/serial-relay/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 锁文件超过该时长视为残留
const staleLockAge = 5 * time.Minute

var (
	lockAttempts = 30
	lockInterval = time.Second
)

// acquireMigrationLock 获取迁移锁，转发进程与导出命令可能同时打开同一个库
func acquireMigrationLock(dbPath string) (*os.File, error) {
	lockPath := dbPath + ".migration.lock"

	for i := 0; i < lockAttempts; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			logger.Debug("获取迁移锁成功", zap.String("lock", lockPath))
			return lockFile, nil
		}

		if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > staleLockAge {
			logger.Warn("迁移锁文件过期，尝试删除", zap.String("lock", lockPath))
			os.Remove(lockPath)
			continue
		}

		logger.Debug("等待迁移锁...", zap.Int("attempt", i+1))
		time.Sleep(lockInterval)
	}

	return nil, fmt.Errorf("migration lock %s held by another process", lockPath)
}

// releaseMigrationLock 释放迁移锁
func releaseMigrationLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}

	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
	logger.Debug("释放迁移锁", zap.String("lock", lockPath))
}

// sqliteFile 返回SQLite主库文件路径，内存库或其他驱动返回空
func sqliteFile(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "sqlite", "sqlite3":
	default:
		return ""
	}

	sqlDB, err := db.DB()
	if err != nil {
		return ""
	}
	var seq int
	var name, file string
	if err := sqlDB.QueryRow("PRAGMA database_list").Scan(&seq, &name, &file); err != nil {
		return ""
	}
	return file
}
