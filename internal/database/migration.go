package database

import (
	"fmt"

	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/logger"
	"github.com/wfunc/serial-relay/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate 自动迁移捕获表结构
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New(errors.ErrDatabaseConnect, "database not initialized")
	}

	// 同一个SQLite文件只允许一个进程迁移
	if path := sqliteFile(db); path != "" {
		lockFile, err := acquireMigrationLock(path)
		if err != nil {
			return errors.Wrap(err, errors.ErrDatabaseUpdate, "auto migrate")
		}
		defer releaseMigrationLock(lockFile)
	}

	migrationModels := []interface{}{
		&models.CaptureSession{},
		&models.CaptureChunk{},
	}

	for _, model := range migrationModels {
		if err := db.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err))
			return errors.Wrap(err, errors.ErrDatabaseUpdate, "auto migrate")
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	return createIndexes(db)
}

// createIndexes 创建结构体标签以外的组合索引
func createIndexes(db *gorm.DB) error {
	indexes := []struct {
		table string
		name  string
		cols  string
	}{
		{"capture_sessions", "idx_sessions_device_started", "device, started_at"},
	}

	for _, idx := range indexes {
		if db.Migrator().HasIndex(idx.table, idx.name) {
			continue
		}
		sql := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx.name, idx.table, idx.cols)
		if err := db.Exec(sql).Error; err != nil {
			return errors.Wrapf(err, errors.ErrDatabaseUpdate, "create index %s", idx.name)
		}
	}
	return nil
}
