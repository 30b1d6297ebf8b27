package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wfunc/serial-relay/internal/config"
	"github.com/wfunc/serial-relay/internal/database"
	"github.com/wfunc/serial-relay/internal/models"
	"gorm.io/gorm"
)

// SetupTestDB 创建内存测试库并完成迁移
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{
		Driver:      "sqlite",
		DSN:         ":memory:",
		LogLevel:    "silent",
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return db
}

// CreateTestSession 创建测试会话
func CreateTestSession(t *testing.T, repo CaptureRepository, id, device string, startedAt time.Time) *models.CaptureSession {
	t.Helper()
	s := &models.CaptureSession{
		ID:        id,
		Device:    device,
		BaudRate:  115200,
		StartedAt: startedAt,
	}
	require.NoError(t, repo.CreateSession(context.Background(), s))
	return s
}

// CreateTestChunks 为会话写入连续的数据块
func CreateTestChunks(t *testing.T, repo CaptureRepository, sessionID string, payloads ...[]byte) []*models.CaptureChunk {
	t.Helper()
	var offset int64
	chunks := make([]*models.CaptureChunk, 0, len(payloads))
	for i, p := range payloads {
		chunks = append(chunks, &models.CaptureChunk{
			SessionID: sessionID,
			Seq:       uint64(i + 1),
			Offset:    offset,
			Data:      p,
		})
		offset += int64(len(p))
	}
	require.NoError(t, repo.AppendChunks(context.Background(), chunks))
	return chunks
}
