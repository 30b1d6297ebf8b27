package models

import (
	"encoding/hex"
	"time"

	"gorm.io/gorm"
)

// SessionEndReason 捕获会话结束原因
type SessionEndReason string

const (
	EndReasonRunning           SessionEndReason = ""
	EndReasonDeviceUnavailable SessionEndReason = "DEVICE_UNAVAILABLE"
	EndReasonIOError           SessionEndReason = "IO_ERROR"
	EndReasonInterrupted       SessionEndReason = "INTERRUPTED"
	EndReasonShutdown          SessionEndReason = "SHUTDOWN"
)

// CaptureSession 一次转发运行的捕获记录
type CaptureSession struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Device    string     `gorm:"type:varchar(255);not null" json:"device"`
	BaudRate  int        `gorm:"not null" json:"baud_rate"`
	StartedAt time.Time  `gorm:"index;not null" json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Bytes     int64            `gorm:"default:0" json:"bytes"`
	Chunks    int64            `gorm:"default:0" json:"chunks"`
	Dropped   int64            `gorm:"default:0" json:"dropped"`
	EndReason SessionEndReason `gorm:"type:varchar(32)" json:"end_reason,omitempty"`
	ErrorMsg  string           `gorm:"type:text" json:"error_msg,omitempty"`
}

// TableName 指定表名
func (CaptureSession) TableName() string {
	return "capture_sessions"
}

// CaptureChunk 一次读取得到的原始数据块
type CaptureChunk struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(36);uniqueIndex:idx_session_seq;not null" json:"session_id"`
	Seq       uint64    `gorm:"uniqueIndex:idx_session_seq;not null" json:"seq"`
	Offset    int64     `gorm:"not null" json:"offset"`
	Length    int       `gorm:"not null" json:"length"`
	Data      []byte    `gorm:"not null" json:"-"`
	HexData   string    `gorm:"type:text" json:"hex_data"`
	Timestamp int64     `gorm:"index" json:"timestamp"` // Unix毫秒
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (CaptureChunk) TableName() string {
	return "capture_chunks"
}

// BeforeCreate 创建前补全派生字段
func (c *CaptureChunk) BeforeCreate(tx *gorm.DB) error {
	if c.Length == 0 {
		c.Length = len(c.Data)
	}
	if c.HexData == "" {
		c.HexData = hex.EncodeToString(c.Data)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Timestamp == 0 {
		c.Timestamp = c.CreatedAt.UnixMilli()
	}
	return nil
}

// CaptureSessionQuery 会话查询参数
type CaptureSessionQuery struct {
	Device    string     `json:"device,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// CaptureStats 捕获统计
type CaptureStats struct {
	TotalSessions int64 `json:"total_sessions"`
	TotalChunks   int64 `json:"total_chunks"`
	TotalBytes    int64 `json:"total_bytes"`
	MaxChunkSize  int64 `json:"max_chunk_size"`
}
