package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/models"
	"gorm.io/gorm"
)

// CaptureRepository 捕获数据仓储接口
type CaptureRepository interface {
	CreateSession(ctx context.Context, session *models.CaptureSession) error
	CloseSession(ctx context.Context, id string, endedAt time.Time, reason models.SessionEndReason, errMsg string, dropped int64) error
	AppendChunks(ctx context.Context, chunks []*models.CaptureChunk) error
	FindSession(ctx context.Context, id string) (*models.CaptureSession, error)
	ListSessions(ctx context.Context, query *models.CaptureSessionQuery) ([]*models.CaptureSession, int64, error)
	ListChunks(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]*models.CaptureChunk, error)
	EachChunk(ctx context.Context, sessionID string, fn func(*models.CaptureChunk) error) error
	GetStats(ctx context.Context) (*models.CaptureStats, error)
}

// captureRepo 捕获数据仓储实现
type captureRepo struct {
	*BaseRepo
}

// NewCaptureRepository 创建捕获数据仓储
func NewCaptureRepository(db *gorm.DB) CaptureRepository {
	return &captureRepo{BaseRepo: NewBaseRepo(db)}
}

// CreateSession 创建捕获会话
func (r *captureRepo) CreateSession(ctx context.Context, session *models.CaptureSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert, "create capture session")
	}
	return nil
}

// CloseSession 结束会话，字节数和块数按已落库的数据块重新汇总
func (r *captureRepo) CloseSession(ctx context.Context, id string, endedAt time.Time, reason models.SessionEndReason, errMsg string, dropped int64) error {
	return r.Transaction(ctx, func(tx *gorm.DB) error {
		var totals struct {
			Chunks int64
			Bytes  int64
		}
		err := tx.Model(&models.CaptureChunk{}).
			Select("COUNT(*) AS chunks, COALESCE(SUM(length), 0) AS bytes").
			Where("session_id = ?", id).
			Scan(&totals).Error
		if err != nil {
			return errors.Wrap(err, errors.ErrDatabaseQuery, "sum capture chunks")
		}

		res := tx.Model(&models.CaptureSession{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"ended_at":   endedAt,
				"end_reason": reason,
				"error_msg":  errMsg,
				"chunks":     totals.Chunks,
				"bytes":      totals.Bytes,
				"dropped":    dropped,
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, errors.ErrDatabaseUpdate, "close capture session")
		}
		if res.RowsAffected == 0 {
			return errors.Newf(errors.ErrNotFound, "capture session %s", id)
		}
		return nil
	})
}

// AppendChunks 批量写入数据块
func (r *captureRepo) AppendChunks(ctx context.Context, chunks []*models.CaptureChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(chunks, 100).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert, "append capture chunks")
	}
	return nil
}

// FindSession 根据ID获取会话
func (r *captureRepo) FindSession(ctx context.Context, id string) (*models.CaptureSession, error) {
	var session models.CaptureSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf(errors.ErrNotFound, "capture session %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "find capture session")
	}
	return &session, nil
}

// ListSessions 查询会话，按开始时间倒序
func (r *captureRepo) ListSessions(ctx context.Context, query *models.CaptureSessionQuery) ([]*models.CaptureSession, int64, error) {
	db := r.db.WithContext(ctx).Model(&models.CaptureSession{})

	if query.Device != "" {
		db = db.Where("device = ?", query.Device)
	}
	if query.StartTime != nil {
		db = db.Where("started_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("started_at <= ?", *query.EndTime)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrDatabaseQuery, "count capture sessions")
	}

	db = db.Order("started_at DESC")
	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}
	if query.Offset > 0 {
		db = db.Offset(query.Offset)
	}

	var sessions []*models.CaptureSession
	if err := db.Find(&sessions).Error; err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrDatabaseQuery, "list capture sessions")
	}
	return sessions, total, nil
}

// ListChunks 按序号分页读取数据块
func (r *captureRepo) ListChunks(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]*models.CaptureChunk, error) {
	db := r.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}

	var chunks []*models.CaptureChunk
	if err := db.Find(&chunks).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "list capture chunks")
	}
	return chunks, nil
}

// EachChunk 按序号遍历会话的全部数据块
func (r *captureRepo) EachChunk(ctx context.Context, sessionID string, fn func(*models.CaptureChunk) error) error {
	const page = 500
	var after uint64
	for {
		chunks, err := r.ListChunks(ctx, sessionID, after, page)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if err := fn(c); err != nil {
				return err
			}
			after = c.Seq
		}
		if len(chunks) < page {
			return nil
		}
	}
}

// GetStats 获取统计信息
func (r *captureRepo) GetStats(ctx context.Context) (*models.CaptureStats, error) {
	stats := &models.CaptureStats{}

	if err := r.db.WithContext(ctx).Model(&models.CaptureSession{}).Count(&stats.TotalSessions).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "count sessions")
	}

	var chunk struct {
		TotalChunks  int64
		TotalBytes   int64
		MaxChunkSize int64
	}
	err := r.db.WithContext(ctx).Model(&models.CaptureChunk{}).
		Select("COUNT(*) AS total_chunks, COALESCE(SUM(length), 0) AS total_bytes, COALESCE(MAX(length), 0) AS max_chunk_size").
		Scan(&chunk).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "chunk stats")
	}
	stats.TotalChunks = chunk.TotalChunks
	stats.TotalBytes = chunk.TotalBytes
	stats.MaxChunkSize = chunk.MaxChunkSize
	return stats, nil
}
