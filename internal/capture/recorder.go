package capture

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/serial-relay/internal/config"
	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/logger"
	"github.com/wfunc/serial-relay/internal/models"
	"github.com/wfunc/serial-relay/internal/repository"
	"go.uber.org/zap"
)

const closeTimeout = 5 * time.Second

// Options 录制参数
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// OptionsFromConfig 从捕获配置生成录制参数
func OptionsFromConfig(cfg *config.CaptureConfig) Options {
	return Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		QueueSize:     cfg.QueueSize,
	}
}

// Stats 录制计数
type Stats struct {
	SessionID string `json:"session_id"`
	Queued    int64  `json:"queued"`
	Recorded  int64  `json:"recorded"`
	Dropped   int64  `json:"dropped"`
}

// Recorder 把转发的数据块异步写入数据库。
// 队列满或写库失败的数据块计入 Dropped，不会阻塞转发。
type Recorder struct {
	repo    repository.CaptureRepository
	logger  *zap.Logger
	opts    Options
	session *models.CaptureSession

	bufferCh chan *models.CaptureChunk
	buffer   []*models.CaptureChunk
	stopCh   chan struct{}
	doneCh   chan struct{}

	offset   int64 // 仅由转发协程访问
	queued   atomic.Int64
	recorded atomic.Int64
	dropped  atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Start 创建捕获会话并启动后台写入协程
func Start(ctx context.Context, repo repository.CaptureRepository, device string, baud int, opts Options) (*Recorder, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	session := &models.CaptureSession{
		ID:        uuid.New().String(),
		Device:    device,
		BaudRate:  baud,
		StartedAt: time.Now(),
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	r := &Recorder{
		repo:     repo,
		logger:   logger.WithModule("capture").With(zap.String("session", session.ID)),
		opts:     opts,
		session:  session,
		bufferCh: make(chan *models.CaptureChunk, opts.QueueSize),
		buffer:   make([]*models.CaptureChunk, 0, opts.BatchSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go r.backgroundWriter()

	r.logger.Info("捕获会话已创建", zap.String("device", device), zap.Int("baud", baud))
	return r, nil
}

// SessionID 返回当前会话ID
func (r *Recorder) SessionID() string {
	return r.session.ID
}

// Chunk 实现 relay.Tap
func (r *Recorder) Chunk(seq uint64, data []byte, at time.Time) {
	chunk := &models.CaptureChunk{
		SessionID: r.session.ID,
		Seq:       seq,
		Offset:    r.offset,
		Length:    len(data),
		Data:      data,
		CreatedAt: at,
		Timestamp: at.UnixMilli(),
	}
	r.offset += int64(len(data))

	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}

	select {
	case r.bufferCh <- chunk:
		r.queued.Add(1)
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("捕获队列已满，开始丢弃数据块", zap.Uint64("seq", seq))
		}
	}
}

// backgroundWriter 后台批量写入
func (r *Recorder) backgroundWriter() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk := <-r.bufferCh:
			r.buffer = append(r.buffer, chunk)
			if len(r.buffer) >= r.opts.BatchSize {
				r.flushBuffer()
			}

		case <-ticker.C:
			r.flushBuffer()

		case <-r.stopCh:
			// 退出前写入队列里剩余的数据块
			for {
				select {
				case chunk := <-r.bufferCh:
					r.buffer = append(r.buffer, chunk)
					if len(r.buffer) >= r.opts.BatchSize {
						r.flushBuffer()
					}
				default:
					r.flushBuffer()
					return
				}
			}
		}
	}
}

// flushBuffer 写入缓冲区的数据块
func (r *Recorder) flushBuffer() {
	if len(r.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	n := int64(len(r.buffer))
	if err := r.repo.AppendChunks(ctx, r.buffer); err != nil {
		r.dropped.Add(n)
		r.logger.Error("批量写入数据块失败", zap.Error(err), zap.Int64("count", n))
	} else {
		r.recorded.Add(n)
		r.logger.Debug("批量写入数据块成功", zap.Int64("count", n))
	}

	r.buffer = make([]*models.CaptureChunk, 0, r.opts.BatchSize)
}

// Close 停止录制，写完剩余数据块并结束会话。多次调用只生效一次。
func (r *Recorder) Close(reason models.SessionEndReason, cause error) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stopCh)
		<-r.doneCh

		var msg string
		if cause != nil {
			msg = cause.Error()
		}

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		r.closeErr = r.repo.CloseSession(ctx, r.session.ID, time.Now(), reason, msg, r.dropped.Load())
		if r.closeErr != nil {
			r.logger.Error("结束捕获会话失败", zap.Error(r.closeErr))
			return
		}
		r.logger.Info("捕获会话已结束",
			zap.String("reason", string(reason)),
			zap.Int64("recorded", r.recorded.Load()),
			zap.Int64("dropped", r.dropped.Load()))
	})
	return r.closeErr
}

// Stats 返回录制计数
func (r *Recorder) Stats() Stats {
	return Stats{
		SessionID: r.session.ID,
		Queued:    r.queued.Load(),
		Recorded:  r.recorded.Load(),
		Dropped:   r.dropped.Load(),
	}
}

// ReasonFor 根据转发器的退出错误得到会话结束原因
func ReasonFor(err error) models.SessionEndReason {
	switch {
	case err == nil:
		return models.EndReasonShutdown
	case stderrors.Is(err, context.Canceled), errors.Is(err, errors.ErrCanceled):
		return models.EndReasonInterrupted
	case errors.Is(err, errors.ErrDeviceUnavailable):
		return models.EndReasonDeviceUnavailable
	default:
		return models.EndReasonIOError
	}
}
