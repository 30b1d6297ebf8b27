package monitor

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/serial-relay/internal/capture"
	"github.com/wfunc/serial-relay/internal/config"
	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/logger"
	"github.com/wfunc/serial-relay/internal/models"
	"github.com/wfunc/serial-relay/internal/relay"
	"github.com/wfunc/serial-relay/internal/repository"
	"go.uber.org/zap"
)

// RelayStats 提供转发器运行快照
type RelayStats interface {
	Stats() relay.Stats
}

// CaptureStats 提供录制计数
type CaptureStats interface {
	Stats() capture.Stats
}

// Deps 监控服务依赖，Capture 相关字段在捕获关闭时为空
type Deps struct {
	Relay    RelayStats
	Repo     repository.CaptureRepository
	Recorder CaptureStats
}

// Server 只读监控服务
type Server struct {
	cfg    config.MonitorConfig
	deps   Deps
	engine *gin.Engine
	hub    *Hub
	logger *zap.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New 创建监控服务
func New(cfg config.MonitorConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := logger.WithModule("monitor")
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: gin.New(),
		hub:    NewHub(cfg.ClientQueueSize, cfg.WriteTimeout, log),
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	// gin.Logger 默认写标准输出，这里改用zap
	s.engine.Use(gin.Recovery())
	s.engine.Use(requestLogger(log))
	s.setupRoutes()
	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/stats", s.stats)
	s.engine.GET("/ws", s.serveWS)

	sessions := s.engine.Group("/sessions")
	sessions.Use(s.requireCapture())
	{
		sessions.GET("", s.listSessions)
		sessions.GET("/:id", s.getSession)
		sessions.GET("/:id/chunks", s.listChunks)
		sessions.GET("/:id/export", s.exportSession)
	}
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub 返回广播中心
func (s *Server) Hub() *Hub {
	return s.hub
}

// Chunk 实现 relay.Tap
func (s *Server) Chunk(seq uint64, data []byte, at time.Time) {
	s.hub.Chunk(seq, data, at)
}

// Start 开始监听。监听失败同步返回，服务在后台运行。
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return errors.Wrapf(err, errors.ErrMonitorListen, "listen %s", s.cfg.Addr())
	}

	hubCtx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(hubCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("监控服务异常退出", zap.Error(err))
		}
	}()

	s.logger.Info("监控服务已启动", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr 返回实际监听地址，未启动时为空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown 断开订阅者并关闭HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.http, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if s.cfg.ShutdownTimeout > 0 {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer c()
	}

	cancel()
	err := srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.New(errors.ErrTimeout, "monitor shutdown")
	}

	if err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "monitor shutdown")
	}
	s.logger.Info("监控服务已关闭")
	return nil
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"capture": s.deps.Repo != nil,
	}
	if s.deps.Relay != nil {
		st := s.deps.Relay.Stats()
		resp["state"] = st.State
		resp["device"] = st.Device
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) stats(c *gin.Context) {
	resp := gin.H{
		"monitor": s.hub.Stats(),
	}
	if s.deps.Relay != nil {
		resp["relay"] = s.deps.Relay.Stats()
	}
	if s.deps.Recorder != nil {
		resp["capture"] = s.deps.Recorder.Stats()
	}
	if s.deps.Repo != nil {
		totals, err := s.deps.Repo.GetStats(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		resp["history"] = totals
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket升级失败", zap.Error(err))
		return
	}

	client := NewClient(s.hub, conn)
	if !s.hub.join(client) {
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) requireCapture() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Repo == nil {
			respondError(c, errors.New(errors.ErrNotImplemented, "capture disabled"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) listSessions(c *gin.Context) {
	query := &models.CaptureSessionQuery{
		Device: c.Query("device"),
	}
	if v := c.Query("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(c, errors.Wrap(err, errors.ErrInvalidParam, "start_time"))
			return
		}
		query.StartTime = &t
	}
	if v := c.Query("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(c, errors.Wrap(err, errors.ErrInvalidParam, "end_time"))
			return
		}
		query.EndTime = &t
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	p := repository.NewPagination(page, pageSize)
	query.Limit = p.PageSize
	query.Offset = p.Offset()

	sessions, total, err := s.deps.Repo.ListSessions(c.Request.Context(), query)
	if err != nil {
		respondError(c, err)
		return
	}
	p.Total = total

	c.JSON(http.StatusOK, gin.H{
		"sessions":   sessions,
		"pagination": p,
	})
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.deps.Repo.FindSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) listChunks(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Repo.FindSession(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrInvalidParam, "after"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		respondError(c, errors.New(errors.ErrInvalidParam, "limit must be 1..1000"))
		return
	}

	chunks, err := s.deps.Repo.ListChunks(c.Request.Context(), id, after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"chunks":     chunks,
	})
}

func (s *Server) exportSession(c *gin.Context) {
	id := c.Param("id")
	session, err := s.deps.Repo.FindSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	opts := capture.ExportOptions{
		Compress:  c.Query("compress") == "zstd",
		AllowGaps: c.Query("allow_gaps") == "true",
	}
	if !opts.AllowGaps {
		if err := capture.CheckComplete(session); err != nil {
			respondError(c, err)
			return
		}
	}

	name := id + ".bin"
	if opts.Compress {
		name += ".zst"
	}
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Disposition", "attachment; filename="+name)
	c.Status(http.StatusOK)

	if _, err := capture.Export(c.Request.Context(), s.deps.Repo, id, c.Writer, opts); err != nil {
		// 响应头已发出，只能记录
		s.logger.Warn("导出会话失败", zap.String("session", id), zap.Error(err))
	}
}

// respondError 统一错误响应
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr))
}

// requestLogger 请求日志中间件
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
