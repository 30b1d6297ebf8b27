package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wfunc/serial-relay/internal/capture"
	"github.com/wfunc/serial-relay/internal/config"
	"github.com/wfunc/serial-relay/internal/database"
	"github.com/wfunc/serial-relay/internal/device"
	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/logger"
	"github.com/wfunc/serial-relay/internal/monitor"
	"github.com/wfunc/serial-relay/internal/relay"
	"github.com/wfunc/serial-relay/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// 收到信号后等待读协程退出的时间；阻塞中的串口读可能无法及时返回
const interruptGrace = 500 * time.Millisecond

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logger.Cleanup()
	log := logger.GetLogger()
	if file := config.ConfigFileUsed(); file != "" {
		log.Info("已加载配置文件", zap.String("file", file))
	}

	config.Watch(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Log.Level)
		logger.SetModuleLevels(newCfg.Log.Modules)
		log.Info("配置已更新", zap.String("level", newCfg.Log.Level))
	})

	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Warn("标准输出是终端，设备原始字节将直接写入终端")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := bufio.NewWriterSize(os.Stdout, relay.DefaultChunkSize)
	a, err := newApp(ctx, cfg, relay.Options{
		Path:   device.DefaultPath,
		Baud:   device.BaudRate,
		Open:   device.Open,
		Output: out,
		Diag:   os.Stderr,
	})
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app 转发器及其可选的捕获和监控组件
type app struct {
	relay    *relay.Relay
	db       *gorm.DB
	recorder *capture.Recorder
	monitor  *monitor.Server
	logger   *zap.Logger
}

// newApp 按配置组装组件，捕获和监控默认关闭
func newApp(ctx context.Context, cfg *config.Config, opts relay.Options) (*app, error) {
	a := &app{
		relay:  relay.New(opts),
		logger: logger.GetLogger(),
	}

	var deps monitor.Deps
	deps.Relay = a.relay

	if cfg.Capture.Enabled {
		db, err := database.Open(&cfg.Capture.Database)
		if err != nil {
			return nil, err
		}
		a.db = db

		repo := repository.NewCaptureRepository(db)
		rec, err := capture.Start(ctx, repo, a.relay.Device(), a.relay.BaudRate(), capture.OptionsFromConfig(&cfg.Capture))
		if err != nil {
			database.Close(db)
			return nil, err
		}
		a.recorder = rec
		a.relay.AddTap(rec)

		deps.Repo = repo
		deps.Recorder = rec
		a.logger.Info("数据捕获已启用",
			zap.String("database", database.DSNSummary(&cfg.Capture.Database)),
			zap.String("session", rec.SessionID()))
	}

	if cfg.Monitor.Enabled {
		srv := monitor.New(cfg.Monitor, deps)
		if err := srv.Start(ctx); err != nil {
			a.close(nil)
			return nil, err
		}
		a.monitor = srv
		a.relay.AddTap(srv)
	}

	return a, nil
}

// run 运行转发器直到出错或收到信号
func (a *app) run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.relay.Run(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		a.logger.Info("收到退出信号")
		select {
		case err = <-done:
		case <-time.After(interruptGrace):
			a.logger.Warn("设备读取未及时退出")
			err = ctx.Err()
		}
	}

	if errors.IsCritical(err) {
		a.logger.Error("转发终止", zap.Error(err))
	}
	a.close(err)
	return err
}

// close 结束捕获会话并关闭各组件
func (a *app) close(cause error) {
	if a.recorder != nil {
		if err := a.recorder.Close(capture.ReasonFor(cause), cause); err != nil {
			a.logger.Error("结束捕获会话失败", zap.Error(err))
		}
	}
	if a.monitor != nil {
		if err := a.monitor.Shutdown(context.Background()); err != nil {
			a.logger.Error("关闭监控服务失败", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Error("关闭数据库失败", zap.Error(err))
		}
	}
}
