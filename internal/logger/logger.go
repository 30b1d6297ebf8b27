package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/wfunc/serial-relay/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	mu     sync.RWMutex

	// 模块日志器
	moduleLoggers = map[string]*zap.Logger{}
	moduleLevels  = map[string]zap.AtomicLevel{}

	// 测试可替换，默认标准错误。标准输出只承载设备数据，不能写日志。
	stderr io.Writer = os.Stderr
)

// Init 初始化日志系统，可重复调用以替换全局日志器。
// 日志目录无法创建时改写标准错误，不影响转发。
func Init(cfg *config.LogConfig) error {
	out := buildOutput(cfg)
	level.SetLevel(parseLevel(cfg.Level))

	l := zap.New(
		out.core(level),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	// 模块日志器共用同一组输出，只有级别独立
	modules := make(map[string]*zap.Logger, len(cfg.Modules))
	levels := make(map[string]zap.AtomicLevel, len(cfg.Modules))
	for module, levelStr := range cfg.Modules {
		moduleLevel := zap.NewAtomicLevelAt(parseLevel(levelStr))
		modules[module] = zap.New(out.core(moduleLevel), zap.AddCaller()).Named(module)
		levels[module] = moduleLevel
	}

	mu.Lock()
	old, oldClosers := logger, fileClosers
	logger = l
	moduleLoggers = modules
	moduleLevels = levels
	fileClosers = out.closers
	mu.Unlock()

	if old != nil {
		_ = old.Sync()
	}
	for _, c := range oldClosers {
		_ = c.Close()
	}

	if out.fallbackErr != nil {
		l.Warn("日志目录不可用，日志改写标准错误",
			zap.String("path", cfg.File.Path),
			zap.Error(out.fallbackErr))
	}
	return nil
}

var fileClosers []io.Closer

// output 一次初始化的编码器和写入目标，文件目标只打开一次
type output struct {
	encoder     zapcore.Encoder
	sinks       []zapcore.WriteSyncer
	closers     []io.Closer
	fallbackErr error
}

func (o *output) core(enab zapcore.LevelEnabler) zapcore.Core {
	if len(o.sinks) == 0 {
		return zapcore.NewNopCore()
	}
	cores := make([]zapcore.Core, 0, len(o.sinks))
	for _, sink := range o.sinks {
		cores = append(cores, zapcore.NewCore(o.encoder, sink, enab))
	}
	return zapcore.NewTee(cores...)
}

// buildOutput 根据输出方式组装编码器和写入目标
func buildOutput(cfg *config.LogConfig) *output {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	out := &output{}
	if cfg.Format == "json" {
		out.encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		out.encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	toStderr := cfg.Output == "stderr" || cfg.Output == "both"

	if cfg.Output == "file" || cfg.Output == "both" {
		logDir := cfg.File.Path
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			out.fallbackErr = fmt.Errorf("create log dir: %w", err)
			toStderr = true
		} else {
			// 日志轮转
			fileWriter := &lumberjack.Logger{
				Filename:   filepath.Join(logDir, cfg.File.Filename),
				MaxSize:    cfg.File.MaxSize,
				MaxAge:     cfg.File.MaxAge,
				MaxBackups: cfg.File.MaxBackups,
				Compress:   cfg.File.Compress,
			}
			out.closers = append(out.closers, fileWriter)
			out.sinks = append(out.sinks, zapcore.AddSync(fileWriter))
		}
	}

	if toStderr {
		out.sinks = append(out.sinks, zapcore.AddSync(stderr))
	}
	return out
}

// parseLevel 解析日志级别
func parseLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger 获取日志器，未初始化时返回空日志器
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// WithModule 获取模块日志器。没有单独配置级别的模块沿用全局日志器。
func WithModule(module string) *zap.Logger {
	mu.RLock()
	l, ok := moduleLoggers[module]
	mu.RUnlock()
	if ok {
		return l
	}
	return GetLogger().Named(module)
}

// SetLevel 动态设置日志级别，已创建的日志器立即生效
func SetLevel(levelStr string) {
	level.SetLevel(parseLevel(levelStr))
}

// SetModuleLevels 动态调整已配置模块的级别
func SetModuleLevels(levels map[string]string) {
	mu.RLock()
	defer mu.RUnlock()
	for module, levelStr := range levels {
		if lvl, ok := moduleLevels[module]; ok {
			lvl.SetLevel(parseLevel(levelStr))
		}
	}
}

// Level 返回当前全局日志级别
func Level() zapcore.Level {
	return level.Level()
}

// Sync 同步日志缓冲区
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Cleanup 清理日志资源
func Cleanup() {
	_ = Sync()

	mu.Lock()
	defer mu.Unlock()
	for _, c := range fileClosers {
		_ = c.Close()
	}
	fileClosers = nil
}

// Debug 输出调试日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info 输出信息日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn 输出警告日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error 输出错误日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}
