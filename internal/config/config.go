package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，如 SERIAL_RELAY_LOG_LEVEL
const EnvPrefix = "SERIAL_RELAY"

// Config 全局配置结构体。设备路径与波特率是固定常量，不在此处配置。
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Capture CaptureConfig `mapstructure:"capture"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"` // file | stderr | both | none
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// CaptureConfig 数据捕获配置
type CaptureConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Database      DatabaseConfig `mapstructure:"database"`
	BatchSize     int            `mapstructure:"batch_size"`
	FlushInterval time.Duration  `mapstructure:"flush_interval"`
	QueueSize     int            `mapstructure:"queue_size"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// MonitorConfig 监控服务配置
type MonitorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ClientQueueSize int           `mapstructure:"client_queue_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr 返回监听地址
func (m MonitorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置。配置文件不存在时使用默认值。
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v, cfg, err = load(configPath)
	})
	return err
}

// Load 读取一份独立的配置，不影响全局实例
func Load(configPath string) (*Config, error) {
	_, c, err := load(configPath)
	return c, err
}

func load(configPath string) (*viper.Viper, *Config, error) {
	vp := viper.New()

	if configPath != "" {
		vp.SetConfigFile(configPath)
	} else {
		vp.SetConfigName("serial-relay")
		vp.SetConfigType("yaml")
		vp.AddConfigPath("./config")
		vp.AddConfigPath(".")
	}

	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	c := &Config{}
	if err := vp.Unmarshal(c); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	return vp, c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 日志默认写文件，标准输出只承载设备数据
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "file")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "serial-relay.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.database.driver", "sqlite")
	v.SetDefault("capture.database.dsn", "./data/serial-relay.db")
	v.SetDefault("capture.database.max_idle_conns", 2)
	v.SetDefault("capture.database.max_open_conns", 4)
	v.SetDefault("capture.database.conn_max_lifetime", "1h")
	v.SetDefault("capture.database.log_level", "warn")
	v.SetDefault("capture.database.auto_migrate", true)
	v.SetDefault("capture.batch_size", 100)
	v.SetDefault("capture.flush_interval", "1s")
	v.SetDefault("capture.queue_size", 1024)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.host", "127.0.0.1")
	v.SetDefault("monitor.port", 8089)
	v.SetDefault("monitor.client_queue_size", 256)
	v.SetDefault("monitor.write_timeout", "10s")
	v.SetDefault("monitor.shutdown_timeout", "5s")
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Log.Output {
	case "file", "stderr", "both", "none":
	default:
		return fmt.Errorf("log.output must be one of file, stderr, both, none: got %q", c.Log.Output)
	}
	if c.Capture.Enabled {
		if c.Capture.BatchSize <= 0 {
			return fmt.Errorf("capture.batch_size must be positive")
		}
		if c.Capture.QueueSize <= 0 {
			return fmt.Errorf("capture.queue_size must be positive")
		}
		if c.Capture.FlushInterval <= 0 {
			return fmt.Errorf("capture.flush_interval must be positive")
		}
	}
	if c.Monitor.Enabled && (c.Monitor.Port < 0 || c.Monitor.Port > 65535) {
		return fmt.Errorf("monitor.port out of range: %d", c.Monitor.Port)
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化，重新解析成功后回调
func Watch(callback func(*Config)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			return
		}
		if err := newCfg.Validate(); err != nil {
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
	v.WatchConfig()
}

// ConfigFileUsed 返回实际读取的配置文件路径，未读取时为空
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
