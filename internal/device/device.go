package device

import (
	"io"
	"os"
	"sort"

	"github.com/tarm/serial"
	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/logger"
	"go.uber.org/zap"
	bugst "go.bug.st/serial"
)

// 固定的设备参数，不可配置
const (
	DefaultPath = "/dev/ttyACM0"
	BaudRate    = 115200
	DataBits    = 8
)

// Port 已打开的串口连接
type Port interface {
	io.ReadCloser
}

// Opener 打开设备的函数，测试中可替换为PTY或内存管道
type Opener func(path string, baud int) (Port, error)

// Open 以8N1、无读超时（阻塞直到有数据）打开串口。
// 失败时返回 ErrDeviceUnavailable。
func Open(path string, baud int) (Port, error) {
	cfg := &serial.Config{
		Name:     path,
		Baud:     baud,
		Size:     DataBits,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	}

	port, err := serial.OpenPort(cfg)
	if err != nil {
		fields := []zap.Field{
			zap.String("port", path),
			zap.Int("baud_rate", baud),
			zap.Bool("exists", Exists(path)),
			zap.Error(err),
		}
		if available, lerr := ListPorts(); lerr == nil {
			fields = append(fields, zap.Strings("available", available))
		}
		logger.WithModule("device").Error("打开串口失败", fields...)
		return nil, errors.Wrapf(err, errors.ErrDeviceUnavailable, "open %s", path)
	}

	logger.WithModule("device").Info("串口连接成功",
		zap.String("port", path),
		zap.Int("baud_rate", baud))

	return port, nil
}

// Exists 检查串口设备节点是否存在
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListPorts 列出系统中可用的串口
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDeviceUnavailable, "enumerate serial ports")
	}
	sort.Strings(ports)
	return ports, nil
}
