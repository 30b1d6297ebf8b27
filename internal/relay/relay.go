// Package relay copies bytes from a serial device to an output stream,
// unmodified and in order, flushing after every chunk.
package relay

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/serial-relay/internal/device"
	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/logger"
	"go.uber.org/zap"
)

// Banner 打开设备后、开始转发前写入诊断流的固定行
const Banner = "> Returned data:\n"

// DefaultChunkSize 单次读取的缓冲区大小。读取返回当前可用的字节，不等待填满。
const DefaultChunkSize = 4096

// State 转发器状态
type State int32

const (
	StateUnopened State = iota
	StateOpen
	StateReading
	StateClosed
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateUnopened:
		return "UNOPENED"
	case StateOpen:
		return "OPEN"
	case StateReading:
		return "READING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Tap 接收已写出数据块的旁路消费者。
// Chunk 在转发器写出并刷新之后调用，必须立即返回；data 归 Tap 所有。
type Tap interface {
	Chunk(seq uint64, data []byte, at time.Time)
}

// Options 转发器参数
type Options struct {
	Path      string
	Baud      int
	Open      device.Opener
	Output    io.Writer // 标准输出
	Diag      io.Writer // 标准错误
	ChunkSize int
	Taps      []Tap
}

// Stats 运行统计快照
type Stats struct {
	State       string    `json:"state"`
	Device      string    `json:"device"`
	BaudRate    int       `json:"baud_rate"`
	Bytes       uint64    `json:"bytes"`
	Chunks      uint64    `json:"chunks"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastChunkAt *time.Time `json:"last_chunk_at,omitempty"`
}

// Relay 单设备单输出的字节转发器
type Relay struct {
	opts   Options
	logger *zap.Logger

	state  atomic.Int32
	bytes  atomic.Uint64
	chunks atomic.Uint64

	mu          sync.RWMutex
	startedAt   time.Time
	lastChunkAt time.Time
}

// New 创建转发器。未指定的字段使用固定设备参数。
func New(opts Options) *Relay {
	if opts.Path == "" {
		opts.Path = device.DefaultPath
	}
	if opts.Baud == 0 {
		opts.Baud = device.BaudRate
	}
	if opts.Open == nil {
		opts.Open = device.Open
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Diag == nil {
		opts.Diag = io.Discard
	}

	return &Relay{
		opts:   opts,
		logger: logger.WithModule("relay"),
	}
}

// AddTap 注册旁路消费者，只能在 Run 之前调用
func (r *Relay) AddTap(t Tap) {
	r.opts.Taps = append(r.opts.Taps, t)
}

// Run 打开设备并持续转发，直到读写失败或ctx取消。
// 正常情况下不会返回nil。
func (r *Relay) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := r.opts.Open(r.opts.Path, r.opts.Baud)
	if err != nil {
		r.logger.Error("设备不可用", zap.String("device", r.opts.Path), zap.Error(err))
		if errors.Is(err, errors.ErrDeviceUnavailable) {
			return err
		}
		return errors.Wrapf(err, errors.ErrDeviceUnavailable, "open %s", r.opts.Path)
	}

	// 先登记状态再登记关闭，退出时设备关闭后才进入 CLOSED
	defer r.setState(StateClosed)
	closer := &onceCloser{c: port}
	defer closer.Close()
	r.setState(StateOpen)

	// 取消时关闭设备以解除阻塞读
	stop := context.AfterFunc(ctx, func() { closer.Close() })
	defer stop()

	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()

	if _, err := io.WriteString(r.opts.Diag, Banner); err != nil {
		return errors.Wrap(err, errors.ErrIO, "write banner")
	}

	r.logger.Info("开始转发",
		zap.String("device", r.opts.Path),
		zap.Int("baud_rate", r.opts.Baud))
	r.setState(StateReading)

	buf := make([]byte, r.opts.ChunkSize)
	for {
		n, rerr := port.Read(buf)
		if n > 0 {
			if err := r.emit(buf[:n]); err != nil {
				return err
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("读取设备失败",
				zap.String("device", r.opts.Path),
				zap.Uint64("bytes", r.bytes.Load()),
				zap.Error(rerr))
			if stderrors.Is(rerr, io.EOF) {
				return errors.New(errors.ErrIO, "device closed").
					WithCause(errors.New(errors.ErrDeviceClosed).WithCause(rerr))
			}
			return errors.Wrap(rerr, errors.ErrIO, "read device")
		}
	}
}

// emit 写出一个数据块并立即刷新，然后交给旁路消费者
func (r *Relay) emit(chunk []byte) error {
	if err := writeFull(r.opts.Output, chunk); err != nil {
		return errors.Wrap(err, errors.ErrIO, "write output")
	}
	if err := flush(r.opts.Output); err != nil {
		return errors.Wrap(err, errors.ErrIO, "flush output")
	}

	now := time.Now()
	seq := r.chunks.Add(1)
	r.bytes.Add(uint64(len(chunk)))
	r.mu.Lock()
	r.lastChunkAt = now
	r.mu.Unlock()

	if len(r.opts.Taps) > 0 {
		for _, tap := range r.opts.Taps {
			cp := make([]byte, len(chunk))
			copy(cp, chunk)
			tap.Chunk(seq, cp, now)
		}
	}
	return nil
}

// State 返回当前状态
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	r.state.Store(int32(s))
}

// Stats 返回统计快照
func (r *Relay) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		State:       r.State().String(),
		Device:      r.opts.Path,
		BaudRate:    r.opts.Baud,
		Bytes:       r.bytes.Load(),
		Chunks:      r.chunks.Load(),
		StartedAt:   timePtr(r.startedAt),
		LastChunkAt: timePtr(r.lastChunkAt),
	}
}

// timePtr 零值时间返回nil，JSON中省略
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Device 返回设备路径
func (r *Relay) Device() string {
	return r.opts.Path
}

// BaudRate 返回波特率
func (r *Relay) BaudRate() int {
	return r.opts.Baud
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// flush 输出支持 Flush 或 Sync 时调用之。*os.File 无用户态缓冲，Sync 对管道和终端返回
// EINVAL，因此对文件不做处理。
func flush(w io.Writer) error {
	switch f := w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case syncer:
		if _, isFile := w.(fileWriter); isFile {
			return nil
		}
		return f.Sync()
	}
	return nil
}

type syncer interface{ Sync() error }

type fileWriter interface {
	Fd() uintptr
	Name() string
}

type onceCloser struct {
	once sync.Once
	c    io.Closer
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.c.Close() })
	return o.err
}
