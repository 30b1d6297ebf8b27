package relay

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/serial-relay/internal/device"
	"github.com/wfunc/serial-relay/internal/errors"
)

// pipePort 用内存管道模拟串口：测试向 w 写入即为设备发出数据
type pipePort struct {
	*io.PipeReader
	w      *io.PipeWriter
	closed chan struct{}
	once   sync.Once
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{PipeReader: r, w: w, closed: make(chan struct{})}
}

func (p *pipePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return p.PipeReader.Close()
}

func (p *pipePort) opener() device.Opener {
	return func(path string, baud int) (device.Port, error) {
		return p, nil
	}
}

// event 记录输出与诊断流的交错顺序
type event struct {
	stream string
	kind   string
	data   []byte
}

// recorder 同时充当标准输出和标准错误，记录每次写入和刷新
type recorder struct {
	mu     sync.Mutex
	events []event
	out    bytes.Buffer
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) record(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	if e.stream == "stdout" && e.kind == "write" {
		r.out.Write(e.data)
	}
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) Output() io.Writer { return &stream{r: r, name: "stdout"} }
func (r *recorder) Diag() io.Writer   { return &stream{r: r, name: "stderr"} }

func (r *recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.out.Bytes()...)
}

func (r *recorder) Events() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

// waitOutput 等待标准输出累计到 n 字节
func (r *recorder) waitOutput(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(r.Bytes()) < n {
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d output bytes, have %d", n, len(r.Bytes()))
		}
	}
}

type stream struct {
	r    *recorder
	name string
}

func (s *stream) Write(p []byte) (int, error) {
	s.r.record(event{stream: s.name, kind: "write", data: append([]byte(nil), p...)})
	return len(p), nil
}

func (s *stream) Flush() error {
	s.r.record(event{stream: s.name, kind: "flush"})
	return nil
}

type runResult struct {
	err error
}

func startRelay(t *testing.T, ctx context.Context, opts Options) (*Relay, <-chan runResult) {
	t.Helper()
	r := New(opts)
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: r.Run(ctx)}
	}()
	return r, done
}

func waitDone(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case res := <-done:
		return res.err
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
		return nil
	}
}

func TestRun_PassthroughIdentity(t *testing.T) {
	port := newPipePort()
	rec := newRecorder()
	_, done := startRelay(t, context.Background(), Options{
		Open:   port.opener(),
		Output: rec.Output(),
		Diag:   rec.Diag(),
	})

	rng := rand.New(rand.NewSource(42))
	var want []byte
	for i := 0; i < 50; i++ {
		burst := make([]byte, 1+rng.Intn(300))
		rng.Read(burst)
		want = append(want, burst...)
		_, err := port.w.Write(burst)
		require.NoError(t, err)
	}
	// 覆盖所有字节值，包括 \r \n 0x00
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	want = append(want, all...)
	_, err := port.w.Write(all)
	require.NoError(t, err)

	rec.waitOutput(t, len(want))
	require.NoError(t, port.w.Close())

	err = waitDone(t, done)
	assert.True(t, errors.Is(err, errors.ErrIO))
	assert.Equal(t, want, rec.Bytes())
}

func TestRun_DeviceUnavailable(t *testing.T) {
	rec := newRecorder()
	r := New(Options{
		Path:   "/dev/does-not-exist",
		Output: rec.Output(),
		Diag:   rec.Diag(),
	})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeviceUnavailable))
	assert.Empty(t, rec.Events(), "nothing is written to stdout or stderr")
	assert.Equal(t, StateUnopened, r.State())
}

func TestRun_DeviceUnavailableFromOpener(t *testing.T) {
	rec := newRecorder()
	r := New(Options{
		Open: func(string, int) (device.Port, error) {
			return nil, stderrors.New("device busy")
		},
		Output: rec.Output(),
		Diag:   rec.Diag(),
	})

	err := r.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrDeviceUnavailable))
	assert.Contains(t, err.Error(), "device busy")
	assert.Empty(t, rec.Bytes())
}

func TestRun_BannerOnceBeforeData(t *testing.T) {
	port := newPipePort()
	rec := newRecorder()
	_, done := startRelay(t, context.Background(), Options{
		Open:   port.opener(),
		Output: rec.Output(),
		Diag:   rec.Diag(),
	})

	_, err := port.w.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = port.w.Write([]byte("def"))
	require.NoError(t, err)
	rec.waitOutput(t, 6)
	port.w.Close()
	waitDone(t, done)

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "stderr", events[0].stream)
	assert.Equal(t, "> Returned data:\n", string(events[0].data))

	banners := 0
	for _, e := range events {
		if e.stream == "stderr" && e.kind == "write" {
			banners++
		}
	}
	assert.Equal(t, 1, banners)
}

func TestRun_FlushPerWrite(t *testing.T) {
	port := newPipePort()
	rec := newRecorder()
	_, done := startRelay(t, context.Background(), Options{
		Open:   port.opener(),
		Output: rec.Output(),
		Diag:   rec.Diag(),
	})

	_, err := port.w.Write([]byte("first"))
	require.NoError(t, err)
	// 第一段在第二段发出前就已可见
	rec.waitOutput(t, 5)
	assert.Equal(t, "first", string(rec.Bytes()))

	_, err = port.w.Write([]byte("second"))
	require.NoError(t, err)
	rec.waitOutput(t, 11)

	port.w.Close()
	waitDone(t, done)

	var stdout []event
	for _, e := range rec.Events() {
		if e.stream == "stdout" {
			stdout = append(stdout, e)
		}
	}
	require.Len(t, stdout, 4)
	assert.Equal(t, event{stream: "stdout", kind: "write", data: []byte("first")}, stdout[0])
	assert.Equal(t, "flush", stdout[1].kind)
	assert.Equal(t, event{stream: "stdout", kind: "write", data: []byte("second")}, stdout[2])
	assert.Equal(t, "flush", stdout[3].kind)
}

func TestRun_HiThenClose(t *testing.T) {
	port := newPipePort()
	rec := newRecorder()
	r, done := startRelay(t, context.Background(), Options{
		Open:   port.opener(),
		Output: rec.Output(),
		Diag:   rec.Diag(),
	})

	_, err := port.w.Write([]byte{0x48, 0x69})
	require.NoError(t, err)
	require.NoError(t, port.w.Close())

	err = waitDone(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrIO))
	assert.True(t, errors.Is(err, errors.ErrDeviceClosed))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []byte{0x48, 0x69}, rec.Bytes())
	assert.Equal(t, StateClosed, r.State())

	select {
	case <-port.closed:
	default:
		t.Fatal("device handle was not closed")
	}
}

func TestRun_ReadError(t *testing.T) {
	port := newPipePort()
	rec := newRecorder()
	_, done := startRelay(t, context.Background(), Options{
		Open:   port.opener(),
		Output: rec.Output(),
		Diag:   rec.Diag(),
	})

	boom := stderrors.New("input/output error")
	port.w.CloseWithError(boom)

	err := waitDone(t, done)
	assert.True(t, errors.Is(err, errors.ErrIO))
	assert.False(t, errors.Is(err, errors.ErrDeviceClosed))
	assert.ErrorIs(t, err, boom)
}

// failingWriter 标准输出写入失败
type failingWriter struct {
	mock.Mock
}

func (f *failingWriter) Write(p []byte) (int, error) {
	args := f.Called(p)
	return args.Int(0), args.Error(1)
}

func TestRun_OutputWriteError(t *testing.T) {
	port := newPipePort()
	out := &failingWriter{}
	out.On("Write", []byte("x")).Return(0, stderrors.New("broken pipe")).Once()

	_, done := startRelay(t, context.Background(), Options{
		Open:   port.opener(),
		Output: out,
	})

	go port.w.Write([]byte("x"))

	err := waitDone(t, done)
	assert.True(t, errors.Is(err, errors.ErrIO))
	assert.Contains(t, err.Error(), "broken pipe")
	out.AssertExpectations(t)

	select {
	case <-port.closed:
	case <-time.After(time.Second):
		t.Fatal("device handle was not closed")
	}
}

func TestRun_ContextCancel(t *testing.T) {
	port := newPipePort()
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	r, done := startRelay(t, ctx, Options{
		Open:   port.opener(),
		Output: rec.Output(),
		Diag:   rec.Diag(),
	})

	_, err := port.w.Write([]byte("ping"))
	require.NoError(t, err)
	rec.waitOutput(t, 4)

	cancel()
	err = waitDone(t, done)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, r.State())
	<-port.closed
}

func TestRun_AlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opened := false
	r := New(Options{
		Open: func(string, int) (device.Port, error) {
			opened = true
			return newPipePort(), nil
		},
		Output: io.Discard,
	})
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.False(t, opened)
}

// recordingTap 记录收到的数据块
type recordingTap struct {
	mu     sync.Mutex
	seqs   []uint64
	chunks [][]byte
}

func (t *recordingTap) Chunk(seq uint64, data []byte, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seqs = append(t.seqs, seq)
	t.chunks = append(t.chunks, data)
}

func TestRun_TapsAndStats(t *testing.T) {
	port := newPipePort()
	rec := newRecorder()
	tap := &recordingTap{}
	r, done := startRelay(t, context.Background(), Options{
		Path:   "/dev/ttyTEST",
		Open:   port.opener(),
		Output: rec.Output(),
		Taps:   []Tap{tap},
	})

	port.w.Write([]byte("one"))
	rec.waitOutput(t, 3)
	port.w.Write([]byte("two"))
	rec.waitOutput(t, 6)

	stats := r.Stats()
	assert.Equal(t, "READING", stats.State)
	assert.Equal(t, "/dev/ttyTEST", stats.Device)
	assert.Equal(t, 115200, stats.BaudRate)
	assert.Equal(t, uint64(6), stats.Bytes)
	assert.Equal(t, uint64(2), stats.Chunks)
	require.NotNil(t, stats.StartedAt)
	require.NotNil(t, stats.LastChunkAt)
	assert.False(t, stats.LastChunkAt.Before(*stats.StartedAt))

	port.w.Close()
	waitDone(t, done)

	tap.mu.Lock()
	defer tap.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, tap.seqs)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, tap.chunks)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "UNOPENED", StateUnopened.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "READING", StateReading.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func TestRelay_AddTap(t *testing.T) {
	port := newPipePort()
	rec := newRecorder()
	tap := &recordingTap{}

	r := New(Options{Open: port.opener(), Output: rec.Output()})
	r.AddTap(tap)
	done := make(chan runResult, 1)
	go func() { done <- runResult{err: r.Run(context.Background())} }()

	port.w.Write([]byte{0x01, 0x02})
	rec.waitOutput(t, 2)
	port.w.Close()
	waitDone(t, done)

	tap.mu.Lock()
	defer tap.mu.Unlock()
	assert.Equal(t, [][]byte{{0x01, 0x02}}, tap.chunks)
}

// stateOnClosePort 关闭设备时记录转发器当时的状态
type stateOnClosePort struct {
	*pipePort
	relay   *Relay
	atClose State
}

func (p *stateOnClosePort) Close() error {
	p.atClose = p.relay.State()
	return p.pipePort.Close()
}

func TestRun_ClosedAfterDeviceClose(t *testing.T) {
	port := &stateOnClosePort{pipePort: newPipePort()}
	r := New(Options{
		Open:   func(string, int) (device.Port, error) { return port, nil },
		Output: io.Discard,
	})
	port.relay = r

	done := make(chan runResult, 1)
	go func() { done <- runResult{err: r.Run(context.Background())} }()
	require.Eventually(t, func() bool { return r.State() == StateReading }, 2*time.Second, 5*time.Millisecond)

	port.w.Close()
	waitDone(t, done)

	assert.NotEqual(t, StateClosed, port.atClose, "state must not report CLOSED while the handle is open")
	assert.Equal(t, StateClosed, r.State())
}

func TestStats_OmitsUnsetTimes(t *testing.T) {
	r := New(Options{Open: newPipePort().opener(), Output: io.Discard})

	stats := r.Stats()
	assert.Nil(t, stats.StartedAt)
	assert.Nil(t, stats.LastChunkAt)

	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "started_at")
	assert.NotContains(t, string(data), "last_chunk_at")
	assert.Contains(t, string(data), `"state":"UNOPENED"`)
}
