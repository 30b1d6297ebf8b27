package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/serial-relay/internal/capture"
	"github.com/wfunc/serial-relay/internal/config"
	"github.com/wfunc/serial-relay/internal/models"
	"github.com/wfunc/serial-relay/internal/relay"
	"github.com/wfunc/serial-relay/internal/repository"
	"go.uber.org/zap"
)

type fakeRelay struct{ st relay.Stats }

func (f fakeRelay) Stats() relay.Stats { return f.st }

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Enabled:         true,
		Host:            "127.0.0.1",
		Port:            0,
		ClientQueueSize: 16,
		WriteTimeout:    time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.ServeHTTP(w, req)
	return w
}

// ServerTestSuite 带捕获库的HTTP接口测试
type ServerTestSuite struct {
	suite.Suite
	repo      repository.CaptureRepository
	server    *Server
	sessionID string
	payload   []byte
}

func (s *ServerTestSuite) SetupTest() {
	s.repo = repository.NewCaptureRepository(repository.SetupTestDB(s.T()))

	rec, err := capture.Start(context.Background(), s.repo, "/dev/ttyACM0", 115200, capture.Options{})
	s.Require().NoError(err)
	s.payload = nil
	for i := 1; i <= 5; i++ {
		p := []byte(fmt.Sprintf("chunk-%d\n", i))
		s.payload = append(s.payload, p...)
		rec.Chunk(uint64(i), p, time.Now())
	}
	s.Require().NoError(rec.Close(models.EndReasonShutdown, nil))
	s.sessionID = rec.SessionID()

	s.server = New(testConfig(), Deps{
		Relay: fakeRelay{st: relay.Stats{State: "READING", Device: "/dev/ttyACM0", BaudRate: 115200, Bytes: 40, Chunks: 5}},
		Repo:  s.repo,
	})
}

func (s *ServerTestSuite) TestHealth() {
	w := doGet(s.T(), s.server.Handler(), "/health")
	s.Equal(http.StatusOK, w.Code)

	var body map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal("ok", body["status"])
	s.Equal("READING", body["state"])
	s.Equal(true, body["capture"])
}

func (s *ServerTestSuite) TestStats() {
	w := doGet(s.T(), s.server.Handler(), "/stats")
	s.Equal(http.StatusOK, w.Code)

	var body struct {
		Relay   relay.Stats         `json:"relay"`
		Monitor HubStats            `json:"monitor"`
		History models.CaptureStats `json:"history"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal(uint64(40), body.Relay.Bytes)
	s.Equal(0, body.Monitor.Clients)
	s.Equal(int64(1), body.History.TotalSessions)
	s.Equal(int64(5), body.History.TotalChunks)
}

func (s *ServerTestSuite) TestListSessions() {
	w := doGet(s.T(), s.server.Handler(), "/sessions?device=/dev/ttyACM0&page=1&page_size=10")
	s.Equal(http.StatusOK, w.Code)

	var body struct {
		Sessions   []models.CaptureSession `json:"sessions"`
		Pagination repository.Pagination   `json:"pagination"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Require().Len(body.Sessions, 1)
	s.Equal(s.sessionID, body.Sessions[0].ID)
	s.Equal(int64(1), body.Pagination.Total)

	w = doGet(s.T(), s.server.Handler(), "/sessions?start_time=yesterday")
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerTestSuite) TestGetSession() {
	w := doGet(s.T(), s.server.Handler(), "/sessions/"+s.sessionID)
	s.Equal(http.StatusOK, w.Code)

	var session models.CaptureSession
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &session))
	s.Equal(int64(5), session.Chunks)
	s.Equal(models.EndReasonShutdown, session.EndReason)

	w = doGet(s.T(), s.server.Handler(), "/sessions/missing")
	s.Equal(http.StatusNotFound, w.Code)
	s.Contains(w.Body.String(), `"success":false`)
}

func (s *ServerTestSuite) TestListChunks() {
	w := doGet(s.T(), s.server.Handler(), "/sessions/"+s.sessionID+"/chunks?after=2&limit=2")
	s.Equal(http.StatusOK, w.Code)

	var body struct {
		Chunks []models.CaptureChunk `json:"chunks"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Require().Len(body.Chunks, 2)
	s.Equal(uint64(3), body.Chunks[0].Seq)
	s.Equal(fmt.Sprintf("%x", "chunk-3\n"), body.Chunks[0].HexData)

	w = doGet(s.T(), s.server.Handler(), "/sessions/"+s.sessionID+"/chunks?limit=0")
	s.Equal(http.StatusBadRequest, w.Code)

	w = doGet(s.T(), s.server.Handler(), "/sessions/missing/chunks")
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *ServerTestSuite) TestExport() {
	w := doGet(s.T(), s.server.Handler(), "/sessions/"+s.sessionID+"/export")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("application/octet-stream", w.Header().Get("Content-Type"))
	s.Equal(s.payload, w.Body.Bytes())

	w = doGet(s.T(), s.server.Handler(), "/sessions/"+s.sessionID+"/export?compress=zstd")
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Header().Get("Content-Disposition"), ".zst")

	dec, err := zstd.NewReader(bytes.NewReader(w.Body.Bytes()))
	s.Require().NoError(err)
	defer dec.Close()
	got, err := io.ReadAll(dec)
	s.Require().NoError(err)
	s.Equal(s.payload, got)
}

func (s *ServerTestSuite) TestExport_DroppedChunks() {
	ctx := context.Background()
	session := repository.CreateTestSession(s.T(), s.repo, "lossy", "/dev/ttyACM0", time.Now())
	repository.CreateTestChunks(s.T(), s.repo, session.ID, []byte("ab"))
	s.Require().NoError(s.repo.CloseSession(ctx, session.ID, time.Now(), models.EndReasonInterrupted, "", 2))

	w := doGet(s.T(), s.server.Handler(), "/sessions/lossy/export")
	s.Equal(http.StatusConflict, w.Code)
	s.Contains(w.Body.String(), "data integrity violation")

	w = doGet(s.T(), s.server.Handler(), "/sessions/lossy/export?allow_gaps=true")
	s.Equal(http.StatusOK, w.Code)
	s.Equal("ab", w.Body.String())
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestSessions_CaptureDisabled(t *testing.T) {
	s := New(testConfig(), Deps{})

	w := doGet(t, s.Handler(), "/sessions")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = doGet(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"capture":false`)
}

func TestServer_WebSocketBroadcast(t *testing.T) {
	s := New(testConfig(), Deps{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown(context.Background())

	url := "ws://" + s.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	chunks := [][]byte{[]byte("Hi"), {0x00, 0xff, '\r', '\n'}}
	for i, c := range chunks {
		s.Chunk(uint64(i+1), c, time.Now())
	}

	for _, want := range chunks {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, want, data)
	}
	assert.Equal(t, uint64(2), s.Hub().Stats().Sent)

	// 客户端断开后从Hub注销
	conn.Close()
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_ShutdownClosesSubscribers(t *testing.T) {
	s := New(testConfig(), Deps{})
	require.NoError(t, s.Start(context.Background()))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestServer_StartListenError(t *testing.T) {
	a := New(testConfig(), Deps{})
	require.NoError(t, a.Start(context.Background()))
	defer a.Shutdown(context.Background())

	cfg := testConfig()
	_, port, _ := strings.Cut(a.Addr(), ":")
	fmt.Sscanf(port, "%d", &cfg.Port)

	b := New(cfg, Deps{})
	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[4000]")
	assert.NoError(t, b.Shutdown(context.Background()))
}

func TestHub_DropsWhenClientQueueFull(t *testing.T) {
	hub := NewHub(1, time.Second, zap.NewNop())
	slow := &Client{ID: "slow", hub: hub, send: make(chan []byte, 1)}
	hub.clients[slow] = struct{}{}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Chunk(uint64(i+1), []byte{byte(i)}, time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Chunk blocked on a full client queue")
	}

	stats := hub.Stats()
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(4), stats.Dropped)
	assert.Equal(t, []byte{0}, <-slow.send)
}
