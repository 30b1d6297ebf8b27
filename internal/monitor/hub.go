package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HubStats 广播计数
type HubStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Hub 把转发的数据块广播给所有WebSocket订阅者
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	queueSize int
	writeWait time.Duration
	logger    *zap.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub 创建Hub
func NewHub(queueSize int, writeWait time.Duration, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		queueSize:  queueSize,
		writeWait:  writeWait,
		logger:     logger,
	}
}

// Run 处理注册与注销，ctx 结束时断开所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("WebSocket客户端连接",
				zap.String("client_id", client.ID),
				zap.String("remote", client.remote))

		case client := <-h.unregister:
			h.removeClient(client)

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// removeClient 注销客户端并关闭其发送队列
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
	}
}

// Chunk 实现 relay.Tap。队列满的客户端丢弃本块，不阻塞调用方。
func (h *Hub) Chunk(seq uint64, data []byte, at time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
			h.sent.Add(1)
		default:
			if h.dropped.Add(1)%1000 == 1 {
				h.logger.Warn("客户端发送缓冲区满",
					zap.String("client_id", client.ID),
					zap.Uint64("seq", seq))
			}
		}
	}
}

// Stats 返回广播计数
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return HubStats{
		Clients: n,
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

// ClientCount 获取在线连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
