package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
}

// NewMessage 将 data 序列化进消息
func NewMessage(msgType string, data interface{}) (*Message, error) {
	m := &Message{Type: msgType, Timestamp: time.Now().Unix()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		m.Data = b
	}
	return m, nil
}

// Connection 表示一个WebSocket连接，每个连接属于一个房间（topic）
type Connection struct {
	ID       string
	Topic    string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	mu       sync.RWMutex
	lastPing time.Time
	alive    bool
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// IsAlive 连接是否可用
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

// InboundHandler 处理客户端发来的业务消息，返回值作为 success 回复的数据
type InboundHandler func(ctx context.Context, c *Connection, msg *Message) (interface{}, error)

// Hub 管理所有WebSocket连接
type Hub struct {
	mu sync.RWMutex
	// 注册的连接
	connections map[string]*Connection
	// 房间到连接的映射
	rooms map[string]map[string]*Connection
	// 连接计数
	connectionCount int64
	config          *Config

	ctx    context.Context
	cancel context.CancelFunc

	onConnect    func(topic string)
	onDisconnect func(topic string)
	inbound      InboundHandler
	log          *logrus.Logger
}

type Option func(*Hub)

// WithOnConnect 房间有新连接时回调，用于重放离线消息
func WithOnConnect(fn func(topic string)) Option { return func(h *Hub) { h.onConnect = fn } }

// WithOnDisconnect 房间最后一个连接断开时回调
func WithOnDisconnect(fn func(topic string)) Option { return func(h *Hub) { h.onDisconnect = fn } }

func WithInbound(fn InboundHandler) Option { return func(h *Hub) { h.inbound = fn } }

func WithLogger(l *logrus.Logger) Option { return func(h *Hub) { h.log = l } }

// NewHub 创建新的Hub实例
func NewHub(config *Config, opts ...Option) *Hub {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(hub)
	}
	go hub.run()
	return hub
}

// SetInbound 设置入站消息处理器
func (h *Hub) SetInbound(fn InboundHandler) {
	h.mu.Lock()
	h.inbound = fn
	h.mu.Unlock()
}

// SetOnConnect 设置连接回调
func (h *Hub) SetOnConnect(fn func(topic string)) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

// SetOnDisconnect 设置断开回调
func (h *Hub) SetOnDisconnect(fn func(topic string)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

// run Hub主循环，定期检查心跳
func (h *Hub) run() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

// Register 注册连接
func (h *Hub) Register(conn *Connection) error {
	h.mu.Lock()
	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		h.mu.Unlock()
		h.log.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		return errors.New(ErrConnectionLimitExceeded)
	}
	conn.Hub = h
	conn.alive = true
	conn.lastPing = time.Now()
	h.connections[conn.ID] = conn
	if h.rooms[conn.Topic] == nil {
		h.rooms[conn.Topic] = make(map[string]*Connection)
	}
	h.rooms[conn.Topic][conn.ID] = conn
	atomic.AddInt64(&h.connectionCount, 1)
	onConnect := h.onConnect
	h.mu.Unlock()

	h.log.Infof("WebSocket连接已注册: %s, 房间: %s, 当前连接数: %d",
		conn.ID, conn.Topic, atomic.LoadInt64(&h.connectionCount))
	if onConnect != nil {
		onConnect(conn.Topic)
	}
	return nil
}

// Unregister 注销连接
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if _, exists := h.connections[conn.ID]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.ID)
	atomic.AddInt64(&h.connectionCount, -1)
	emptied := false
	if room := h.rooms[conn.Topic]; room != nil {
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(h.rooms, conn.Topic)
			emptied = true
		}
	}
	conn.mu.Lock()
	conn.alive = false
	conn.mu.Unlock()
	close(conn.Send)
	onDisconnect := h.onDisconnect
	h.mu.Unlock()

	h.log.Infof("WebSocket连接已注销: %s, 当前连接数: %d", conn.ID, atomic.LoadInt64(&h.connectionCount))
	if emptied && onDisconnect != nil {
		onDisconnect(conn.Topic)
	}
}

// IsOnline 房间内是否有活跃连接
func (h *Hub) IsOnline(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic]) > 0
}

// Publish 把负载作为 notification 消息发送到房间内所有连接，至少一个连接收下才算成功
func (h *Hub) Publish(topic string, payload interface{}) error {
	msg, err := NewMessage(MessageTypeNotification, payload)
	if err != nil {
		return err
	}
	msg.To = topic
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[topic]
	if len(room) == 0 {
		return errors.New(ErrNoConnection)
	}
	sent := 0
	for _, conn := range room {
		if h.trySend(conn, data) {
			sent++
		}
	}
	if sent == 0 {
		return errors.New(ErrSendBufferFull)
	}
	return nil
}

// trySend 背压策略
func (h *Hub) trySend(conn *Connection, data []byte) bool {
	if !conn.IsAlive() {
		return false
	}
	if h.config.DropOnFull {
		select {
		case conn.Send <- data:
			return true
		default:
			h.log.Warnf("连接 %s 发送缓冲区已满", conn.ID)
			return false
		}
	}
	timeout := h.config.SendTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case conn.Send <- data:
		return true
	case <-t.C:
		h.log.Warnf("连接 %s 发送超时", conn.ID)
		return false
	}
}

// checkHeartbeats 关闭心跳超时的连接，readPump 退出后完成注销
func (h *Hub) checkHeartbeats() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	now := time.Now()
	for _, conn := range h.connections {
		conn.mu.RLock()
		stale := now.Sub(conn.lastPing) > h.config.ConnectionTimeout
		conn.mu.RUnlock()
		if stale && conn.Conn != nil {
			h.log.Warnf("连接 %s 心跳超时，准备关闭", conn.ID)
			_ = conn.Conn.Close()
		}
	}
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

// RoomStats 每个房间的连接数
func (h *Hub) RoomStats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for topic, room := range h.rooms {
		out[topic] = len(room)
	}
	return out
}

// Close 关闭Hub
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for _, conn := range h.connections {
		if conn.Conn != nil {
			_ = conn.Conn.Close()
		}
	}
	h.mu.Unlock()
	h.log.Info("WebSocket Hub已关闭")
}
