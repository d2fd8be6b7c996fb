package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 身份由上游网关校验
			return true
		},
		EnableCompression: cfg.EnableCompression,
	}
}

// ServeTopic 升级连接并加入 topic 房间
func ServeTopic(hub *Hub, w http.ResponseWriter, r *http.Request, topic string) error {
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Errorf("WebSocket升级失败: %v", err)
		return err
	}

	connection := &Connection{
		ID:    "conn_" + uuid.NewString(),
		Topic: topic,
		Conn:  conn,
		Send:  make(chan []byte, hub.config.MessageBufferSize),
		Hub:   hub,
	}

	// 写协程先于注册启动，注册回调可能立即重放离线消息
	go connection.writePump()
	if err := hub.Register(connection); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		close(connection.Send)
		return err
	}
	connection.reply(MessageTypeWelcome, map[string]string{"topic": topic, "message": MsgConnectionEstablished})
	go connection.readPump()
	return nil
}

// readPump 读取消息的协程
func (c *Connection) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		return c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Errorf("WebSocket读取错误: %v", err)
			}
			return
		}
		c.touch()
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
		c.handleMessage(message)
	}
}

// writePump 发送消息的协程，每条消息单独一帧
func (c *Connection) writePump() {
	ticker := time.NewTicker(time.Duration(float64(c.Hub.config.HeartbeatInterval) * 0.9))
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Connection) handleMessage(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.Hub.log.Warnf("消息解析失败: %v", err)
		c.reply(MessageTypeError, map[string]string{"error": ErrInvalidMessageData})
		return
	}
	msg.From = c.Topic

	switch msg.Type {
	case MessageTypePing:
		c.reply(MessageTypePong, nil)
	case MessageTypeAck, MessageTypeAccept, MessageTypeDecline:
		c.Hub.mu.RLock()
		inbound := c.Hub.inbound
		c.Hub.mu.RUnlock()
		if inbound == nil {
			c.reply(MessageTypeError, map[string]string{"type": msg.Type, "error": "不支持的操作"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Hub.ctx, 10*time.Second)
		defer cancel()
		result, err := inbound(ctx, c, &msg)
		if err != nil {
			c.reply(MessageTypeError, map[string]string{"type": msg.Type, "error": err.Error()})
			return
		}
		c.reply(MessageTypeSuccess, map[string]interface{}{"type": msg.Type, "result": result})
	default:
		c.Hub.log.Warnf("未知的消息类型: %s", msg.Type)
		c.reply(MessageTypeError, map[string]string{"type": msg.Type, "error": "未知的消息类型"})
	}
}

// reply 直接回给当前连接
func (c *Connection) reply(msgType string, data interface{}) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		return
	}
	msg.To = c.Topic
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.Hub.trySend(c, b)
}
