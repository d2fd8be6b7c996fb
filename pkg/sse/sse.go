// Package sse 管理后台的 Server-Sent Events 推送，支持分组与断线重放。
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Event 一条带序号的事件
type Event struct {
	ID    uint64
	Group string
	Type  string
	Data  string
}

func (e Event) format() string {
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

type Client struct {
	id     string
	groups map[string]bool
	ch     chan Event
	done   chan struct{}
}

// C 客户端待发送的事件
func (c *Client) C() <-chan Event { return c.ch }

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	groups   map[string]map[string]bool // group -> clientID set
	interval time.Duration
	retryMs  int

	seq     uint64
	history []Event
	keep    int
	log     *logrus.Logger
}

// NewHub keep 为保留用于重放的事件数
func NewHub(interval time.Duration, keep int, log *logrus.Logger) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if keep <= 0 {
		keep = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		groups:   make(map[string]map[string]bool),
		interval: interval,
		retryMs:  5000,
		keep:     keep,
		log:      log,
	}
}

func (h *Hub) AddClient(id string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[id]; ok {
		h.removeLocked(old)
	}
	c := &Client{id: id, groups: make(map[string]bool), ch: make(chan Event, 64), done: make(chan struct{})}
	h.clients[id] = c
	return c
}

func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *Client) {
	close(c.done)
	for g := range c.groups {
		delete(h.groups[g], c.id)
	}
	delete(h.clients, c.id)
}

func (h *Hub) Join(id, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	c.groups[group] = true
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]bool)
	}
	h.groups[group][id] = true
}

func (h *Hub) Leave(id, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(c.groups, group)
	if h.groups[group] != nil {
		delete(h.groups[group], id)
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 向分组发送 JSON 事件，group 为空时发给所有客户端。慢客户端丢弃事件，可凭 Last-Event-ID 重放。
func (h *Hub) Publish(group, eventType string, v interface{}) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev := Event{ID: h.seq, Group: group, Type: eventType, Data: string(b)}
	h.history = append(h.history, ev)
	if over := len(h.history) - h.keep; over > 0 {
		h.history = append([]Event(nil), h.history[over:]...)
	}

	for _, c := range h.clients {
		if group != "" && !c.groups[group] && len(c.groups) > 0 {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			h.log.WithFields(logrus.Fields{"client": c.id, "event": ev.ID}).Warn("sse client too slow, event dropped")
		}
	}
	return ev, nil
}

// Since 返回 lastID 之后的历史事件，只包含客户端所在分组
func (h *Hub) Since(lastID uint64, groups map[string]bool) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Event
	for _, ev := range h.history {
		if ev.ID <= lastID {
			continue
		}
		if ev.Group != "" && len(groups) > 0 && !groups[ev.Group] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Serve 在 gin 请求上保持事件流，?group= 可重复指定订阅分组，未指定时接收全部
func (h *Hub) Serve(c *gin.Context, clientID string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", h.retryMs)

	client := h.AddClient(clientID)
	defer h.RemoveClient(clientID)
	groups := map[string]bool{}
	for _, g := range c.QueryArray("group") {
		h.Join(clientID, g)
		groups[g] = true
	}

	if last, err := strconv.ParseUint(c.GetHeader("Last-Event-ID"), 10, 64); err == nil {
		for _, ev := range h.Since(last, groups) {
			_, _ = c.Writer.Write([]byte(ev.format()))
		}
	}
	flusher.Flush()
	h.log.WithField("client", clientID).Debug("sse client connected")

	ping := time.NewTicker(h.interval)
	defer ping.Stop()
	for {
		select {
		case <-client.done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case ev := <-client.ch:
			_, _ = c.Writer.Write([]byte(ev.format()))
			flusher.Flush()
		}
	}
}
