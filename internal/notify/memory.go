package notify

import (
	"fmt"
	"sync"
)

// Published 一条已发布的消息
type Published struct {
	Topic   string
	Payload interface{}
}

// MemoryTransport 进程内传输，单机部署或未启用 WebSocket 时使用
type MemoryTransport struct {
	mu        sync.Mutex
	online    map[string]bool
	failing   map[string]bool
	published []Published
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{online: make(map[string]bool), failing: make(map[string]bool)}
}

func (m *MemoryTransport) SetOnline(topic string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[topic] = online
}

// SetFailing 令某个主题的发布返回错误
func (m *MemoryTransport) SetFailing(topic string, failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[topic] = failing
}

func (m *MemoryTransport) IsOnline(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[topic]
}

func (m *MemoryTransport) Publish(topic string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[topic] {
		return fmt.Errorf("publish to %s failed", topic)
	}
	m.published = append(m.published, Published{Topic: topic, Payload: payload})
	return nil
}

// Published 返回发往 topic 的消息，topic 为空时返回全部
func (m *MemoryTransport) Published(topic string) []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Published
	for _, p := range m.published {
		if topic == "" || p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}
