package llm

import "context"

// Message 一条对话消息
type Message struct {
	Role    string
	Content string
}

// LLM 对话式大模型
type LLM interface {
	// Query 发送 system prompt 与对话，返回模型回复
	Query(ctx context.Context, messages []Message) (string, error)
}
