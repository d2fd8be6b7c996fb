package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Config OpenAI 兼容接口配置
type Config struct {
	APIKey      string
	Endpoint    string
	Model       string
	Temperature float32
	Timeout     time.Duration
	// 要求模型返回 JSON 对象
	JSONMode bool
}

// OpenAIHandler 通过 OpenAI 兼容接口（OpenAI、DashScope、LM Studio 等）调用模型
type OpenAIHandler struct {
	client *openai.Client
	cfg    Config
	logger *logrus.Logger
}

func NewOpenAIHandler(cfg Config, logger *logrus.Logger) (*OpenAIHandler, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		oc.BaseURL = cfg.Endpoint
	}
	return &OpenAIHandler{client: openai.NewClientWithConfig(oc), cfg: cfg, logger: logger}, nil
}

func (h *OpenAIHandler) Query(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       h.cfg.Model,
		Temperature: h.cfg.Temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if h.cfg.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := h.client.CreateChatCompletion(ctx, req)
	if err != nil {
		h.logger.WithError(err).WithField("model", h.cfg.Model).Warn("llm query failed")
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	h.logger.WithFields(logrus.Fields{
		"model":    h.cfg.Model,
		"tokens":   resp.Usage.TotalTokens,
		"duration": time.Since(start),
	}).Debug("llm query")
	return resp.Choices[0].Message.Content, nil
}
