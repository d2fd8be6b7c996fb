// Package emergency 通过 webhook 通知外部紧急响应系统，同一警报只通知一次。
package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/cache"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/logger"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

type Config struct {
	URL   string
	Token string
	// 单次请求超时
	Timeout time.Duration
	// 重试总时长上限
	MaxElapsed time.Duration
	// 同一警报去重的时长
	DedupeTTL time.Duration
}

// Payload 发往紧急响应系统的内容
type Payload struct {
	AlertID   string    `json:"alertId"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Severity  string    `json:"severity"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Webhook struct {
	cfg    Config
	client *http.Client
	seen   cache.Cache
}

// NewWebhook seen 为空时使用进程内缓存
func NewWebhook(cfg Config, seen cache.Cache) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 2 * time.Hour
	}
	if seen == nil {
		seen = cache.NewGoCache(cache.LocalConfig{DefaultExpiration: cfg.DedupeTTL, CleanupInterval: 10 * time.Minute})
	}
	return &Webhook{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, seen: seen}
}

func (w *Webhook) Trigger(ctx context.Context, alert models.Alert) error {
	if w.cfg.URL == "" {
		return errors.New("emergency webhook url is empty")
	}
	key := "emergency:" + alert.ID
	first, err := w.seen.SetNX(ctx, key, "1", w.cfg.DedupeTTL)
	if err != nil {
		return errors.Wrap(err, "emergency dedupe")
	}
	if !first {
		logger.Debug("emergency already triggered", zap.String("alert", alert.ID))
		return nil
	}

	body, err := json.Marshal(Payload{
		AlertID:   alert.ID,
		UserID:    alert.UserID,
		SessionID: alert.SessionID,
		Severity:  alert.Severity,
		Priority:  alert.PriorityLevel,
		Status:    alert.Status,
		Reason:    alert.EscalationReason,
		CreatedAt: alert.CreatedAt,
	})
	if err != nil {
		_ = w.seen.Delete(ctx, key)
		return errors.Wrap(err, "marshal emergency payload")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = w.cfg.MaxElapsed
	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return w.post(ctx, body)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		// 失败后允许下一次调用重试
		_ = w.seen.Delete(context.Background(), key)
		return errors.Wrapf(err, "emergency webhook after %d attempts", attempts)
	}
	logger.Info("emergency services notified", zap.String("alert", alert.ID), zap.Int("attempts", attempts))
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("emergency webhook status %d", resp.StatusCode)
	}
	return backoff.Permanent(fmt.Errorf("emergency webhook status %d", resp.StatusCode))
}
