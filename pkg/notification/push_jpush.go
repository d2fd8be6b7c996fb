package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotConfigured 推送或短信客户端未配置
var ErrNotConfigured = errors.New("notification: client not configured")

type JPushConfig struct {
	AppKey         string
	MasterSecret   string
	Endpoint       string // 默认 https://api.jpush.cn/v3/push
	ApnsProduction bool
	Timeout        time.Duration
}

type JPushClient interface {
	Push(ctx context.Context, title, content string, audience map[string]interface{}, extras map[string]interface{}) error
}

type JPush struct {
	cfg JPushConfig
	cli JPushClient
}

func NewJPush(cfg JPushConfig, cli JPushClient) *JPush { return &JPush{cfg: cfg, cli: cli} }

// PushToAlias 按别名推送，别名即响应者或用户 ID
func (j *JPush) PushToAlias(ctx context.Context, alias []string, title, content string, extras map[string]interface{}) error {
	if j == nil || j.cli == nil {
		return ErrNotConfigured
	}
	aud := map[string]interface{}{"alias": alias}
	return j.cli.Push(ctx, title, content, aud, extras)
}

func (j *JPush) PushToAll(ctx context.Context, title, content string, extras map[string]interface{}) error {
	if j == nil || j.cli == nil {
		return ErrNotConfigured
	}
	return j.cli.Push(ctx, title, content, map[string]interface{}{"all": true}, extras)
}

// httpJPushClient 直接调用 JPush REST v3 接口
type httpJPushClient struct {
	cfg  JPushConfig
	http *http.Client
}

// NewJPushHTTPClient 基于 REST 接口的 JPush 客户端
func NewJPushHTTPClient(cfg JPushConfig, hc *http.Client) JPushClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.jpush.cn/v3/push"
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &httpJPushClient{cfg: cfg, http: hc}
}

func (c *httpJPushClient) Push(ctx context.Context, title, content string, audience map[string]interface{}, extras map[string]interface{}) error {
	var aud interface{} = audience
	if all, ok := audience["all"].(bool); ok && all {
		aud = "all"
	}
	body := map[string]interface{}{
		"platform": "all",
		"audience": aud,
		"notification": map[string]interface{}{
			"alert":   content,
			"android": map[string]interface{}{"title": title, "alert": content, "extras": extras},
			"ios":     map[string]interface{}{"alert": content, "extras": extras, "sound": "default"},
		},
		"options": map[string]interface{}{"apns_production": c.cfg.ApnsProduction},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.AppKey, c.cfg.MasterSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jpush: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
