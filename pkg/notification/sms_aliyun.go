package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type AliyunSMSConfig struct {
	AccessKeyId     string
	AccessKeySecret string
	SignName        string
	TemplateCode    string // 危机告警短信模板
	Endpoint        string // 短信网关地址
}

type AliyunSMS struct {
	cfg AliyunSMSConfig
	cli AliyunSMSClient
}

// AliyunSMSClient 便于替换/注入的发送接口（适配真实 SDK）
type AliyunSMSClient interface {
	Send(ctx context.Context, phone, sign, template string, params map[string]string) error
}

func NewAliyunSMS(cfg AliyunSMSConfig, cli AliyunSMSClient) *AliyunSMS {
	return &AliyunSMS{cfg: cfg, cli: cli}
}

// SendAlert 发送危机告警短信
func (a *AliyunSMS) SendAlert(ctx context.Context, phone string, params map[string]string) error {
	if a == nil || a.cli == nil {
		return ErrNotConfigured
	}
	if phone == "" {
		return fmt.Errorf("sms: empty phone")
	}
	return a.cli.Send(ctx, phone, a.cfg.SignName, a.cfg.TemplateCode, params)
}

// gatewaySMSClient 通过内部短信网关转发，网关负责对接云厂商签名
type gatewaySMSClient struct {
	cfg  AliyunSMSConfig
	http *http.Client
}

func NewGatewaySMSClient(cfg AliyunSMSConfig, hc *http.Client) AliyunSMSClient {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &gatewaySMSClient{cfg: cfg, http: hc}
}

func (g *gatewaySMSClient) Send(ctx context.Context, phone, sign, template string, params map[string]string) error {
	buf, err := json.Marshal(map[string]interface{}{
		"phoneNumbers":  phone,
		"signName":      sign,
		"templateCode":  template,
		"templateParam": params,
		"accessKeyId":   g.cfg.AccessKeyId,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Key-Secret", g.cfg.AccessKeySecret)
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	}
	return nil
}
