package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const webhookTimeout = 10 * time.Second

// WebhookDingTalkSender 通过自定义机器人 webhook 推送文本消息。
type WebhookDingTalkSender struct {
	URL    string
	Client *http.Client
}

// Send 实现 DingTalkSender。
func (s *WebhookDingTalkSender) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.client(), s.URL, payload)
}

func (s *WebhookDingTalkSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: webhookTimeout}
}

// WebhookSlackSender 通过 incoming webhook 推送消息。
type WebhookSlackSender struct {
	URL    string
	Client *http.Client
}

// Send 实现 SlackSender。webhook 本身绑定频道，channel 仅作为附加字段。
func (s *WebhookSlackSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{
		"channel": channel,
		"text":    content,
	}
	return postJSON(ctx, s.client(), s.URL, payload)
}

func (s *WebhookSlackSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: webhookTimeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("webhook 地址为空")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化 webhook 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态 %d", resp.StatusCode)
	}
	return nil
}
