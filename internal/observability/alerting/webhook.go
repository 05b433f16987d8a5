package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// webhookClient 封装向告警网关发送 JSON 的公共逻辑。
type webhookClient struct {
	url    string
	client *http.Client
}

func newWebhookClient(url string) *webhookClient {
	return &webhookClient{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *webhookClient) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警载荷失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("告警网关返回 %s", resp.Status)
	}
	return nil
}

// DingTalkWebhook 通过钉钉机器人 webhook 发送文本告警。
type DingTalkWebhook struct {
	client *webhookClient
}

// NewDingTalkWebhook 创建钉钉 webhook 发送器。
func NewDingTalkWebhook(url string) *DingTalkWebhook {
	return &DingTalkWebhook{client: newWebhookClient(url)}
}

// Send 实现 DingTalkSender。
func (w *DingTalkWebhook) Send(ctx context.Context, content string) error {
	return w.client.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackWebhook 通过 incoming webhook 发送 Slack 告警。
type SlackWebhook struct {
	client *webhookClient
}

// NewSlackWebhook 创建 Slack webhook 发送器。
func NewSlackWebhook(url string) *SlackWebhook {
	return &SlackWebhook{client: newWebhookClient(url)}
}

// Send 实现 SlackSender。channel 为空时由 webhook 的默认配置决定。
func (w *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return w.client.post(ctx, payload)
}

var (
	_ DingTalkSender = (*DingTalkWebhook)(nil)
	_ SlackSender    = (*SlackWebhook)(nil)
)
