package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

// WebhookSender 以 JSON POST 方式调用机器人 Webhook，同时满足 DingTalkSender 与 SlackSender。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender 创建 Webhook 发送器，timeout 非正时使用 5 秒。
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{URL: strings.TrimSpace(url), Client: &http.Client{Timeout: timeout}}
}

// Send 按钉钉机器人的 text 消息格式发送。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackSender 返回按 Slack incoming webhook 格式发送的适配器。
func (s *WebhookSender) SlackSender() SlackSender {
	return slackWebhook{s}
}

type slackWebhook struct {
	*WebhookSender
}

func (s slackWebhook) Send(ctx context.Context, channel, content string) error {
	return s.post(ctx, map[string]string{"channel": channel, "text": content})
}

func (s *WebhookSender) post(ctx context.Context, payload any) error {
	if s == nil || s.URL == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "Webhook 地址未配置")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化告警消息失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造 Webhook 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调用 Webhook 失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("Webhook 返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	return nil
}

var (
	_ DingTalkSender = (*WebhookSender)(nil)
	_ SlackSender    = slackWebhook{}
)
