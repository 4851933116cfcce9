package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/pkg/logger"
)

// Deliverer 负责将通知送达到具体渠道。
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Fanout 将通知广播给多个 Deliverer。
type Fanout struct {
	deliverers []Deliverer
}

// NewFanout 创建广播投递器，忽略 nil 项。
func NewFanout(deliverers ...Deliverer) *Fanout {
	list := make([]Deliverer, 0, len(deliverers))
	for _, d := range deliverers {
		if d != nil {
			list = append(list, d)
		}
	}
	return &Fanout{deliverers: list}
}

// Name 返回渠道名。
func (f *Fanout) Name() string { return "fanout" }

// Deliver 将通知投递至全部渠道，汇总各渠道的错误。
func (f *Fanout) Deliver(ctx context.Context, n Notification) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, d := range f.deliverers {
		if err := d.Deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", d.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// AuditDeliverer 将通知写入审计日志。
type AuditDeliverer struct{}

// Name 返回渠道名。
func (AuditDeliverer) Name() string { return "audit" }

// Deliver 记录通知。
func (AuditDeliverer) Deliver(_ context.Context, n Notification) error {
	logger.Audit().Info("用户通知",
		slog.String("notification_id", n.ID),
		slog.String("user_id", n.UserID),
		slog.String("conversation_id", n.ConversationID),
		slog.String("tool", n.Tool),
		slog.String("message", n.Message),
	)
	return nil
}

// WebhookDeliverer 以 JSON POST 的形式把通知推送到外部地址。
type WebhookDeliverer struct {
	URL    string
	Client *http.Client
}

// NewWebhookDeliverer 创建 Webhook 渠道。
func NewWebhookDeliverer(url string, timeout time.Duration) *WebhookDeliverer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDeliverer{URL: strings.TrimSpace(url), Client: &http.Client{Timeout: timeout}}
}

// Name 返回渠道名。
func (w *WebhookDeliverer) Name() string { return "webhook" }

// Deliver 发送通知。
func (w *WebhookDeliverer) Deliver(ctx context.Context, n Notification) error {
	if w == nil || w.URL == "" {
		logger.L().Warn("WebhookDeliverer 未正确配置，跳过发送", slog.String("notification_id", n.ID))
		return nil
	}
	payload, err := Encode(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(CodeNotifyDeliver, err, "构建 Webhook 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeNotifyDeliver, err, "请求 Webhook 失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(CodeNotifyDeliver,
			fmt.Sprintf("Webhook 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	return nil
}
