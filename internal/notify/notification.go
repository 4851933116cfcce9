package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	xerrors "OpenCRM-Dialog/internal/errors"
)

const (
	// CodeNotifyPublish 表示通知入队失败。
	CodeNotifyPublish xerrors.Code = "NOTIFY_PUBLISH_FAILED"
	// CodeNotifyDeliver 表示通知投递失败。
	CodeNotifyDeliver xerrors.Code = "NOTIFY_DELIVERY_FAILED"
)

func init() {
	xerrors.Register(CodeNotifyPublish, xerrors.Attributes{
		Message:     "failed to publish notification",
		Severity:    xerrors.SeverityWarning,
		Retryable:   true,
		UserMessage: "I couldn't send that update right now.",
	})
	xerrors.Register(CodeNotifyDeliver, xerrors.Attributes{
		Message:     "failed to deliver notification",
		Severity:    xerrors.SeverityWarning,
		Retryable:   true,
		UserMessage: "I couldn't deliver that update right now.",
	})
}

// Notification 描述一次发往用户的异步提示，例如长耗时工具开始执行。
type Notification struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	SessionID      string            `json:"session_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Tool           string            `json:"tool,omitempty"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Sink 接收通知。实现必须立即返回，不得阻塞调用方的对话轮次。
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// SinkFunc 允许使用函数作为 Sink。
type SinkFunc func(ctx context.Context, n Notification)

// Notify 调用底层函数。
func (f SinkFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// Discard 丢弃所有通知。
var Discard Sink = SinkFunc(func(context.Context, Notification) {})

// Encode 将通知序列化为队列消息体。
func Encode(n Notification) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("序列化通知失败: %w", err)
	}
	return payload, nil
}

// Decode 从队列消息体还原通知。
func Decode(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("解析通知失败: %w", err)
	}
	return n, nil
}
