package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenCRM-Dialog/internal/observability/metrics"
	"OpenCRM-Dialog/pkg/logger"
)

const defaultPublishTimeout = 2 * time.Second

// QueueSink 将通知异步写入队列，由 Dispatcher 负责投递。
type QueueSink struct {
	producer Producer
	timeout  time.Duration
	log      *slog.Logger
}

// SinkOption 定义 QueueSink 的可选配置。
type SinkOption func(*QueueSink)

// WithPublishTimeout 设置单次入队的超时时间。
func WithPublishTimeout(timeout time.Duration) SinkOption {
	return func(s *QueueSink) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewQueueSink 构造基于队列的 Sink。
func NewQueueSink(producer Producer, opts ...SinkOption) *QueueSink {
	s := &QueueSink{
		producer: producer,
		timeout:  defaultPublishTimeout,
		log:      logger.Named("notify"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Notify 补全通知的 ID 与时间后在后台入队，调用方不会被阻塞。
func (s *QueueSink) Notify(ctx context.Context, n Notification) {
	if s == nil || s.producer == nil {
		return
	}
	if strings.TrimSpace(n.ID) == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload, err := Encode(n)
	if err != nil {
		s.log.Warn("通知序列化失败", slog.Any("error", err), slog.String("notification_id", n.ID))
		return
	}

	go func() {
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.producer.Publish(publishCtx, payload); err != nil {
			metrics.ObserveNotification("publish_failed")
			s.log.Warn("通知入队失败",
				slog.Any("error", err),
				slog.String("notification_id", n.ID),
				slog.String("tool", n.Tool),
			)
			return
		}
		metrics.ObserveNotification("published")
	}()
}

var _ Sink = (*QueueSink)(nil)
