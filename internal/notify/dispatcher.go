package notify

import (
	"context"
	"log/slog"

	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/observability/metrics"
	"OpenCRM-Dialog/pkg/logger"
)

// Dispatcher 从队列消费通知并交给 Deliverer 投递。
type Dispatcher struct {
	consumer    Consumer
	deliverer   Deliverer
	workerCount int
	logger      *slog.Logger
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(consumer Consumer, deliverer Deliverer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		consumer:    consumer,
		deliverer:   deliverer,
		workerCount: 1,
		logger:      logger.Named("notify"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Start 启动投递循环，直到 ctx 结束。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置通知消费者")
	}
	return d.consumer.Consume(ctx, d.workerCount, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, payload []byte) error {
	if d.deliverer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置通知渠道")
	}
	n, err := Decode(payload)
	if err != nil {
		metrics.ObserveNotification("malformed")
		d.logger.Warn("丢弃无法解析的通知", slog.Any("error", err))
		return nil
	}
	if err := d.deliverer.Deliver(ctx, n); err != nil {
		metrics.ObserveNotification("delivery_failed")
		d.logger.Error("通知投递失败",
			slog.Any("error", err),
			slog.String("notification_id", n.ID),
			slog.String("user_id", n.UserID),
		)
		return err
	}
	metrics.ObserveNotification("delivered")
	d.logger.Debug("通知已投递", slog.String("notification_id", n.ID))
	return nil
}
