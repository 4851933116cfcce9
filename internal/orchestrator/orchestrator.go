package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"OpenCRM-Dialog/internal/augment"
	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/confirm"
	"OpenCRM-Dialog/internal/directory"
	"OpenCRM-Dialog/internal/enrichment"
	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/llm"
	"OpenCRM-Dialog/internal/notify"
	"OpenCRM-Dialog/internal/observability/metrics"
	"OpenCRM-Dialog/internal/resolver"
	"OpenCRM-Dialog/internal/selector"
	"OpenCRM-Dialog/internal/session"
	"OpenCRM-Dialog/pkg/logger"
)

const (
	defaultLLMTimeout        = 30 * time.Second
	defaultToolTimeout       = 20 * time.Second
	defaultMaxRounds         = 4
	defaultSlowToolThreshold = 8 * time.Second
)

// DefaultSystemInstruction 是未配置时使用的系统提示词。
const DefaultSystemInstruction = "You are a CRM assistant for a real estate professional. " +
	"Use the provided tools to look up, create and update contacts, properties, deals, tasks and calendar events. " +
	"Never invent identifiers. Search before acting when you are unsure whether a record exists. " +
	"Messages starting with " + llm.ToolResultTag + " contain tool results."

// 轮次结果，用于响应与指标。
const (
	OutcomeAnswered     = "answered"
	OutcomeExecuted     = "executed"
	OutcomeApproval     = "approval_required"
	OutcomeCancelled    = "cancelled"
	OutcomeAmbiguous    = "ambiguous"
	OutcomeToolNotFound = "tool_not_found"
	OutcomeToolFailed   = "tool_failed"
	OutcomeNotFound     = "not_found"
	OutcomeEmpty        = "empty_response"
	OutcomeHalted       = "halted"
)

// Config 描述编排器的超时与轮数限制。
type Config struct {
	LLMTimeout        time.Duration
	ToolTimeout       time.Duration
	MaxRounds         int
	SlowToolThreshold time.Duration
	SystemInstruction string
}

func (c Config) withDefaults() Config {
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = defaultLLMTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = defaultMaxRounds
	}
	if c.SlowToolThreshold <= 0 {
		c.SlowToolThreshold = defaultSlowToolThreshold
	}
	if strings.TrimSpace(c.SystemInstruction) == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	return c
}

// Request 是一条用户输入。
type Request struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	VoiceMode      bool   `json:"voice_mode"`
}

// ToolRun 记录一次工具执行。
type ToolRun struct {
	Tool    string         `json:"tool"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Response 是一轮对话的结果。
type Response struct {
	Answer           string                       `json:"answer"`
	Outcome          string                       `json:"outcome"`
	RequiresApproval bool                         `json:"requires_approval"`
	Pending          *session.PendingConfirmation `json:"pending,omitempty"`
	Executed         []ToolRun                    `json:"executed,omitempty"`
	Suggestions      []string                     `json:"suggestions,omitempty"`
	Actions          []augment.Action             `json:"actions,omitempty"`
	ErrorCode        string                       `json:"error_code,omitempty"`
}

// Orchestrator 串联工具选择、模型调用、参数解析、确认流程与工具执行，是系统的业务核心。
type Orchestrator struct {
	sessions *session.Manager
	catalog  *catalog.Catalog
	model    llm.Client
	selector *selector.Selector
	resolver *resolver.Resolver
	confirm  *confirm.Manager
	enricher enrichment.Scanner
	notifier notify.Sink
	cfg      Config
	log      *slog.Logger
	audit    *slog.Logger
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithConfig 设置超时与轮数限制。
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithDirectory 配置零猜测检索使用的实体目录。
func WithDirectory(dir directory.Searcher) Option {
	return func(o *Orchestrator) {
		o.resolver = resolver.New(dir)
	}
}

// WithEnricher 配置外部上下文检索。
func WithEnricher(scanner enrichment.Scanner) Option {
	return func(o *Orchestrator) {
		o.enricher = scanner
	}
}

// WithNotifier 配置慢工具提醒的通知渠道。
func WithNotifier(sink notify.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.notifier = sink
		}
	}
}

// WithSelector 替换默认的工具选择器。
func WithSelector(s *selector.Selector) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.selector = s
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// New 创建编排器。
func New(cat *catalog.Catalog, model llm.Client, sessions *session.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		catalog:  cat,
		model:    model,
		confirm:  confirm.NewManager(),
		notifier: notify.Discard,
		log:      logger.Named("orchestrator"),
		audit:    logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.cfg = o.cfg.withDefaults()
	if o.selector == nil && cat != nil {
		o.selector = selector.New(cat)
	}
	if o.resolver == nil {
		o.resolver = resolver.New(nil)
	}
	return o
}

// HandleMessage 在会话锁内处理一轮用户输入。模型调用失败时返回错误且不保存会话，
// 其余情况（包括歧义、工具失败）都以 Response 的形式返回并持久化会话。
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*Response, error) {
	if o.catalog == nil || o.model == nil || o.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息不能为空",
			xerrors.WithUserMessage("Please type a message."))
	}

	start := time.Now()
	var resp *Response
	err := o.sessions.Do(ctx, req.UserID, req.ConversationID, func(sess *session.Session) error {
		sess.VoiceMode = req.VoiceMode
		t := newTurn(o, sess, req)
		out, err := t.run(ctx)
		if err != nil {
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		metrics.ObserveTurn("error", time.Since(start))
		o.log.Warn("对话轮次失败",
			slog.Any("error", err),
			slog.String("user_id", req.UserID),
			slog.String("conversation_id", req.ConversationID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
		)
		return nil, err
	}
	metrics.ObserveTurn(resp.Outcome, time.Since(start))
	return resp, nil
}

// Snapshot 返回会话快照。
func (o *Orchestrator) Snapshot(ctx context.Context, userID, conversationID string) (*session.Session, error) {
	return o.sessions.Snapshot(ctx, userID, conversationID)
}

// CancelPending 清除会话中的待确认操作，返回被清除的操作（没有时为 nil）。
func (o *Orchestrator) CancelPending(ctx context.Context, userID, conversationID string) (*session.PendingConfirmation, error) {
	var cleared *session.PendingConfirmation
	err := o.sessions.Do(ctx, userID, conversationID, func(sess *session.Session) error {
		cleared = sess.ClearPendingConfirmation()
		if cleared != nil {
			o.audit.Info("confirmation_cancelled", "session", sess.ID, "tool", cleared.ToolName, "via", "api")
		}
		return nil
	})
	return cleared, err
}

// callModel 在超时控制下调用模型并记录指标。
func (o *Orchestrator) callModel(ctx context.Context, req llm.Request) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	start := time.Now()
	resp, err := o.model.Complete(callCtx, req)
	metrics.ObserveModelCall(err == nil, time.Since(start))
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "模型调用超时", xerrors.WithMetadata("timeout", "true"))
		}
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "模型调用失败")
	}
	if resp == nil {
		resp = &llm.Response{}
	}
	return resp, nil
}
