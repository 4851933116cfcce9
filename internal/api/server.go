package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/observability/metrics"
	"OpenCRM-Dialog/internal/orchestrator"
	"OpenCRM-Dialog/internal/session"
	"OpenCRM-Dialog/pkg/logger"
)

// UserHeader 携带调用方已认证的用户 ID。
const UserHeader = "X-User-ID"

const maxBodyBytes = 64 << 10

// Dialog 是 API 层依赖的对话能力，由 orchestrator.Orchestrator 实现。
type Dialog interface {
	HandleMessage(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	Snapshot(ctx context.Context, userID, conversationID string) (*session.Session, error)
	CancelPending(ctx context.Context, userID, conversationID string) (*session.PendingConfirmation, error)
}

// Server 负责暴露 REST 接口，供外部驱动对话。
type Server struct {
	addr            string
	dialog          Dialog
	log             *slog.Logger
	audit           *slog.Logger
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义可选的服务配置。
type Option func(*Server)

// WithTimeouts 设置读写与关闭超时，零值表示保留默认值。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, dialog Dialog, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		dialog:          dialog,
		log:             logger.Named("api"),
		audit:           logger.Audit(),
		readTimeout:     15 * time.Second,
		writeTimeout:    90 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/conversations/{conversationID}/messages", s.instrument("send_message", s.handleSendMessage))
	mux.Handle("GET /api/v1/conversations/{conversationID}", s.instrument("get_conversation", s.handleSnapshot))
	mux.Handle("DELETE /api/v1/conversations/{conversationID}/pending", s.instrument("cancel_pending", s.handleCancelPending))
	mux.Handle("GET /healthz", s.instrument("healthz", s.handleHealth))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", "address", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type sendMessageRequest struct {
	Message   string `json:"message"`
	VoiceMode bool   `json:"voice_mode"`
}

// handleSendMessage 处理一轮用户输入。
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := s.identify(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败",
			xerrors.WithUserMessage("The request body must be JSON like {\"message\": \"...\"}.")))
		return
	}

	resp, err := s.dialog.HandleMessage(r.Context(), orchestrator.Request{
		UserID:         userID,
		ConversationID: conversationID,
		Message:        req.Message,
		VoiceMode:      req.VoiceMode,
	})
	if err != nil {
		s.log.Warn("处理消息失败", slog.Any("error", err), slog.String("conversation_id", conversationID))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SessionView 是会话快照的对外视图。
type SessionView struct {
	ID             string                                         `json:"id"`
	ConversationID string                                         `json:"conversation_id"`
	Focus          *session.EntityRef                             `json:"focus,omitempty"`
	Recent         map[session.EntityKind][]session.TrackedEntity `json:"recent,omitempty"`
	Pending        *session.PendingConfirmation                   `json:"pending,omitempty"`
	AutoExecute    bool                                           `json:"auto_execute"`
	VoiceMode      bool                                           `json:"voice_mode"`
	HistorySize    int                                            `json:"history_size"`
	UpdatedAt      int64                                          `json:"updated_at"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := s.identify(w, r)
	if !ok {
		return
	}
	sess, err := s.dialog.Snapshot(r.Context(), userID, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionView{
		ID:             sess.ID,
		ConversationID: sess.ConversationID,
		Focus:          sess.Focus,
		Recent:         sess.Recent,
		Pending:        sess.Pending,
		AutoExecute:    sess.AutoExecute,
		VoiceMode:      sess.VoiceMode,
		HistorySize:    len(sess.History),
		UpdatedAt:      sess.UpdatedAt,
	})
}

func (s *Server) handleCancelPending(w http.ResponseWriter, r *http.Request) {
	userID, conversationID, ok := s.identify(w, r)
	if !ok {
		return
	}
	cleared, err := s.dialog.CancelPending(r.Context(), userID, conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cleared != nil, "pending": cleared})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identify 读取用户与会话标识，缺失时直接写入 400 响应。
func (s *Server) identify(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if s.dialog == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "对话服务未初始化"))
		return "", "", false
	}
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	conversationID := strings.TrimSpace(r.PathValue("conversationID"))
	if userID == "" || conversationID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少用户或会话标识",
			xerrors.WithUserMessage("Both the "+UserHeader+" header and a conversation id are required.")))
		return "", "", false
	}
	return userID, conversationID, true
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// writeError 把编码错误映射为 HTTP 状态，响应中只包含面向用户的文案。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := xerrors.UserMessageOf(err)
	if message == "" {
		message = "Something went wrong. Please try again."
	}
	writeJSON(w, statusFor(code), map[string]errorBody{"error": {
		Code:      string(code),
		Message:   message,
		Retryable: xerrors.RetryableError(err),
	}})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodePendingConflict, xerrors.CodeSessionBusy:
		return http.StatusConflict
	case xerrors.CodeModelFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录请求耗时与状态码，并为会话接口写入访问审计日志。
func (s *Server) instrument(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		if conversationID := r.PathValue("conversationID"); conversationID != "" {
			s.audit.Info("api_request",
				"handler", name,
				"method", r.Method,
				"status", rec.status,
				"user", r.Header.Get(UserHeader),
				"conversation_id", conversationID,
				"duration_ms", elapsed.Milliseconds(),
			)
		}
	})
}
