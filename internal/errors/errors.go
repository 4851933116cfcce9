package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志与审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
//
// UserMessage 是可以直接展示给终端用户的文案，内部错误细节不会出现在其中。
type Attributes struct {
	Message     string
	Severity    Severity
	Retryable   bool
	UserMessage string
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	CodeAmbiguousReference Code = "AMBIGUOUS_REFERENCE"
	CodeToolNotFound       Code = "TOOL_NOT_FOUND"
	CodeToolFailure        Code = "TOOL_EXECUTION_FAILED"
	CodeModelFailure       Code = "MODEL_CALL_FAILED"
	CodeEmptyResponse      Code = "EMPTY_MODEL_RESPONSE"
	CodePendingConflict    Code = "PENDING_CONFLICT"
	CodeSessionBusy        Code = "SESSION_BUSY"
)

const genericUserMessage = "Something went wrong on my side. Please try again in a moment."

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:     "unknown error",
			Severity:    SeverityCritical,
			UserMessage: genericUserMessage,
		},
		CodeInvalidArgument: {
			Message:     "invalid argument",
			Severity:    SeverityInfo,
			UserMessage: "I couldn't understand that request. Could you rephrase it?",
		},
		CodeNotFound: {
			Message:     "resource not found",
			Severity:    SeverityInfo,
			UserMessage: "I couldn't find what you were looking for.",
		},
		CodeConflict: {
			Message:     "resource conflict",
			Severity:    SeverityWarning,
			UserMessage: "That record was changed by someone else. Please try again.",
		},
		CodeInitializationFailure: {
			Message:     "service not initialized",
			Severity:    SeverityWarning,
			Retryable:   true,
			UserMessage: "The assistant is still starting up. Please try again shortly.",
		},
		CodeStorageFailure: {
			Message:     "storage failure",
			Severity:    SeverityCritical,
			Retryable:   true,
			UserMessage: genericUserMessage,
		},
		CodeQueueFailure: {
			Message:     "queue failure",
			Severity:    SeverityCritical,
			Retryable:   true,
			UserMessage: genericUserMessage,
		},
		CodeTimeout: {
			Message:     "operation timed out",
			Severity:    SeverityWarning,
			Retryable:   true,
			UserMessage: "That took longer than expected. Please try again.",
		},
		CodeAmbiguousReference: {
			Message:     "ambiguous entity reference",
			Severity:    SeverityInfo,
			UserMessage: "I found more than one match. Which one did you mean?",
		},
		CodeToolNotFound: {
			Message:     "tool not found",
			Severity:    SeverityWarning,
			UserMessage: "I tried to use an action that isn't available, so nothing was done.",
		},
		CodeToolFailure: {
			Message:     "tool execution failed",
			Severity:    SeverityWarning,
			Retryable:   true,
			UserMessage: "I wasn't able to complete that action.",
		},
		CodeModelFailure: {
			Message:     "model call failed",
			Severity:    SeverityCritical,
			Retryable:   true,
			UserMessage: "I'm having trouble thinking right now. Please try again in a moment.",
		},
		CodeEmptyResponse: {
			Message:     "empty model response",
			Severity:    SeverityInfo,
			UserMessage: "I'm not sure how to help with that. Could you tell me a bit more?",
		},
		CodePendingConflict: {
			Message:     "another action is awaiting confirmation",
			Severity:    SeverityInfo,
			UserMessage: "I'm still waiting for your answer on the previous action.",
		},
		CodeSessionBusy: {
			Message:     "session is processing another message",
			Severity:    SeverityInfo,
			Retryable:   true,
			UserMessage: "I'm still working on your previous message.",
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code        Code
	message     string
	cause       error
	metadata    map[string]string
	retryable   *bool
	severity    *Severity
	userMessage string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// WithUserMessage 覆盖面向用户的提示文案。
func WithUserMessage(msg string) Option {
	return func(e *Error) {
		e.userMessage = msg
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// UserMessage 返回可直接展示给用户的文案。
func (e *Error) UserMessage() string {
	if e == nil {
		return ""
	}
	if e.userMessage != "" {
		return e.userMessage
	}
	return AttributesOf(e.code).UserMessage
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// UserMessageOf 返回错误对应的用户提示，未知错误使用通用文案。
func UserMessageOf(err error) string {
	if e, ok := From(err); ok {
		return e.UserMessage()
	}
	return AttributesOf(CodeUnknown).UserMessage
}
