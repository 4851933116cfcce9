package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenCRM-Dialog/internal/errors"
)

// EntityKind 表示会话中可被追踪的实体类型。
type EntityKind string

const (
	KindContact  EntityKind = "contact"
	KindProperty EntityKind = "property"
	KindDeal     EntityKind = "deal"
	KindTask     EntityKind = "task"
	KindEvent    EntityKind = "event"
)

// Kinds 按固定顺序列出所有实体类型。
var Kinds = []EntityKind{KindContact, KindProperty, KindDeal, KindTask, KindEvent}

// Role 标记历史消息的角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	// DefaultMaxHistory 是历史消息的默认保留条数。
	DefaultMaxHistory = 60
	// DefaultMaxRecent 是每类实体的最近列表长度。
	DefaultMaxRecent = 5
)

// ErrPendingExists 表示会话已存在待确认操作，必须先清除才能创建新的。
var ErrPendingExists = xerrors.New(xerrors.CodePendingConflict, "会话已存在待确认操作")

// Message 是会话历史中的一条消息。
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// EntityRef 指向当前焦点实体。
type EntityRef struct {
	Kind     EntityKind     `json:"kind"`
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TrackedEntity 是最近列表中的实体快照。
type TrackedEntity struct {
	Kind   EntityKind     `json:"kind"`
	ID     string         `json:"id"`
	Label  string         `json:"label"`
	Fields map[string]any `json:"fields,omitempty"`
}

// PendingConfirmation 描述一个等待用户批准的工具调用。
type PendingConfirmation struct {
	ID                 string         `json:"id"`
	ToolName           string         `json:"tool_name"`
	RawPayload         map[string]any `json:"raw_payload,omitempty"`
	AccumulatedParams  map[string]any `json:"accumulated_params"`
	SuggestedData      map[string]any `json:"suggested_data,omitempty"`
	ConfirmationPrompt string         `json:"confirmation_prompt"`
	IsDestructive      bool           `json:"is_destructive"`
	OriginalQuery      string         `json:"original_query"`
	WasPrompted        bool           `json:"was_prompted"`
	ContextScanKey     string         `json:"context_scan_key,omitempty"`
	CreatedAt          int64          `json:"created_at"`
}

// Session 保存一个 (用户, 会话) 的全部对话状态。
//
// 所有修改都应通过本类型的方法完成，调用方需保证同一会话的轮次串行执行（见 Manager）。
type Session struct {
	ID             string                         `json:"id"`
	UserID         string                         `json:"user_id"`
	ConversationID string                         `json:"conversation_id"`
	History        []Message                      `json:"history"`
	Focus          *EntityRef                     `json:"focus,omitempty"`
	Recent         map[EntityKind][]TrackedEntity `json:"recent,omitempty"`
	Pending        *PendingConfirmation           `json:"pending,omitempty"`
	AutoExecute    bool                           `json:"auto_execute"`
	VoiceMode      bool                           `json:"voice_mode"`
	Failures       map[string]int                 `json:"failures,omitempty"`
	CreatedAt      int64                          `json:"created_at"`
	UpdatedAt      int64                          `json:"updated_at"`

	maxHistory int
	maxRecent  int
}

// New 创建一个空会话。
func New(userID, conversationID string) *Session {
	now := time.Now().Unix()
	return &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Recent:         make(map[EntityKind][]TrackedEntity),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Key 返回会话在存储中的键。
func Key(userID, conversationID string) string {
	return userID + ":" + conversationID
}

// Key 返回当前会话的存储键。
func (s *Session) Key() string {
	return Key(s.UserID, s.ConversationID)
}

// SetLimits 设置历史与最近实体的容量，非正数表示使用默认值。
func (s *Session) SetLimits(maxHistory, maxRecent int) {
	s.maxHistory = maxHistory
	s.maxRecent = maxRecent
}

func (s *Session) historyLimit() int {
	if s.maxHistory > 0 {
		return s.maxHistory
	}
	return DefaultMaxHistory
}

func (s *Session) recentLimit() int {
	if s.maxRecent > 0 {
		return s.maxRecent
	}
	return DefaultMaxRecent
}

// AddMessage 追加一条历史消息，超过上限时丢弃最早的消息。
func (s *Session) AddMessage(role Role, content string) {
	s.History = append(s.History, Message{Role: role, Content: content, CreatedAt: time.Now().Unix()})
	if limit := s.historyLimit(); len(s.History) > limit {
		s.History = append([]Message(nil), s.History[len(s.History)-limit:]...)
	}
}

// SetFocus 更新当前焦点实体。
func (s *Session) SetFocus(ref *EntityRef) {
	s.Focus = ref
}

// FocusOf 返回指定类型的焦点实体 ID。
func (s *Session) FocusOf(kind EntityKind) (string, bool) {
	if s.Focus == nil || s.Focus.Kind != kind || s.Focus.ID == "" {
		return "", false
	}
	return s.Focus.ID, true
}

// TrackEntity 把实体放到最近列表的最前面，同 ID 的旧记录会被移除。
func (s *Session) TrackEntity(entity TrackedEntity) {
	if s.Recent == nil {
		s.Recent = make(map[EntityKind][]TrackedEntity)
	}
	list := s.Recent[entity.Kind]
	next := make([]TrackedEntity, 0, len(list)+1)
	next = append(next, entity)
	for _, existing := range list {
		if existing.ID == entity.ID {
			continue
		}
		next = append(next, existing)
	}
	if limit := s.recentLimit(); len(next) > limit {
		next = next[:limit]
	}
	s.Recent[entity.Kind] = next
}

// MostRecent 返回指定类型最近一次出现的实体。
func (s *Session) MostRecent(kind EntityKind) (TrackedEntity, bool) {
	list := s.Recent[kind]
	if len(list) == 0 {
		return TrackedEntity{}, false
	}
	return list[0], true
}

// HasRecent 判断指定类型是否有最近实体。
func (s *Session) HasRecent(kind EntityKind) bool {
	return len(s.Recent[kind]) > 0
}

// SetPendingConfirmation 登记新的待确认操作。已有待确认操作时返回 ErrPendingExists。
func (s *Session) SetPendingConfirmation(pending *PendingConfirmation) error {
	if pending == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "待确认操作不能为空")
	}
	if s.Pending != nil {
		return ErrPendingExists
	}
	if pending.ID == "" {
		pending.ID = uuid.NewString()
	}
	if pending.CreatedAt == 0 {
		pending.CreatedAt = time.Now().Unix()
	}
	if pending.AccumulatedParams == nil {
		pending.AccumulatedParams = make(map[string]any)
	}
	s.Pending = pending
	return nil
}

// ClearPendingConfirmation 移除待确认操作并返回被移除的值。
func (s *Session) ClearPendingConfirmation() *PendingConfirmation {
	pending := s.Pending
	s.Pending = nil
	return pending
}

// MergePending 把新参数合并进同名工具的待确认操作。工具名不一致时不做任何修改。
func (s *Session) MergePending(toolName string, args map[string]any) (*PendingConfirmation, bool) {
	if s.Pending == nil || s.Pending.ToolName != toolName {
		return nil, false
	}
	suggested, rest := SplitSuggested(args)
	s.Pending.AccumulatedParams = MergeParams(s.Pending.AccumulatedParams, rest)
	if len(suggested) > 0 {
		s.Pending.SuggestedData = MergeParams(s.Pending.SuggestedData, suggested)
	}
	return s.Pending, true
}

// EnableAutoExecute 打开粘性自动执行模式。
func (s *Session) EnableAutoExecute() {
	s.AutoExecute = true
}

// FailureCount 返回工具在本会话中连续失败的次数。
func (s *Session) FailureCount(tool string) int {
	return s.Failures[tool]
}

// RecordFailure 记录一次工具失败。
func (s *Session) RecordFailure(tool string) int {
	if s.Failures == nil {
		s.Failures = make(map[string]int)
	}
	s.Failures[tool]++
	return s.Failures[tool]
}

// ResetFailures 清除工具的失败计数。
func (s *Session) ResetFailures(tool string) {
	delete(s.Failures, tool)
}

// Clone 返回会话的深拷贝。
func (s *Session) Clone() (*Session, error) {
	encoded, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("序列化会话失败: %w", err)
	}
	var clone Session
	if err := json.Unmarshal(encoded, &clone); err != nil {
		return nil, fmt.Errorf("反序列化会话失败: %w", err)
	}
	clone.maxHistory = s.maxHistory
	clone.maxRecent = s.maxRecent
	return &clone, nil
}

// SuggestedKey 是参数中私有建议数据的保留键。
const SuggestedKey = "__suggestedData"

// MergeParams 浅合并参数：新值覆盖旧值，但空值永远不会覆盖已收集的非空值。
func MergeParams(existing, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(incoming))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range incoming {
		if IsEmpty(value) {
			if _, ok := merged[key]; !ok {
				merged[key] = value
			}
			continue
		}
		merged[key] = value
	}
	return merged
}

// SplitSuggested 把 __suggestedData 从参数中拆出来。
func SplitSuggested(args map[string]any) (map[string]any, map[string]any) {
	if len(args) == 0 {
		return nil, args
	}
	raw, ok := args[SuggestedKey]
	if !ok {
		return nil, args
	}
	rest := make(map[string]any, len(args))
	for key, value := range args {
		if key != SuggestedKey {
			rest[key] = value
		}
	}
	suggested, _ := raw.(map[string]any)
	return suggested, rest
}

// IsEmpty 判断参数值是否视为未提供。
func IsEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}
