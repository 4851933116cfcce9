package confirm

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"OpenCRM-Dialog/internal/session"
	"OpenCRM-Dialog/pkg/logger"
)

// Decision 是对待确认操作的处理结论。
type Decision int

const (
	// DecisionNone 表示没有待确认操作。
	DecisionNone Decision = iota
	// DecisionContinue 表示保留待确认操作，按正常流程处理本轮。
	DecisionContinue
	// DecisionExecute 表示用户批准执行。
	DecisionExecute
	// DecisionCancel 表示用户取消。
	DecisionCancel
	// DecisionSwitch 表示用户转向了新的话题，待确认操作被丢弃。
	DecisionSwitch
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionExecute:
		return "execute"
	case DecisionCancel:
		return "cancel"
	case DecisionSwitch:
		return "switch"
	default:
		return "none"
	}
}

// Outcome 是 Evaluate 的结果。Execute 时 Params 为最终参数。
type Outcome struct {
	Decision Decision
	Pending  *session.PendingConfirmation
	Params   map[string]any
	Reason   string
}

// CancelAcknowledgement 是取消后返回给用户的文案。
const CancelAcknowledgement = "Okay, I've cancelled that. Nothing was changed."

var (
	addressPattern = regexp.MustCompile(`\b\d+\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*`)
	namePattern    = regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`)
	intentPrefixes = []string{"create", "search", "look up"}
)

var nameStoplist = map[string]struct{}{
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {}, "friday": {}, "saturday": {}, "sunday": {},
	"today": {}, "tomorrow": {}, "yesterday": {}, "tonight": {}, "next": {}, "last": {}, "this": {},
	"morning": {}, "afternoon": {}, "evening": {}, "week": {}, "month": {}, "year": {},
	"january": {}, "february": {}, "march": {}, "april": {}, "may": {}, "june": {}, "july": {},
	"august": {}, "september": {}, "october": {}, "november": {}, "december": {},
	"street": {}, "st": {}, "avenue": {}, "ave": {}, "road": {}, "rd": {}, "lane": {}, "drive": {},
	"contact": {}, "property": {}, "deal": {}, "task": {}, "meeting": {}, "email": {}, "phone": {},
	"yes": {}, "no": {}, "please": {}, "thanks": {}, "also": {}, "and": {}, "the": {}, "her": {}, "his": {},
	"their": {}, "its": {}, "my": {}, "add": {}, "set": {}, "make": {}, "call": {}, "it": {},
}

// Manager 实现待确认操作的状态机：合并参数、批准、取消以及话题切换检测。
type Manager struct {
	log   *slog.Logger
	audit *slog.Logger
}

// NewManager 创建确认管理器。
func NewManager() *Manager {
	return &Manager{log: logger.Named("confirm"), audit: logger.Audit()}
}

// Evaluate 根据用户回复处理会话中的待确认操作。批准、取消和话题切换都会清除待确认操作；
// 批准还会打开粘性自动执行模式。
func (m *Manager) Evaluate(sess *session.Session, query string) Outcome {
	pending := sess.Pending
	if pending == nil {
		return Outcome{Decision: DecisionNone}
	}
	switch {
	case IsAffirmative(query):
		params := FinalParams(pending)
		sess.ClearPendingConfirmation()
		sess.EnableAutoExecute()
		m.audit.Info("confirmation_approved", "session", sess.ID, "tool", pending.ToolName)
		return Outcome{Decision: DecisionExecute, Pending: pending, Params: params}
	case IsNegative(query):
		sess.ClearPendingConfirmation()
		m.audit.Info("confirmation_cancelled", "session", sess.ID, "tool", pending.ToolName)
		return Outcome{Decision: DecisionCancel, Pending: pending}
	}
	if switched, reason := DetectContextSwitch(pending, query); switched {
		sess.ClearPendingConfirmation()
		m.audit.Info("confirmation_discarded", "session", sess.ID, "tool", pending.ToolName, "reason", reason)
		return Outcome{Decision: DecisionSwitch, Pending: pending, Reason: reason}
	}
	return Outcome{Decision: DecisionContinue, Pending: pending}
}

// Merge 把新参数合并进同名工具的待确认操作。
func (m *Manager) Merge(sess *session.Session, toolName string, args map[string]any) (*session.PendingConfirmation, bool) {
	pending, ok := sess.MergePending(toolName, args)
	if ok {
		m.log.Debug("合并待确认参数", "session", sess.ID, "tool", toolName, "fields", len(pending.AccumulatedParams))
	}
	return pending, ok
}

// Register 登记新的待确认操作。若已有其他工具的待确认操作，旧的会被替换，
// 保证用户下一次回复 "yes" 批准的是最近一次展示的提示。
func (m *Manager) Register(sess *session.Session, pending *session.PendingConfirmation) error {
	if previous := sess.Pending; previous != nil {
		sess.ClearPendingConfirmation()
		m.audit.Info("confirmation_superseded", "session", sess.ID, "tool", previous.ToolName, "by", pending.ToolName)
	}
	if err := sess.SetPendingConfirmation(pending); err != nil {
		return err
	}
	m.audit.Info("confirmation_requested", "session", sess.ID, "tool", pending.ToolName, "destructive", pending.IsDestructive)
	return nil
}

// FinalParams 返回执行时使用的参数：已收集参数优先，建议数据只补充用户仍未提供的字段。
func FinalParams(pending *session.PendingConfirmation) map[string]any {
	params := session.MergeParams(nil, pending.AccumulatedParams)
	for key, value := range pending.SuggestedData {
		if session.IsEmpty(params[key]) && !session.IsEmpty(value) {
			params[key] = value
		}
	}
	delete(params, session.SuggestedKey)
	return params
}

// DetectContextSwitch 判断非是/否的回复是否表明用户放弃了待确认操作。
func DetectContextSwitch(pending *session.PendingConfirmation, query string) (bool, string) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" || IsAffirmative(trimmed) || IsNegative(trimmed) {
		return false, ""
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range intentPrefixes {
		if strings.HasPrefix(lower, prefix+" ") || lower == prefix {
			return true, fmt.Sprintf("new intent %q", prefix)
		}
	}

	// 待确认操作没有地址或名称时不比较，回复中的地址或姓名视为补充参数。
	pendingAddress := strings.ToLower(pendingField(pending, "propertyAddress", "address"))
	if pendingAddress != "" {
		for _, match := range addressPattern.FindAllString(trimmed, -1) {
			if !strings.Contains(pendingAddress, strings.ToLower(match)) {
				return true, fmt.Sprintf("new address %q", match)
			}
		}
	}

	currentName := strings.ToLower(pendingName(pending))
	if currentName != "" {
		for _, match := range namePattern.FindAllString(trimmed, -1) {
			if stoplisted(match) || addressPattern.MatchString(match) {
				continue
			}
			if !strings.Contains(currentName, strings.ToLower(match)) {
				return true, fmt.Sprintf("new name %q", match)
			}
		}
	}
	return false, ""
}

func stoplisted(candidate string) bool {
	for _, word := range strings.Fields(candidate) {
		if _, ok := nameStoplist[strings.ToLower(word)]; ok {
			return true
		}
	}
	return false
}

func pendingName(pending *session.PendingConfirmation) string {
	if name := pendingField(pending, "contactName", "name", "dealName"); name != "" {
		return name
	}
	first := pendingField(pending, "firstName")
	last := pendingField(pending, "lastName")
	return strings.TrimSpace(first + " " + last)
}

func pendingField(pending *session.PendingConfirmation, keys ...string) string {
	for _, key := range keys {
		if value, ok := pending.AccumulatedParams[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
		if value, ok := pending.RawPayload[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
