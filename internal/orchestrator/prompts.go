package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/llm"
	"OpenCRM-Dialog/internal/session"
)

// EmptyResponseFallback 是模型既没有文本也没有可用工具调用时的回答。
const EmptyResponseFallback = "Sorry, I didn't quite catch that. Could you rephrase or tell me a bit more about what you need?"

const synthesisQuery = "The tool results above are now available. Continue with my request if more steps are needed, " +
	"otherwise briefly summarize what was done."

// historyMessages 把会话历史转换为模型消息，工具结果以 user 角色回传。
func historyMessages(history []session.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		role := llm.RoleUser
		if msg.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: msg.Content})
	}
	return messages
}

// declareTools 生成向模型声明的工具列表，按名称去重。
func declareTools(descs []*catalog.Descriptor) []llm.Tool {
	seen := make(map[string]struct{}, len(descs))
	tools := make([]llm.Tool, 0, len(descs))
	for _, desc := range descs {
		if desc == nil {
			continue
		}
		name := desc.DeclaredName()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		tool := llm.Tool{Name: name, Description: desc.Description}
		for _, field := range desc.Schema.Required {
			tool.Parameters = append(tool.Parameters, parameter(field, true))
		}
		for _, field := range desc.Schema.Optional {
			tool.Parameters = append(tool.Parameters, parameter(field, false))
		}
		tools = append(tools, tool)
	}
	return tools
}

func parameter(field catalog.Field, required bool) llm.Parameter {
	return llm.Parameter{
		Name:        field.Name,
		Type:        string(field.Type),
		Description: field.Description,
		Required:    required,
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		out[key] = value
	}
	return out
}

func hasArgs(params map[string]any) bool {
	for _, value := range params {
		if !session.IsEmpty(value) {
			return true
		}
	}
	return false
}

// searchTerm 返回搜索调用的检索词，优先使用 query 参数。
func searchTerm(args map[string]any) string {
	if term, ok := args["query"].(string); ok && strings.TrimSpace(term) != "" {
		return strings.TrimSpace(term)
	}
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if term, ok := args[key].(string); ok && strings.TrimSpace(term) != "" {
			return strings.TrimSpace(term)
		}
	}
	return ""
}

// creationPayload 把搜索参数映射为创建工具的参数：检索词填入展示字段，其余同名字段原样保留。
func creationPayload(desc *catalog.Descriptor, args map[string]any, term string) map[string]any {
	payload := make(map[string]any)
	for key, value := range args {
		if key != "query" && desc.Schema.Has(key) && !session.IsEmpty(value) {
			payload[key] = value
		}
	}
	if desc.DisplayField != "" && term != "" && session.IsEmpty(payload[desc.DisplayField]) {
		payload[desc.DisplayField] = term
	}
	return payload
}

func kindLabel(desc *catalog.Descriptor) string {
	if info, ok := catalog.InfoFor(desc.Domain); ok {
		return "a " + string(info.Kind)
	}
	return "anything"
}

// buildPrompt 组合确认提示：工具模板、失败说明、外部上下文摘要以及缺失或无效字段。
func buildPrompt(desc *catalog.Descriptor, params map[string]any, invalid map[string]string, failure, summary string) string {
	var b strings.Builder
	if failure != "" {
		fmt.Fprintf(&b, "That didn't work (%s). ", failure)
	}
	b.WriteString(desc.ConfirmationPrompt(params))
	if summary != "" {
		b.WriteString(" " + summary)
	}
	if len(invalid) > 0 {
		fields := make([]string, 0, len(invalid))
		for name := range invalid {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		fmt.Fprintf(&b, " These values don't look right: %s.", strings.Join(fields, ", "))
	}
	if missing := desc.MissingRequired(params); len(missing) > 0 {
		fmt.Fprintf(&b, " I still need: %s.", strings.Join(missing, ", "))
	} else if missing := desc.MissingRecommended(params); len(missing) > 0 && !desc.IsDestructive() {
		fmt.Fprintf(&b, " If you have them, I'd also like: %s.", strings.Join(missing, ", "))
	}
	return b.String()
}

var pastTense = map[string]string{
	"create":       "Created",
	"create_event": "Scheduled",
	"update":       "Updated",
	"delete":       "Deleted",
	"append":       "Added a note to",
	"send":         "Sent",
	"search":       "Looked up",
}

// summarize 用一句话总结本轮的工具执行情况。
func summarize(runs []ToolRun) string {
	var done, failed []string
	for _, run := range runs {
		if !run.Success {
			failed = append(failed, fmt.Sprintf("%s (%s)", run.Tool, run.Error))
			continue
		}
		action := run.Tool
		if idx := strings.LastIndex(action, "."); idx >= 0 {
			action = action[idx+1:]
		}
		if action == "search" {
			continue
		}
		verb, ok := pastTense[action]
		if !ok {
			done = append(done, "ran "+run.Tool)
			continue
		}
		if label := labelOf(run.Data); label != "" {
			done = append(done, fmt.Sprintf("%s %s", verb, label))
		} else {
			done = append(done, fmt.Sprintf("%s via %s", verb, run.Tool))
		}
	}
	var parts []string
	if len(done) > 0 {
		parts = append(parts, "Done: "+strings.Join(done, "; ")+".")
	}
	if len(failed) > 0 {
		parts = append(parts, "These steps failed: "+strings.Join(failed, "; ")+".")
	}
	if len(parts) == 0 {
		return "I looked that up for you."
	}
	return strings.Join(parts, " ")
}

var summaryLabelKeys = []string{"name", "address", "dealName", "title", "summary", "to"}

// labelOf 从工具结果中找到主实体的展示名。
func labelOf(data map[string]any) string {
	for _, kind := range session.Kinds {
		if nested, ok := data[string(kind)].(map[string]any); ok {
			if label := firstString(nested, summaryLabelKeys); label != "" {
				return label
			}
		}
	}
	return firstString(data, summaryLabelKeys)
}

func firstString(m map[string]any, keys []string) string {
	for _, key := range keys {
		if value, ok := m[key].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func humanize(desc *catalog.Descriptor) string {
	return strings.ReplaceAll(strings.ReplaceAll(desc.Name, ".", " "), "_", " ")
}
