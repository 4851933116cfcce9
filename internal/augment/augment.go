package augment

import (
	"fmt"
	"strings"

	"OpenCRM-Dialog/internal/session"
)

// 界面动作类型。
const (
	ActionView     = "view"
	ActionEmail    = "email"
	ActionCall     = "call"
	ActionSchedule = "schedule"
)

// MaxSuggestions 是非语音模式下返回的建议上限。
const MaxSuggestions = 3

// Action 是前端可直接渲染的操作入口。
type Action struct {
	Type       string             `json:"type"`
	Label      string             `json:"label"`
	EntityKind session.EntityKind `json:"entity_kind,omitempty"`
	EntityID   string             `json:"entity_id,omitempty"`
}

// Executed 描述本轮已执行的一个工具及其追踪到的实体。
type Executed struct {
	Tool     string
	Domain   string
	Data     map[string]any
	Entities []session.TrackedEntity
}

// Output 是附加在最终回答上的建议与动作。
type Output struct {
	Suggestions []string `json:"suggestions,omitempty"`
	Actions     []Action `json:"actions,omitempty"`
}

var followUps = map[session.EntityKind][]string{
	session.KindContact:  {"Schedule a follow-up with %s?", "Add a note about %s?"},
	session.KindProperty: {"Book a showing at %s?", "Open a deal for %s?"},
	session.KindDeal:     {"Set a reminder to follow up on %s?"},
	session.KindTask:     {"Add \"%s\" to your calendar?"},
	session.KindEvent:    {"Send a confirmation email for %s?"},
}

// Augment 根据本轮执行结果生成后续建议与界面动作。语音模式只保留一条建议且不返回动作。
func Augment(executed []Executed, voiceMode bool) Output {
	var out Output
	seenSuggestion := make(map[string]struct{})
	seenAction := make(map[string]struct{})

	addSuggestion := func(text string) {
		if _, ok := seenSuggestion[text]; ok {
			return
		}
		seenSuggestion[text] = struct{}{}
		out.Suggestions = append(out.Suggestions, text)
	}
	addAction := func(action Action) {
		key := action.Type + "|" + action.EntityID
		if _, ok := seenAction[key]; ok {
			return
		}
		seenAction[key] = struct{}{}
		out.Actions = append(out.Actions, action)
	}

	// 从最近执行的工具开始，优先给出与最新实体相关的建议。
	for i := len(executed) - 1; i >= 0; i-- {
		item := executed[i]
		if strings.HasPrefix(item.Tool, "email.") {
			addSuggestion("Set a reminder to check for a reply?")
		}
		for j := len(item.Entities) - 1; j >= 0; j-- {
			entity := item.Entities[j]
			for _, template := range followUps[entity.Kind] {
				addSuggestion(fmt.Sprintf(template, entity.Label))
			}
			for _, action := range actionsFor(entity) {
				addAction(action)
			}
		}
	}

	limit := MaxSuggestions
	if voiceMode {
		limit = 1
		out.Actions = nil
	}
	if len(out.Suggestions) > limit {
		out.Suggestions = out.Suggestions[:limit]
	}
	return out
}

func actionsFor(entity session.TrackedEntity) []Action {
	actions := []Action{{
		Type:       ActionView,
		Label:      "Open " + entity.Label,
		EntityKind: entity.Kind,
		EntityID:   entity.ID,
	}}
	if entity.Kind != session.KindContact {
		return actions
	}
	if email, _ := entity.Fields["email"].(string); email != "" {
		actions = append(actions, Action{Type: ActionEmail, Label: "Email " + entity.Label, EntityKind: entity.Kind, EntityID: entity.ID})
	}
	if phone, _ := entity.Fields["phone"].(string); phone != "" {
		actions = append(actions, Action{Type: ActionCall, Label: "Call " + entity.Label, EntityKind: entity.Kind, EntityID: entity.ID})
	}
	actions = append(actions, Action{Type: ActionSchedule, Label: "Schedule with " + entity.Label, EntityKind: entity.Kind, EntityID: entity.ID})
	return actions
}
