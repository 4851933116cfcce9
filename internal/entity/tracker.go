package entity

import (
	"fmt"
	"strings"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/session"
)

var labelKeys = []string{"name", "fullName", "address", "propertyAddress", "dealName", "title", "summary"}

var metadataKeys = []string{"email", "phone", "address", "status", "stage", "startTime"}

// Track 从工具结果中提取实体并写入会话，返回本次追踪到的实体（主实体在最后）。
//
// 结果外层的 {data: {...}} 会被解开一层。嵌套在结果中的其他类型实体先于主实体追踪，
// 因此焦点最终落在主实体上。
func Track(sess *session.Session, domain string, data map[string]any) []session.TrackedEntity {
	if sess == nil || len(data) == 0 {
		return nil
	}
	payload := unwrap(data)
	info, hasKind := catalog.InfoFor(domain)

	var tracked []session.TrackedEntity
	for _, kind := range session.Kinds {
		if hasKind && kind == info.Kind {
			continue
		}
		nested, ok := payload[string(kind)].(map[string]any)
		if !ok {
			continue
		}
		if entity, ok := extract(kind, nested); ok {
			commit(sess, entity, true)
			tracked = append(tracked, entity)
		}
	}
	if !hasKind {
		return tracked
	}

	if results, ok := payload["results"].([]any); ok {
		return append(tracked, trackList(sess, info.Kind, results)...)
	}

	primary := payload
	if nested, ok := payload[string(info.Kind)].(map[string]any); ok {
		primary = nested
	}
	if entity, ok := extract(info.Kind, primary); ok {
		commit(sess, entity, true)
		tracked = append(tracked, entity)
	}
	return tracked
}

// trackList 处理搜索结果列表：全部进入最近列表，只有唯一结果时才成为焦点。
func trackList(sess *session.Session, kind session.EntityKind, results []any) []session.TrackedEntity {
	var tracked []session.TrackedEntity
	for i := len(results) - 1; i >= 0; i-- {
		item, ok := results[i].(map[string]any)
		if !ok {
			continue
		}
		if entity, ok := extract(kind, item); ok {
			commit(sess, entity, len(results) == 1)
			tracked = append(tracked, entity)
		}
	}
	return tracked
}

func unwrap(data map[string]any) map[string]any {
	if inner, ok := data["data"].(map[string]any); ok {
		return inner
	}
	return data
}

func extract(kind session.EntityKind, fields map[string]any) (session.TrackedEntity, bool) {
	id := idOf(kind, fields)
	label := labelOf(fields)
	if id == "" || label == "" {
		return session.TrackedEntity{}, false
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return session.TrackedEntity{Kind: kind, ID: id, Label: label, Fields: copied}, true
}

func idOf(kind session.EntityKind, fields map[string]any) string {
	keys := []string{"id", string(kind) + "Id"}
	if info, ok := catalog.InfoForKind(kind); ok {
		keys = append(keys, info.IDField)
	}
	for _, key := range keys {
		if value, ok := fields[key]; ok && !session.IsEmpty(value) {
			return fmt.Sprint(value)
		}
	}
	return ""
}

func labelOf(fields map[string]any) string {
	for _, key := range labelKeys {
		if value, ok := fields[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	first, _ := fields["firstName"].(string)
	last, _ := fields["lastName"].(string)
	return strings.TrimSpace(first + " " + last)
}

func commit(sess *session.Session, entity session.TrackedEntity, focus bool) {
	sess.TrackEntity(entity)
	if !focus {
		return
	}
	metadata := map[string]any{"label": entity.Label}
	for _, key := range metadataKeys {
		if value, ok := entity.Fields[key]; ok && !session.IsEmpty(value) {
			metadata[key] = value
		}
	}
	sess.SetFocus(&session.EntityRef{Kind: entity.Kind, ID: entity.ID, Metadata: metadata})
}
