package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/session"
	"OpenCRM-Dialog/pkg/logger"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[\d\s\-().]{7,}$`)
)

// AmbiguityError 表示引用匹配到多个实体且无法唯一确定，调用方必须请用户澄清。
type AmbiguityError struct {
	Kind       session.EntityKind
	Term       string
	Count      int
	Candidates []directory.Record
}

func (e *AmbiguityError) Error() string {
	hint := "their email or phone number"
	if e.Kind == session.KindProperty {
		hint = "the full address"
	}
	return fmt.Sprintf("I found %d %ss matching %q. Which one did you mean? You can tell me %s to narrow it down.",
		e.Count, e.Kind, e.Term, hint)
}

// Unwrap 让 xerrors.CodeOf 把歧义识别为 AMBIGUOUS_REFERENCE。
func (e *AmbiguityError) Unwrap() error {
	return xerrors.New(xerrors.CodeAmbiguousReference, e.Error(),
		xerrors.WithMetadata("kind", string(e.Kind)),
		xerrors.WithUserMessage(e.Error()))
}

// TurnEntity 是本轮中由动作工具创建或命中的实体。
type TurnEntity struct {
	Kind session.EntityKind
	ID   string
}

// TurnEntities 以小写名称索引本轮实体，只在一轮内有效。
type TurnEntities map[string]TurnEntity

// Record 记录一个本轮实体。
func (t TurnEntities) Record(name string, kind session.EntityKind, id string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || id == "" {
		return
	}
	t[name] = TurnEntity{Kind: kind, ID: id}
}

// Resolver 为工具参数补全实体 ID。
type Resolver struct {
	directory directory.Searcher
	log       *slog.Logger
}

// Option 自定义 Resolver。
type Option func(*Resolver)

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// New 创建 Resolver。dir 为空时跳过零猜测检索。
func New(dir directory.Searcher, opts ...Option) *Resolver {
	r := &Resolver{directory: dir, log: logger.Named("resolver")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type target struct {
	kind      session.EntityKind
	idField   string
	nameField string
}

// Resolve 依次执行本轮传播、id 归一、字段纠错、焦点注入与零猜测检索，返回新的参数表。
// 每一步只在模型没有提供对应字段时生效，并且只会写入 schema 声明过的 ID 字段。
func (r *Resolver) Resolve(ctx context.Context, sess *session.Session, desc *catalog.Descriptor, args map[string]any, turn TurnEntities) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for key, value := range args {
		params[key] = value
	}
	targets := targetsFor(desc)
	if len(targets) == 0 {
		return params, nil
	}

	if desc.Domain == catalog.DomainCalendar || desc.Domain == catalog.DomainTask {
		r.propagateTurnEntities(desc, params, targets, turn)
	}
	r.normalizeID(desc, params)
	repaired := r.repairMisclassified(desc, params)

	primary, _ := catalog.InfoFor(desc.Domain)
	for _, t := range targets {
		if hasValue(params, t.idField) {
			continue
		}
		term := stringValue(params, t.nameField)
		if term == "" && t.kind == session.KindContact {
			term = repaired
		}
		if term == "" {
			r.injectFromSession(sess, params, t, t.kind == primary.Kind)
			continue
		}
		if err := r.lookup(ctx, sess.UserID, params, t, term); err != nil {
			return nil, err
		}
	}
	return params, nil
}

func targetsFor(desc *catalog.Descriptor) []target {
	var targets []target
	for _, kind := range session.Kinds {
		info, ok := catalog.InfoForKind(kind)
		if !ok || !desc.Schema.Has(info.IDField) {
			continue
		}
		targets = append(targets, target{kind: kind, idField: info.IDField, nameField: info.NameField})
	}
	return targets
}

func (r *Resolver) propagateTurnEntities(desc *catalog.Descriptor, params map[string]any, targets []target, turn TurnEntities) {
	if len(turn) == 0 {
		return
	}
	names := make([]string, 0, len(turn))
	for name := range turn {
		names = append(names, name)
	}
	sort.Strings(names)
	freeText := strings.ToLower(stringValue(params, "summary") + " " + stringValue(params, "description") + " " + stringValue(params, "title"))

	for _, t := range targets {
		if t.nameField == "" || hasValue(params, t.idField) {
			continue
		}
		supplied := strings.ToLower(stringValue(params, t.nameField))
		for _, name := range names {
			entity := turn[name]
			if entity.Kind != t.kind {
				continue
			}
			if (supplied != "" && (strings.Contains(supplied, name) || strings.Contains(name, supplied))) ||
				strings.Contains(freeText, name) {
				params[t.idField] = entity.ID
				r.log.Debug("本轮实体注入", "tool", desc.Name, "field", t.idField, "id", entity.ID)
				break
			}
		}
	}
}

func (r *Resolver) normalizeID(desc *catalog.Descriptor, params map[string]any) {
	info, ok := catalog.InfoFor(desc.Domain)
	if !ok || desc.Schema.Has("id") || !desc.Schema.Has(info.IDField) {
		return
	}
	raw, ok := params["id"]
	if !ok {
		return
	}
	delete(params, "id")
	if !hasValue(params, info.IDField) && !session.IsEmpty(raw) {
		params[info.IDField] = raw
	}
}

// repairMisclassified 把被当作联系人姓名的邮箱或电话移到正确的字段，返回被移动的值。
func (r *Resolver) repairMisclassified(desc *catalog.Descriptor, params map[string]any) string {
	value := stringValue(params, "contactName")
	if value == "" {
		return ""
	}
	var field string
	switch {
	case emailPattern.MatchString(value):
		field = pickField(desc, "contactEmail", "email")
	case phonePattern.MatchString(value) && digitCount(value) >= 7:
		field = pickField(desc, "contactPhone", "phone")
	default:
		return ""
	}
	delete(params, "contactName")
	if field != "" && !hasValue(params, field) {
		params[field] = value
	}
	r.log.Debug("修正误分类的联系人字段", "tool", desc.Name, "moved_to", field)
	return value
}

func (r *Resolver) injectFromSession(sess *session.Session, params map[string]any, t target, primary bool) {
	if id, ok := sess.FocusOf(t.kind); ok {
		params[t.idField] = id
		return
	}
	if !primary {
		return
	}
	if recent, ok := sess.MostRecent(t.kind); ok {
		params[t.idField] = recent.ID
	}
}

func (r *Resolver) lookup(ctx context.Context, ownerID string, params map[string]any, t target, term string) error {
	if r.directory == nil {
		return nil
	}
	records, err := r.directory.Search(ctx, ownerID, t.kind, term)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "检索实体失败")
	}
	switch len(records) {
	case 0:
		return nil
	case 1:
		params[t.idField] = records[0].ID
		return nil
	}
	var exact []directory.Record
	for _, record := range records {
		if record.ExactMatch(term) {
			exact = append(exact, record)
		}
	}
	if len(exact) == 1 {
		params[t.idField] = exact[0].ID
		return nil
	}
	r.log.Info("实体引用存在歧义", "kind", t.kind, "matches", len(records))
	return &AmbiguityError{Kind: t.kind, Term: term, Count: len(records), Candidates: records}
}

func pickField(desc *catalog.Descriptor, names ...string) string {
	for _, name := range names {
		if desc.Schema.Has(name) {
			return name
		}
	}
	return names[len(names)-1]
}

func digitCount(value string) int {
	count := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			count++
		}
	}
	return count
}

func hasValue(params map[string]any, key string) bool {
	if key == "" {
		return false
	}
	return !session.IsEmpty(params[key])
}

func stringValue(params map[string]any, key string) string {
	if key == "" {
		return ""
	}
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}
