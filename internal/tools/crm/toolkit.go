package crm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/internal/directory"
	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/session"
	"OpenCRM-Dialog/pkg/logger"
)

// Toolkit 基于 directory.Store 提供一组参考 CRM 工具。
type Toolkit struct {
	dir    directory.Store
	mailer Mailer
	now    func() time.Time
	log    *slog.Logger
}

// Option 定义 Toolkit 的可选配置。
type Option func(*Toolkit)

// WithMailer 指定邮件发送实现。
func WithMailer(m Mailer) Option {
	return func(t *Toolkit) {
		if m != nil {
			t.mailer = m
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(t *Toolkit) {
		if now != nil {
			t.now = now
		}
	}
}

// New 创建 Toolkit。
func New(dir directory.Store, opts ...Option) *Toolkit {
	t := &Toolkit{
		dir:    dir,
		mailer: AuditMailer{},
		now:    time.Now,
		log:    logger.Named("tools.crm"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Descriptors 返回全部工具描述，供 catalog.New 显式注册。
func (t *Toolkit) Descriptors() []*catalog.Descriptor {
	var out []*catalog.Descriptor
	out = append(out, t.coreTools()...)
	out = append(out, t.contactTools()...)
	out = append(out, t.propertyTools()...)
	out = append(out, t.dealTools()...)
	out = append(out, t.schedulingTools()...)
	out = append(out, t.emailTools()...)
	return out
}

// Catalog 使用全部工具构建目录。
func (t *Toolkit) Catalog() (*catalog.Catalog, error) {
	return catalog.New(t.Descriptors()...)
}

var labelFields = map[session.EntityKind]string{
	session.KindContact:  "name",
	session.KindProperty: "address",
	session.KindDeal:     "dealName",
	session.KindTask:     "title",
	session.KindEvent:    "summary",
}

// entityMap 把记录转换为工具结果中的实体表示，同时带上通用 id 和领域 id 字段。
func entityMap(record *directory.Record) map[string]any {
	out := record.Map()
	if info, ok := catalog.InfoForKind(record.Kind); ok {
		out[info.IDField] = record.ID
	}
	if field, ok := labelFields[record.Kind]; ok {
		out[field] = record.Display
	}
	return out
}

func (t *Toolkit) search(ctx context.Context, tc catalog.Context, kind session.EntityKind, term string) (*catalog.Result, error) {
	records, err := t.dir.Search(ctx, tc.UserID, kind, term)
	if err != nil {
		return nil, err
	}
	results := make([]any, 0, len(records))
	for i := range records {
		results = append(results, entityMap(&records[i]))
	}
	return &catalog.Result{
		Success:  true,
		NotFound: len(records) == 0,
		Data:     map[string]any{"query": term, "count": len(records), "results": results},
	}, nil
}

// lookup 读取指定记录，记录不存在时返回面向用户的失败结果。
func (t *Toolkit) lookup(ctx context.Context, tc catalog.Context, kind session.EntityKind, id string) (*directory.Record, *catalog.Result, error) {
	record, err := t.dir.Get(ctx, tc.UserID, id)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return nil, failure(fmt.Sprintf("I couldn't find that %s.", kind)), nil
		}
		return nil, nil, err
	}
	if record.Kind != kind {
		return nil, failure(fmt.Sprintf("That record is not a %s.", kind)), nil
	}
	return record, nil, nil
}

// attach 读取关联记录并放入结果，便于实体追踪识别嵌套实体。
func (t *Toolkit) attach(ctx context.Context, tc catalog.Context, data map[string]any, kind session.EntityKind, id string) {
	if id == "" {
		return
	}
	record, err := t.dir.Get(ctx, tc.UserID, id)
	if err != nil || record.Kind != kind {
		return
	}
	data[string(kind)] = entityMap(record)
}

func success(kind session.EntityKind, record *directory.Record) *catalog.Result {
	return &catalog.Result{Success: true, Data: map[string]any{string(kind): entityMap(record)}}
}

func failure(message string) *catalog.Result {
	return &catalog.Result{Success: false, Error: message}
}

func str(args map[string]any, key string) string {
	value, ok := args[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

// copyFields 复制非空的可选字段到记录字段集合。
func copyFields(args map[string]any, keys ...string) map[string]any {
	fields := make(map[string]any)
	for _, key := range keys {
		if value, ok := args[key]; ok && !session.IsEmpty(value) {
			fields[key] = value
		}
	}
	return fields
}

func text(name, description string) catalog.Field {
	return catalog.Field{Name: name, Type: catalog.TypeString, Description: description}
}

func rule(field catalog.Field, r string) catalog.Field {
	field.Rule = r
	return field
}
