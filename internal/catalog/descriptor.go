package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"OpenCRM-Dialog/internal/session"
)

// SearchSuffix 是搜索类工具名称的保留后缀。
const SearchSuffix = "search"

// FieldType 描述参数的 JSON 类型。
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// Field 描述一个工具参数。Rule 使用 validator 的标签语法，例如 "email"、"numeric"。
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Rule        string    `json:"rule,omitempty" yaml:"rule"`
}

// Schema 是工具的输入参数描述。
type Schema struct {
	Required []Field `json:"required,omitempty"`
	Optional []Field `json:"optional,omitempty"`
}

// Fields 返回全部参数，必填在前。
func (s Schema) Fields() []Field {
	fields := make([]Field, 0, len(s.Required)+len(s.Optional))
	fields = append(fields, s.Required...)
	return append(fields, s.Optional...)
}

// Has 判断参数是否在 schema 中声明。
func (s Schema) Has(name string) bool {
	for _, field := range s.Fields() {
		if field.Name == name {
			return true
		}
	}
	return false
}

// Context 是执行工具时携带的调用上下文。
type Context struct {
	UserID            string
	SessionID         string
	ConversationID    string
	VoiceMode         bool
	ApprovalConfirmed bool
}

// Result 是工具执行结果。NotFound 仅由搜索工具设置。
type Result struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	NotFound bool           `json:"not_found,omitempty"`
}

// ExecuteFunc 是工具的执行函数。
type ExecuteFunc func(ctx context.Context, args map[string]any, tc Context) (*Result, error)

// Descriptor 描述一个可被模型调用的工具，注册后不可修改。
type Descriptor struct {
	Name                 string
	Domain               string
	Description          string
	Schema               Schema
	RecommendedFields    []string
	DisplayField         string
	RequiresApproval     bool
	IsAsync              bool
	EstimatedDuration    time.Duration
	ConfirmationTemplate string
	// DirectCreate 表示用户给出显式创建指令时，创建类工具可以跳过确认直接执行。
	DirectCreate bool
	// CreateTool 仅用于搜索工具：未找到结果时用于创建实体的工具名。
	CreateTool string
	Execute    ExecuteFunc
}

func (d *Descriptor) action() string {
	if idx := strings.LastIndex(d.Name, "."); idx >= 0 {
		return strings.ToLower(d.Name[idx+1:])
	}
	return strings.ToLower(d.Name)
}

// DeclaredName 返回向模型声明时使用的名称，点号替换为下划线。
func (d *Descriptor) DeclaredName() string {
	return strings.ReplaceAll(d.Name, ".", "_")
}

// IsSearch 判断是否为搜索工具。
func (d *Descriptor) IsSearch() bool {
	return strings.HasSuffix(strings.ToLower(d.Name), SearchSuffix)
}

// IsDestructive 判断工具是否会删除数据。
func (d *Descriptor) IsDestructive() bool {
	action := d.action()
	return strings.Contains(action, "delete") || strings.Contains(action, "remove")
}

// IsUpdateLike 判断工具是否为更新、记录或追加备注类操作。
func (d *Descriptor) IsUpdateLike() bool {
	action := d.action()
	for _, verb := range []string{"update", "log", "append", "note"} {
		if strings.Contains(action, verb) {
			return true
		}
	}
	return false
}

// IsCreate 判断工具是否为创建类操作。
func (d *Descriptor) IsCreate() bool {
	action := d.action()
	return strings.HasPrefix(action, "create") || strings.HasPrefix(action, "add") ||
		strings.HasPrefix(action, "book") || strings.HasPrefix(action, "schedule")
}

// MissingRequired 返回缺失的必填参数。
func (d *Descriptor) MissingRequired(args map[string]any) []string {
	var missing []string
	for _, field := range d.Schema.Required {
		if session.IsEmpty(args[field.Name]) {
			missing = append(missing, field.Name)
		}
	}
	return missing
}

// MissingRecommended 返回缺失的推荐参数。
func (d *Descriptor) MissingRecommended(args map[string]any) []string {
	var missing []string
	for _, name := range d.RecommendedFields {
		if session.IsEmpty(args[name]) {
			missing = append(missing, name)
		}
	}
	return missing
}

var validate = validator.New()

// Validate 按字段规则校验已提供的参数，返回字段到错误描述的映射。
func (d *Descriptor) Validate(args map[string]any) map[string]string {
	rules := make(map[string]any)
	data := make(map[string]any)
	for _, field := range d.Schema.Fields() {
		value, ok := args[field.Name]
		if !ok || session.IsEmpty(value) || field.Rule == "" {
			continue
		}
		rules[field.Name] = field.Rule
		data[field.Name] = value
	}
	if len(rules) == 0 {
		return nil
	}
	failures := validate.ValidateMap(data, rules)
	if len(failures) == 0 {
		return nil
	}
	result := make(map[string]string, len(failures))
	for name, failure := range failures {
		result[name] = fmt.Sprint(failure)
	}
	return result
}

// ConfirmationPrompt 渲染确认提示。模板中的 {field} 会替换为对应参数值。
func (d *Descriptor) ConfirmationPrompt(args map[string]any) string {
	if d.ConfirmationTemplate != "" {
		prompt := d.ConfirmationTemplate
		for key, value := range args {
			prompt = strings.ReplaceAll(prompt, "{"+key+"}", fmt.Sprint(value))
		}
		return prompt
	}
	keys := make([]string, 0, len(args))
	for key, value := range args {
		if !session.IsEmpty(value) && !strings.HasPrefix(key, "__") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return fmt.Sprintf("Shall I run %s?", d.Name)
	}
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", key, args[key]))
	}
	return fmt.Sprintf("Shall I run %s with %s?", d.Name, strings.Join(parts, ", "))
}
