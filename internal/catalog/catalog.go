package catalog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	xerrors "OpenCRM-Dialog/internal/errors"
)

// Catalog 是工具描述的只读集合，通过 New 显式注册。
type Catalog struct {
	tools   map[string]*Descriptor
	order   []string
	aliases map[string]string
}

// New 注册工具描述。名称重复、缺少执行函数或域为空时返回错误。
func New(descs ...*Descriptor) (*Catalog, error) {
	c := &Catalog{
		tools:   make(map[string]*Descriptor, len(descs)),
		aliases: make(map[string]string),
	}
	for _, desc := range descs {
		if desc == nil {
			continue
		}
		if strings.TrimSpace(desc.Name) == "" || desc.Domain == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具名称与域不能为空")
		}
		if desc.Execute == nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少执行函数", desc.Name))
		}
		if _, exists := c.tools[desc.Name]; exists {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 重复注册", desc.Name))
		}
		c.tools[desc.Name] = desc
		c.order = append(c.order, desc.Name)
		if declared := desc.DeclaredName(); declared != desc.Name {
			c.aliases[declared] = desc.Name
		}
	}
	return c, nil
}

// AddAlias 注册别名，目标必须是已注册的工具。
func (c *Catalog) AddAlias(alias, canonical string) error {
	if _, ok := c.tools[canonical]; !ok {
		return xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("别名 %s 指向未注册的工具 %s", alias, canonical))
	}
	c.aliases[alias] = canonical
	return nil
}

// LoadAliases 从 YAML 读取 alias: canonical 映射。
func (c *Catalog) LoadAliases(r io.Reader) error {
	var entries map[string]string
	if err := yaml.NewDecoder(r).Decode(&entries); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("解析工具别名失败: %w", err)
	}
	for alias, canonical := range entries {
		if err := c.AddAlias(alias, canonical); err != nil {
			return err
		}
	}
	return nil
}

// LoadAliasFile 从文件读取别名表。
func (c *Catalog) LoadAliasFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("读取工具别名文件失败: %w", err)
	}
	defer file.Close()
	return c.LoadAliases(file)
}

// Lookup 按规范名称查找工具。
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	desc, ok := c.tools[name]
	return desc, ok
}

// All 按注册顺序返回全部工具。
func (c *Catalog) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

// ByDomain 返回某个域下的工具。
func (c *Catalog) ByDomain(domain string) []*Descriptor {
	var out []*Descriptor
	for _, name := range c.order {
		if desc := c.tools[name]; desc.Domain == domain {
			out = append(out, desc)
		}
	}
	return out
}

// Resolve 把模型给出的工具名解析为已注册的工具。
//
// 顺序：本轮提供的工具精确匹配、别名表、完整目录、camelCase 转 snake_case、按 "*.name" 后缀匹配。
func (c *Catalog) Resolve(name string, offered []*Descriptor) (*Descriptor, error) {
	name = strings.TrimSpace(name)
	for _, desc := range offered {
		if desc != nil && desc.Name == name {
			return desc, nil
		}
	}
	if desc, ok := c.byNameOrAlias(name); ok {
		return desc, nil
	}
	if snake := camelToSnake(name); snake != name {
		if desc, ok := c.byNameOrAlias(snake); ok {
			return desc, nil
		}
	}
	if desc, ok := c.bySuffix(name, offered); ok {
		return desc, nil
	}
	return nil, xerrors.New(xerrors.CodeToolNotFound,
		fmt.Sprintf("tool %q is not registered", name),
		xerrors.WithMetadata("tool", name))
}

func (c *Catalog) byNameOrAlias(name string) (*Descriptor, bool) {
	if canonical, ok := c.aliases[name]; ok {
		return c.tools[canonical], true
	}
	desc, ok := c.tools[name]
	return desc, ok
}

func (c *Catalog) bySuffix(name string, offered []*Descriptor) (*Descriptor, bool) {
	bare := name
	if idx := strings.LastIndex(bare, "."); idx >= 0 {
		bare = bare[idx+1:]
	}
	candidates := map[string]bool{bare: true, camelToSnake(bare): true}

	var matches []*Descriptor
	for _, canonical := range c.order {
		idx := strings.LastIndex(canonical, ".")
		if idx < 0 {
			continue
		}
		if candidates[canonical[idx+1:]] {
			matches = append(matches, c.tools[canonical])
		}
	}
	switch len(matches) {
	case 0:
		return nil, false
	case 1:
		return matches[0], true
	}
	var preferred *Descriptor
	for _, match := range matches {
		for _, desc := range offered {
			if desc == match {
				if preferred != nil && preferred != match {
					return nil, false
				}
				preferred = match
			}
		}
	}
	return preferred, preferred != nil
}

func camelToSnake(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '.' && runes[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
