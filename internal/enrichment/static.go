package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scanner 定义外部上下文检索的通用接口。
type Scanner interface {
	Scan(ctx context.Context, query string, args map[string]any) (*Result, error)
}

// Entry 描述一条可供补全的上下文资料。
type Entry struct {
	Title    string         `json:"title" yaml:"title"`
	Summary  string         `json:"summary" yaml:"summary"`
	Keywords []string       `json:"keywords" yaml:"keywords"`
	Tags     []string       `json:"tags" yaml:"tags"`
	Data     map[string]any `json:"data" yaml:"data"`
}

// Match 是一条命中的资料。
type Match struct {
	Title   string         `json:"title"`
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data,omitempty"`
}

// Result 是一次检索的结果。SuggestedData 只用于补全用户尚未提供的字段。
type Result struct {
	HasMatches     bool           `json:"has_matches"`
	SuggestedData  map[string]any `json:"suggested_data,omitempty"`
	SummaryForUser string         `json:"summary_for_user,omitempty"`
	ScanKey        string         `json:"scan_key"`
	Matches        []Match        `json:"matches,omitempty"`
}

// StaticScanner 通过加载 YAML/JSON 文件提供关键词匹配的上下文检索。
type StaticScanner struct {
	entries    []Entry
	maxResults int
}

// NewStaticScanner 创建静态检索实例。
func NewStaticScanner(entries []Entry, maxResults int) *StaticScanner {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticScanner{
		entries:    entries,
		maxResults: maxResults,
	}
}

// LoadStaticScanner 从文件加载资料条目，按扩展名选择 YAML 或 JSON。
func LoadStaticScanner(path string, maxResults int) (*StaticScanner, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("资料文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析资料文件路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取资料文件失败: %w", err)
	}

	var entries []Entry
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &entries)
	default:
		err = json.Unmarshal(content, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析资料文件失败: %w", err)
	}

	return NewStaticScanner(entries, maxResults), nil
}

// Scan 根据用户输入与工具参数进行关键词匹配。
func (s *StaticScanner) Scan(_ context.Context, query string, args map[string]any) (*Result, error) {
	haystack := buildHaystack(query, args)
	result := &Result{ScanKey: scanKey(haystack)}
	if s == nil {
		return result, nil
	}

	for _, entry := range s.entries {
		if !matches(entry, haystack) {
			continue
		}
		result.Matches = append(result.Matches, Match{Title: entry.Title, Summary: entry.Summary, Data: entry.Data})
		if len(result.Matches) >= s.maxResults {
			break
		}
	}
	if len(result.Matches) == 0 {
		return result, nil
	}

	result.HasMatches = true
	result.SuggestedData = make(map[string]any)
	titles := make([]string, 0, len(result.Matches))
	for _, match := range result.Matches {
		for key, value := range match.Data {
			if _, exists := result.SuggestedData[key]; !exists {
				result.SuggestedData[key] = value
			}
		}
		if summary := strings.TrimSpace(match.Summary); summary != "" {
			titles = append(titles, summary)
		} else {
			titles = append(titles, match.Title)
		}
	}
	result.SummaryForUser = "I found some related details: " + strings.Join(titles, "; ") + "."
	return result, nil
}

func buildHaystack(query string, args map[string]any) string {
	parts := []string{strings.ToLower(strings.TrimSpace(query))}
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value, ok := args[key].(string); ok && strings.TrimSpace(value) != "" {
			parts = append(parts, strings.ToLower(strings.TrimSpace(value)))
		}
	}
	return strings.Join(parts, " ")
}

func scanKey(haystack string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(haystack))
	return fmt.Sprintf("%016x", h.Sum64())
}

func matches(entry Entry, haystack string) bool {
	for _, list := range [][]string{entry.Keywords, entry.Tags} {
		for _, keyword := range list {
			normalized := strings.ToLower(strings.TrimSpace(keyword))
			if normalized == "" {
				continue
			}
			if strings.Contains(haystack, normalized) {
				return true
			}
		}
	}
	return false
}

// Ensure StaticScanner 实现 Scanner 接口。
var _ Scanner = (*StaticScanner)(nil)
