package directory

import (
	"context"
	"strings"
	"time"

	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/session"
)

var (
	// ErrRecordNotFound 表示记录不存在或不属于当前用户。
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "record not found")
	// ErrRecordConflict 表示记录 ID 已存在。
	ErrRecordConflict = xerrors.New(xerrors.CodeConflict, "record already exists")
)

// Record 是按用户隔离的一条 CRM 实体记录。
type Record struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"owner_id"`
	Kind      session.EntityKind `json:"kind"`
	Display   string             `json:"display"`
	Email     string             `json:"email,omitempty"`
	Phone     string             `json:"phone,omitempty"`
	Fields    map[string]any     `json:"fields,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Searcher 提供按用户隔离、不区分大小写的子串检索。
type Searcher interface {
	Search(ctx context.Context, ownerID string, kind session.EntityKind, term string) ([]Record, error)
}

// Store 在检索之外提供记录的增删改查，供参考 CRM 工具使用。
type Store interface {
	Searcher
	Get(ctx context.Context, ownerID, id string) (*Record, error)
	Create(ctx context.Context, record *Record) error
	Update(ctx context.Context, record *Record) error
	Delete(ctx context.Context, ownerID, id string) error
	Close() error
}

// Matches 判断记录的展示名、邮箱或电话是否包含检索词。
func (r Record) Matches(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	for _, candidate := range []string{r.Display, r.Email, r.Phone} {
		if candidate != "" && strings.Contains(strings.ToLower(candidate), term) {
			return true
		}
	}
	return false
}

// ExactMatch 判断记录是否与检索词完全一致（忽略大小写）。
func (r Record) ExactMatch(term string) bool {
	term = strings.TrimSpace(term)
	for _, candidate := range []string{r.Display, r.Email, r.Phone} {
		if candidate != "" && strings.EqualFold(strings.TrimSpace(candidate), term) {
			return true
		}
	}
	return false
}

// Map 把记录展开为工具结果使用的字段集合。
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.Fields)+4)
	for key, value := range r.Fields {
		out[key] = value
	}
	out["id"] = r.ID
	if r.Email != "" {
		out["email"] = r.Email
	}
	if r.Phone != "" {
		out["phone"] = r.Phone
	}
	return out
}

func cloneRecord(r *Record) *Record {
	clone := *r
	if r.Fields != nil {
		clone.Fields = make(map[string]any, len(r.Fields))
		for key, value := range r.Fields {
			clone.Fields[key] = value
		}
	}
	return &clone
}
