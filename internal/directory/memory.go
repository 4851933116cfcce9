package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/session"
)

// MemoryStore 以内存方式保存 CRM 记录，主要用于测试和本地运行。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore，可选地预置记录。
func NewMemoryStore(seed ...Record) *MemoryStore {
	m := &MemoryStore{records: make(map[string]*Record)}
	for i := range seed {
		_ = m.Create(context.Background(), &seed[i])
	}
	return m
}

// Search 实现 Searcher 接口，结果按展示名排序。
func (m *MemoryStore) Search(_ context.Context, ownerID string, kind session.EntityKind, term string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, record := range m.records {
		if record.OwnerID != ownerID || record.Kind != kind || !record.Matches(term) {
			continue
		}
		out = append(out, *cloneRecord(record))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Display == out[j].Display {
			return out[i].ID < out[j].ID
		}
		return out[i].Display < out[j].Display
	})
	return out, nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, ownerID, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok || record.OwnerID != ownerID {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// Create 实现 Store 接口，未指定 ID 时自动生成。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil || record.OwnerID == "" || record.Kind == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少 owner 或 kind")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, exists := m.records[record.ID]; exists {
		return ErrRecordConflict
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// Update 实现 Store 接口，字段按键合并。
func (m *MemoryStore) Update(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[record.ID]
	if !ok || existing.OwnerID != record.OwnerID {
		return ErrRecordNotFound
	}
	updated := cloneRecord(existing)
	if record.Display != "" {
		updated.Display = record.Display
	}
	if record.Email != "" {
		updated.Email = record.Email
	}
	if record.Phone != "" {
		updated.Phone = record.Phone
	}
	if updated.Fields == nil {
		updated.Fields = make(map[string]any, len(record.Fields))
	}
	for key, value := range record.Fields {
		updated.Fields[key] = value
	}
	updated.UpdatedAt = time.Now().UTC()
	m.records[record.ID] = updated
	*record = *cloneRecord(updated)
	return nil
}

// Delete 实现 Store 接口。
func (m *MemoryStore) Delete(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.OwnerID != ownerID {
		return ErrRecordNotFound
	}
	delete(m.records, id)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
