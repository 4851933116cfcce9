package session

import (
	"context"
	"encoding/json"
	"sync"

	xerrors "OpenCRM-Dialog/internal/errors"
)

// ErrSessionNotFound 表示存储中没有该会话。
var ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")

// Store 抽象了会话状态的持久化接口。实现必须返回独立副本，调用方的修改在 Save 之前不可见。
type Store interface {
	Load(ctx context.Context, key string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore 以 JSON 快照的形式把会话保存在内存中。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

// Load 实现 Store 接口。
func (m *MemoryStore) Load(_ context.Context, key string) (*Session, error) {
	m.mu.RLock()
	encoded, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var sess Session
	if err := json.Unmarshal(encoded, &sess); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话快照失败")
	}
	return &sess, nil
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, sess *Session) error {
	if sess == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	encoded, err := json.Marshal(sess)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}
	m.mu.Lock()
	m.sessions[sess.Key()] = encoded
	m.mu.Unlock()
	return nil
}

// Delete 实现 Store 接口。
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
