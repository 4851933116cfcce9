package session

import (
	"context"
	"errors"
	"sync"
	"time"

	xerrors "OpenCRM-Dialog/internal/errors"
)

// Manager 负责按需创建会话并保证同一会话的轮次串行执行。
type Manager struct {
	store      Store
	mu         sync.Mutex
	locks      map[string]*keyLock
	maxHistory int
	maxRecent  int
	now        func() time.Time
}

// Option 自定义 Manager。
type Option func(*Manager)

// WithMaxHistory 设置历史消息上限。
func WithMaxHistory(n int) Option {
	return func(m *Manager) {
		m.maxHistory = n
	}
}

// WithMaxRecent 设置每类实体最近列表的长度。
func WithMaxRecent(n int) Option {
	return func(m *Manager) {
		m.maxRecent = n
	}
}

// NewManager 创建会话管理器，未提供存储时使用内存存储。
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{store: store, locks: make(map[string]*keyLock), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// keyLock 是单个会话的信号量。refs 统计持有与等待者，归零时从表中移除。
type keyLock struct {
	sem  chan struct{}
	refs int
}

func (m *Manager) ref(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *Manager) unref(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *Manager) acquire(ctx context.Context, key string) (func(), error) {
	l := m.ref(key)
	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			m.unref(key, l)
		}, nil
	case <-ctx.Done():
		m.unref(key, l)
		return nil, xerrors.Wrap(xerrors.CodeSessionBusy, ctx.Err(), "等待会话锁超时")
	}
}

func (m *Manager) load(ctx context.Context, userID, conversationID string) (*Session, error) {
	sess, err := m.store.Load(ctx, Key(userID, conversationID))
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		sess = New(userID, conversationID)
	}
	sess.SetLimits(m.maxHistory, m.maxRecent)
	return sess, nil
}

// Do 在会话锁内加载（或创建）会话并执行 fn。fn 返回 nil 时才会持久化修改，
// 因此失败的轮次不会留下部分状态。
func (m *Manager) Do(ctx context.Context, userID, conversationID string, fn func(*Session) error) error {
	if userID == "" || conversationID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "userID 与 conversationID 不能为空")
	}
	release, err := m.acquire(ctx, Key(userID, conversationID))
	if err != nil {
		return err
	}
	defer release()

	sess, err := m.load(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.UpdatedAt = m.now().Unix()
	// fn 成功后即使 ctx 已被取消也要保存。
	return m.store.Save(context.WithoutCancel(ctx), sess)
}

// Snapshot 返回会话的只读副本，会话不存在时返回 ErrSessionNotFound。
func (m *Manager) Snapshot(ctx context.Context, userID, conversationID string) (*Session, error) {
	release, err := m.acquire(ctx, Key(userID, conversationID))
	if err != nil {
		return nil, err
	}
	defer release()
	return m.store.Load(ctx, Key(userID, conversationID))
}

// Reset 删除会话的全部状态。
func (m *Manager) Reset(ctx context.Context, userID, conversationID string) error {
	release, err := m.acquire(ctx, Key(userID, conversationID))
	if err != nil {
		return err
	}
	defer release()
	return m.store.Delete(ctx, Key(userID, conversationID))
}

// Close 释放底层存储。
func (m *Manager) Close() error {
	return m.store.Close()
}
