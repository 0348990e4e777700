package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

// Config 控制内存缓存的行为。
type Config struct {
	// SweepInterval 大于零时后台定期清理过期条目。
	SweepInterval time.Duration
	// MaxEntries 大于零时限制条目数量，超出后淘汰最早写入的条目。
	MaxEntries int
}

// Option 定义内存缓存的可选配置。
type Option func(*Memory)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRecorder 配置命中统计的接收方。
func WithRecorder(r Recorder) Option {
	return func(m *Memory) {
		if r != nil {
			m.recorder = r
		}
	}
}

type entry struct {
	key        Key
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
	elem       *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) >= e.ttl
}

// Memory 是进程内缓存。过期条目在下次访问时惰性删除，可选的后台清理用于约束内存。
// 锁竞争时直接视为未命中，调用方永远不会因为缓存而等待。
type Memory struct {
	cfg      Config
	now      func() time.Time
	recorder Recorder

	mu      sync.Mutex
	entries map[Key]*entry
	order   *list.List

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewMemory 创建内存缓存。
func NewMemory(cfg Config, opts ...Option) *Memory {
	m := &Memory{
		cfg:      cfg,
		now:      time.Now,
		recorder: nopRecorder{},
		entries:  make(map[Key]*entry),
		order:    list.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Get 返回未过期的条目。
func (m *Memory) Get(_ context.Context, key Key) ([]byte, bool) {
	if !m.mu.TryLock() {
		m.miss(key)
		return nil, false
	}
	e, ok := m.entries[key]
	if ok && e.expired(m.now()) {
		m.removeLocked(e)
		ok = false
	}
	var value []byte
	if ok {
		value = e.value
	}
	m.mu.Unlock()

	if !ok {
		m.miss(key)
		return nil, false
	}
	m.hits.Add(1)
	m.recorder.CacheHit(key.ChainID, key.Step)
	return value, true
}

// Put 写入或覆盖条目。ttl 不大于零时忽略。
func (m *Memory) Put(_ context.Context, key Key, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if !m.mu.TryLock() {
		logger.L().Debug("缓存写入因锁竞争被跳过", slog.String("chain_id", key.ChainID), slog.String("step", key.Step))
		return
	}
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.order.Remove(old.elem)
		delete(m.entries, key)
	}
	e := &entry{key: key, value: value, insertedAt: m.now(), ttl: ttl}
	e.elem = m.order.PushBack(e)
	m.entries[key] = e

	for m.cfg.MaxEntries > 0 && len(m.entries) > m.cfg.MaxEntries {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest.Value.(*entry))
	}
}

// Delete 删除指定条目。
func (m *Memory) Delete(_ context.Context, key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		m.order.Remove(e.elem)
		delete(m.entries, key)
	}
}

// Sweep 清理全部过期条目，返回清理数量。
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for _, e := range m.entries {
		if e.expired(now) {
			m.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Run 按 SweepInterval 周期性清理，直到 ctx 结束。未配置间隔时立即返回。
func (m *Memory) Run(ctx context.Context) {
	if m.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				logger.L().Debug("清理过期缓存", slog.Int("removed", removed))
			}
		}
	}
}

// Stats 返回统计信息。
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Entries:   n,
	}
}

func (m *Memory) miss(key Key) {
	m.misses.Add(1)
	m.recorder.CacheMiss(key.ChainID, key.Step)
}

func (m *Memory) removeLocked(e *entry) {
	m.order.Remove(e.elem)
	delete(m.entries, e.key)
	m.evictions.Add(1)
}

var _ Cache = (*Memory)(nil)
