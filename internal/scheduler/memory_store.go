package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// MemoryStore 以内存方式保存运行记录，适用于单实例部署与测试。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrRunConflict
	}
	now := m.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.Status == "" {
		run.Status = workflow.ChainPending
	}
	run.UpdatedAt = now
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// Get 返回运行记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// Claim 将运行状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Terminal() {
		return cloneRun(run), ErrRunFinished
	}
	if run.Status != workflow.ChainPending {
		return cloneRun(run), ErrRunConflict
	}
	now := m.now()
	run.Status = workflow.ChainRunning
	run.StartedAt = now
	run.UpdatedAt = now
	return cloneRun(run), nil
}

// Release 实现 Store 接口。
func (m *MemoryStore) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Terminal() {
		return ErrRunFinished
	}
	if run.Status != workflow.ChainRunning || run.CancelRequested {
		return ErrRunConflict
	}
	run.Status = workflow.ChainPending
	run.Steps = nil
	run.Cursor = -1
	run.StartedAt = time.Time{}
	run.UpdatedAt = m.now()
	return nil
}

// UpdateSteps 保存进度快照。
func (m *MemoryStore) UpdateSteps(_ context.Context, id string, steps map[string]workflow.StepResult, cursor int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	run.Steps = cloneSteps(steps)
	run.Cursor = cursor
	run.UpdatedAt = m.now()
	return run.CancelRequested, nil
}

// Finish 记录终态。
func (m *MemoryStore) Finish(_ context.Context, id string, completion Completion) error {
	if !completion.Status.Terminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, "Finish 需要终态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Terminal() {
		return ErrRunFinished
	}
	now := m.now()
	run.Status = completion.Status
	if completion.Steps != nil {
		run.Steps = cloneSteps(completion.Steps)
	}
	run.ErrorCode = completion.ErrorCode
	run.LastError = completion.LastError
	run.FinishedAt = now
	run.UpdatedAt = now
	return nil
}

// Cancel 取消运行。
func (m *MemoryStore) Cancel(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	now := m.now()
	switch run.Status {
	case workflow.ChainPending:
		run.Status = workflow.ChainCancelled
		run.CancelRequested = true
		run.ErrorCode = string(xerrors.CodeCancelled)
		run.LastError = "运行在开始前被取消"
		run.FinishedAt = now
		run.UpdatedAt = now
	case workflow.ChainRunning:
		if !run.CancelRequested {
			run.CancelRequested = true
			run.UpdatedAt = now
		}
	}
	return cloneRun(run), nil
}

// List 返回符合过滤条件的运行。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if !matchesListFilters(run, opts) {
			continue
		}
		results = append(results, cloneRun(run))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID > b.ID
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})

	if opts.Offset >= len(results) {
		return []*Run{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的运行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (RunStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := RunStats{}
	for _, run := range m.runs {
		if !matchesListFilters(run, opts) {
			continue
		}
		stats.add(run)
	}
	return stats, nil
}

// Delete 删除一条运行记录。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return ErrRunNotFound
	}
	delete(m.runs, id)
	return nil
}

// DeleteFinishedBefore 删除在 cutoff 之前结束的运行。
func (m *MemoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, run := range m.runs {
		if run.Terminal() && !run.FinishedAt.IsZero() && run.FinishedAt.Before(cutoff) {
			delete(m.runs, id)
			removed++
		}
	}
	return removed, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
