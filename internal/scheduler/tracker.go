package scheduler

import (
	"sort"
	"sync"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// Tracker 记录本进程内正在执行的运行，使取消请求能立即作用到执行上下文。
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*workflow.ExecutionContext
}

// NewTracker 创建 Tracker。
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*workflow.ExecutionContext)}
}

// Track 登记执行上下文，返回的函数用于注销。
func (t *Tracker) Track(ec *workflow.ExecutionContext) func() {
	t.mu.Lock()
	t.runs[ec.RunID()] = ec
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		if current, ok := t.runs[ec.RunID()]; ok && current == ec {
			delete(t.runs, ec.RunID())
		}
		t.mu.Unlock()
	}
}

// Cancel 为本地运行设置取消标记，运行不在本进程时返回 false。
func (t *Tracker) Cancel(runID string) bool {
	t.mu.Lock()
	ec, ok := t.runs[runID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	ec.Cancel()
	return true
}

// Len 返回本地运行数量。
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// IDs 返回本地运行 ID，按字典序排列。
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.runs))
	for id := range t.runs {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}
