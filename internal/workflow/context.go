package workflow

import (
	"sync"
	"time"
)

// ExecutionContext 保存一次链路运行的可变状态，只属于一个执行器调用。
// 并行组成员会并发写入结果，因此内部以互斥锁保护。
type ExecutionContext struct {
	chainID string
	runID   string
	params  map[string]any

	// gate 让 Cancel 与步骤派发互斥：Cancel 返回前已进入处理器的调用可以继续，之后的派发全部被拒绝。
	gate sync.RWMutex

	mu        sync.Mutex
	status    ChainStatus
	results   map[string]StepResult
	cursor    int
	cancelled bool
	done      chan struct{}
	startedAt time.Time
	endedAt   time.Time
}

// NewExecutionContext 创建一个处于 pending 状态的运行上下文。
func NewExecutionContext(chainID, runID string, params map[string]any) *ExecutionContext {
	return &ExecutionContext{
		chainID: chainID,
		runID:   runID,
		params:  cloneMap(params),
		status:  ChainPending,
		results: make(map[string]StepResult),
		cursor:  -1,
		done:    make(chan struct{}),
	}
}

// ChainID 返回链路模板 ID。
func (c *ExecutionContext) ChainID() string { return c.chainID }

// RunID 返回运行 ID。
func (c *ExecutionContext) RunID() string { return c.runID }

// Params 返回运行参数的副本。
func (c *ExecutionContext) Params() map[string]any { return cloneMap(c.params) }

// Cancel 设置取消标记。返回 true 表示本次调用首次设置了标记。
// Cancel 返回后不会再有新的步骤或重试被派发。
func (c *ExecutionContext) Cancel() bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return false
	}
	c.cancelled = true
	close(c.done)
	return true
}

// cancelDone 在首次 Cancel 时关闭，供重试等待提前返回。
func (c *ExecutionContext) cancelDone() <-chan struct{} { return c.done }

// Cancelled 判断是否已请求取消。
func (c *ExecutionContext) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Status 返回当前链路状态。
func (c *ExecutionContext) Status() ChainStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Cursor 返回当前正在处理的步骤下标，未开始时为 -1。
func (c *ExecutionContext) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// StartedAt 返回开始执行的时间。
func (c *ExecutionContext) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// EndedAt 返回进入终态的时间。
func (c *ExecutionContext) EndedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedAt
}

// Result 返回指定步骤的结果。
func (c *ExecutionContext) Result(step string) (StepResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[step]
	return r, ok
}

// Results 返回全部步骤结果的副本。
func (c *ExecutionContext) Results() map[string]StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]StepResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

func (c *ExecutionContext) start(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = ChainRunning
	c.startedAt = now
}

func (c *ExecutionContext) finish(status ChainStatus, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.endedAt = now
}

func (c *ExecutionContext) setCursor(i int) {
	c.mu.Lock()
	c.cursor = i
	c.mu.Unlock()
}

// dispatch 在未取消时执行 launch。launch 必须在处理器真正开始执行后才返回。
func (c *ExecutionContext) dispatch(launch func()) bool {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.Cancelled() {
		return false
	}
	launch()
	return true
}

func (c *ExecutionContext) record(step string, result StepResult) {
	c.mu.Lock()
	c.results[step] = result
	c.mu.Unlock()
}
