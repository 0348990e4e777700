package workflow

import "time"

// Policy 汇总执行器的超时、重试、并发与缓存策略。构造后不可修改，不同引擎可使用不同策略。
type Policy struct {
	// StepTimeout 是步骤未声明 timeout 时的单次调用超时。
	StepTimeout time.Duration
	// ChainTimeout 是链路未声明 timeout 时的整体超时，零表示不限制。
	ChainTimeout time.Duration
	// MaxAttempts 是包含首次调用在内的总尝试次数。
	MaxAttempts int
	// RetryDelay 是两次尝试之间的固定间隔。
	RetryDelay time.Duration
	// MaxConcurrentTasks 限制单个运行内并行组的并发步骤数。
	MaxConcurrentTasks int
	// CacheTTL 是步骤未声明 cache_ttl 时的缓存时长，零表示默认不缓存。
	CacheTTL time.Duration
}

// DefaultPolicy 返回默认策略。
func DefaultPolicy() Policy {
	return Policy{
		StepTimeout:        30 * time.Second,
		ChainTimeout:       10 * time.Minute,
		MaxAttempts:        3,
		RetryDelay:         time.Second,
		MaxConcurrentTasks: 4,
		CacheTTL:           10 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.StepTimeout <= 0 {
		p.StepTimeout = def.StepTimeout
	}
	if p.ChainTimeout < 0 {
		p.ChainTimeout = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	if p.MaxConcurrentTasks <= 0 {
		p.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if p.CacheTTL < 0 {
		p.CacheTTL = 0
	}
	return p
}

func (p Policy) stepTimeout(step StepDefinition) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout.Std()
	}
	return p.StepTimeout
}

func (p Policy) chainTimeout(def *ChainDefinition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout.Std()
	}
	return p.ChainTimeout
}

func (p Policy) retry(step StepDefinition) (int, time.Duration) {
	attempts, delay := p.MaxAttempts, p.RetryDelay
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			attempts = step.Retry.MaxAttempts
		}
		if step.Retry.Delay > 0 {
			delay = step.Retry.Delay.Std()
		}
	}
	return attempts, delay
}

func (p Policy) cacheTTL(step StepDefinition) time.Duration {
	if step.CacheTTL != nil {
		return step.CacheTTL.Std()
	}
	return p.CacheTTL
}
