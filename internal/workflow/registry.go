package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

// StepRequest 是交给步骤处理器的输入。
type StepRequest struct {
	ChainID string
	RunID   string
	Step    StepDefinition
	Attempt int
	Params  map[string]any
	// Previous 为派发时刻之前已完成步骤的结果快照。
	Previous map[string]StepResult
}

// Param 读取运行参数。
func (r StepRequest) Param(key string) (any, bool) {
	v, ok := r.Params[key]
	return v, ok
}

// With 读取步骤配置中的字符串值，缺失时返回空串。
func (r StepRequest) With(key string) string {
	if r.Step.With == nil {
		return ""
	}
	v, ok := r.Step.With[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Handler 执行一个步骤。实现必须遵守 ctx 的截止时间。
// 返回 errors.Reject 构造的错误表示确定性拒绝，执行器不会重试。
type Handler interface {
	Invoke(ctx context.Context, req StepRequest) (any, error)
}

// HandlerFunc 允许普通函数作为处理器。
type HandlerFunc func(ctx context.Context, req StepRequest) (any, error)

// Invoke 实现 Handler。
func (f HandlerFunc) Invoke(ctx context.Context, req StepRequest) (any, error) {
	return f(ctx, req)
}

// Registry 将步骤映射到处理器。解析顺序：显式 handler 名称 → 步骤名称 → 步骤类型默认处理器。
type Registry struct {
	mu     sync.RWMutex
	named  map[string]Handler
	byType map[StepType]Handler
}

// NewRegistry 创建空的处理器注册表。
func NewRegistry() *Registry {
	return &Registry{
		named:  make(map[string]Handler),
		byType: make(map[StepType]Handler),
	}
}

// Register 以名称登记处理器，名称既可被 handler 字段引用，也可与步骤名称直接匹配。
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "处理器名称与实现不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.named[name]; ok {
		return xerrors.New(CodeHandlerDuplicate, fmt.Sprintf("处理器 %q 已注册", name))
	}
	r.named[name] = h
	return nil
}

// BindType 设置某一步骤类型的默认处理器。
func (r *Registry) BindType(t StepType, h Handler) error {
	if !t.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的步骤类型 %q", t))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = h
	return nil
}

// Resolve 返回步骤对应的处理器。
func (r *Registry) Resolve(step StepDefinition) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if step.Handler != "" {
		if h, ok := r.named[step.Handler]; ok {
			return h, nil
		}
		return nil, xerrors.New(CodeHandlerNotFound,
			fmt.Sprintf("步骤 %q 引用的处理器 %q 未注册", step.Name, step.Handler))
	}
	if h, ok := r.named[step.Name]; ok {
		return h, nil
	}
	if h, ok := r.byType[step.Type]; ok {
		return h, nil
	}
	return nil, xerrors.New(CodeHandlerNotFound,
		fmt.Sprintf("步骤 %q (%s) 没有可用的处理器", step.Name, step.Type))
}

// Check 确认链路中每个步骤都能解析到处理器，供加载阶段提前失败。
func (r *Registry) Check(def *ChainDefinition) error {
	for _, step := range def.Steps {
		if _, err := r.Resolve(step); err != nil {
			return xerrors.Wrap(CodeMalformedChain, err, fmt.Sprintf("链路 %q 无法绑定处理器", def.ID))
		}
	}
	return nil
}

// Names 返回已登记的处理器名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.named))
	for name := range r.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
