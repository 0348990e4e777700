package workflow

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Xeros-AGiXT/Xeros/internal/cache"
	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

const tracerName = "github.com/Xeros-AGiXT/Xeros/internal/workflow"

// errCancelRequested 表示运行因取消标记而停止。
var errCancelRequested = xerrors.New(xerrors.CodeCancelled, "链路运行已被取消")

// Executor 是链路状态机：按顺序（或按并行组）执行步骤，负责超时、重试、门禁与缓存。
type Executor struct {
	registry  *Registry
	policy    Policy
	cache     cache.Cache
	observers observers
	tracer    trace.Tracer
	now       func() time.Time
}

// ExecutorOption 定义执行器的可选配置。
type ExecutorOption func(*Executor)

// WithCache 启用步骤结果缓存。
func WithCache(c cache.Cache) ExecutorOption {
	return func(e *Executor) {
		e.cache = c
	}
}

// WithObserver 追加一个状态观察者。
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithTracer 替换默认的 OpenTelemetry tracer。
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithExecutorClock 替换时间来源，主要用于测试。
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor 构造执行器。
func NewExecutor(registry *Registry, policy Policy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		policy:   policy.normalized(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Policy 返回执行器生效的策略。
func (e *Executor) Policy() Policy { return e.policy }

type stepOutcome struct {
	step   StepDefinition
	result StepResult
	// stop 非空表示步骤因外部原因（取消、链路超时）提前结束，而非重试耗尽。
	stop error
}

// Execute 运行链路直到终态。返回的 error 描述链路未完成的原因：
// completed 与 partially_completed 时为 nil。
func (e *Executor) Execute(ctx context.Context, def *ChainDefinition, ec *ExecutionContext) (ChainStatus, error) {
	if def == nil || ec == nil {
		return ChainFailed, xerrors.New(xerrors.CodeInvalidArgument, "链路定义与运行上下文不能为空")
	}
	if e.registry == nil {
		return ChainFailed, xerrors.New(xerrors.CodeInitializationFailure, "执行器未配置处理器注册表")
	}
	if err := def.Validate(); err != nil {
		ec.finish(ChainFailed, e.now())
		return ChainFailed, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.chain", trace.WithAttributes(
		attribute.String("chain.id", def.ID),
		attribute.String("run.id", ec.RunID()),
		attribute.Int("chain.steps", len(def.Steps)),
	))
	defer span.End()

	chainCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := e.policy.chainTimeout(def); timeout > 0 {
		chainCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	notifyCtx := context.WithoutCancel(ctx)
	ec.start(e.now())
	e.observers.chainStarted(notifyCtx, ec, def)

	status, cause := e.runStages(ctx, chainCtx, def, ec)

	ec.finish(status, e.now())
	span.SetAttributes(attribute.String("chain.status", string(status)))
	if status == ChainFailed && cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	e.observers.chainFinished(notifyCtx, ec, def, status, cause)
	return status, cause
}

func (e *Executor) runStages(parent, chainCtx context.Context, def *ChainDefinition, ec *ExecutionContext) (ChainStatus, error) {
	optionalFailed := false
	for _, stage := range def.stages() {
		if status, cause := e.interruption(parent, chainCtx, ec); cause != nil {
			e.skipRemaining(parent, def, ec, cause.Error())
			return status, cause
		}

		ec.setCursor(stage[0])
		outcomes := e.runStage(chainCtx, def, stage, ec)

		interrupted := chainCtx.Err() != nil
		for _, o := range outcomes {
			if o.stop != nil {
				interrupted = true
			}
		}
		if interrupted {
			if status, cause := e.interruption(parent, chainCtx, ec); cause != nil {
				e.skipRemaining(parent, def, ec, cause.Error())
				return status, cause
			}
		}

		for _, o := range outcomes {
			if !o.result.Failed() {
				continue
			}
			if !o.step.Required {
				optionalFailed = true
				continue
			}
			cause := xerrors.Wrap(CodeChainAborted, stdErrors.New(o.result.Error),
				fmt.Sprintf("必需步骤 %q 最终状态为 %s", o.step.Name, o.result.Status),
				xerrors.WithMetadata("step", o.step.Name),
				xerrors.WithMetadata("step_error_code", o.result.ErrorCode))
			e.skipRemaining(parent, def, ec, fmt.Sprintf("必需步骤 %s 失败", o.step.Name))
			return ChainFailed, cause
		}
	}
	// 最后一个阶段执行期间收到的取消同样以 cancelled 结束。
	if ec.Cancelled() {
		return ChainCancelled, errCancelRequested
	}
	if optionalFailed {
		return ChainPartiallyCompleted, nil
	}
	return ChainCompleted, nil
}

// interruption 判断运行是否被外部中断（取消标记、上游 ctx 结束或链路超时），未中断时 cause 为 nil。
func (e *Executor) interruption(parent, chainCtx context.Context, ec *ExecutionContext) (ChainStatus, error) {
	if ec.Cancelled() {
		return ChainCancelled, errCancelRequested
	}
	if err := parent.Err(); err != nil {
		return ChainCancelled, xerrors.Wrap(xerrors.CodeCancelled, err, "运行上下文已结束")
	}
	if err := chainCtx.Err(); err != nil {
		return ChainFailed, xerrors.Wrap(CodeChainTimeout, err, "链路执行超时")
	}
	return "", nil
}

func (e *Executor) runStage(ctx context.Context, def *ChainDefinition, stage []int, ec *ExecutionContext) []stepOutcome {
	outcomes := make([]stepOutcome, len(stage))
	if len(stage) == 1 {
		outcomes[0] = e.runStep(ctx, def, def.Steps[stage[0]], ec)
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(e.policy.MaxConcurrentTasks)
	for i, idx := range stage {
		i, step := i, def.Steps[idx]
		g.Go(func() error {
			outcomes[i] = e.runStep(ctx, def, step, ec)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Executor) runStep(ctx context.Context, def *ChainDefinition, step StepDefinition, ec *ExecutionContext) stepOutcome {
	out := stepOutcome{step: step}
	notifyCtx := context.WithoutCancel(ctx)
	started := e.now()

	if ec.Cancelled() {
		out.result = StepResult{Status: StepSkipped, Note: errCancelRequested.Message()}
		out.stop = errCancelRequested
		e.finishStep(notifyCtx, ec, step, out.result)
		return out
	}

	key, ttl, cacheable := e.cacheKey(def, step, ec)
	if cacheable {
		if cached, ok := e.lookup(ctx, key); ok {
			now := e.now()
			cached.Cached = true
			cached.Attempts = 0
			cached.StartedAt = now
			cached.FinishedAt = now
			cached.Duration = 0
			out.result = cached
			e.finishStep(notifyCtx, ec, step, cached)
			return out
		}
	}

	handler, err := e.registry.Resolve(step)
	if err != nil {
		out.result = StepResult{
			Status:     StepFailed,
			Error:      err.Error(),
			ErrorCode:  string(xerrors.CodeOf(err)),
			StartedAt:  started,
			FinishedAt: e.now(),
		}
		e.finishStep(notifyCtx, ec, step, out.result)
		return out
	}

	maxAttempts, delay := e.policy.retry(step)
	timeout := e.policy.stepTimeout(step)
	attempts := 0
	var result StepResult
	for {
		if attempts > 0 {
			if err := sleepContext(ctx, ec.cancelDone(), delay); err != nil {
				out.stop = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			out.stop = err
			break
		}
		res, rejected, dispatched := e.attempt(ctx, def, step, ec, handler, attempts+1, timeout)
		if !dispatched {
			out.stop = errCancelRequested
			break
		}
		attempts++
		result = res
		if result.Status == StepSucceeded || rejected || attempts >= maxAttempts {
			break
		}
		logger.L().Warn("步骤执行失败，准备重试",
			slog.String("run_id", ec.RunID()),
			slog.String("step", step.Name),
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", result.Error),
		)
	}

	if attempts == 0 {
		note := errCancelRequested.Message()
		if out.stop != nil && out.stop != errCancelRequested {
			note = out.stop.Error()
		}
		result = StepResult{Status: StepSkipped, Note: note}
	}
	result.Attempts = attempts
	result.StartedAt = started
	result.FinishedAt = e.now()
	result.Duration = result.FinishedAt.Sub(started)
	out.result = result

	if result.Status == StepSucceeded && cacheable {
		e.store(notifyCtx, key, result, ttl)
	}
	e.finishStep(notifyCtx, ec, step, result)
	return out
}

// attempt 在步骤超时内调用一次处理器。处理器忽略截止时间时，执行器仍会按时返回超时结果。
func (e *Executor) attempt(ctx context.Context, def *ChainDefinition, step StepDefinition, ec *ExecutionContext, h Handler, n int, timeout time.Duration) (StepResult, bool, bool) {
	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("chain.id", def.ID),
		attribute.String("run.id", ec.RunID()),
		attribute.String("step.name", step.Name),
		attribute.String("step.type", string(step.Type)),
		attribute.Int("step.attempt", n),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := StepRequest{
		ChainID:  def.ID,
		RunID:    ec.RunID(),
		Step:     step,
		Attempt:  n,
		Params:   ec.Params(),
		Previous: ec.Results(),
	}

	type reply struct {
		output any
		err    error
	}
	done := make(chan reply, 1)
	dispatched := ec.dispatch(func() {
		running := make(chan struct{})
		go func() {
			close(running)
			defer func() {
				if r := recover(); r != nil {
					done <- reply{err: xerrors.New(CodeStepFailure, fmt.Sprintf("处理器 panic: %v", r))}
				}
			}()
			output, err := h.Invoke(attemptCtx, req)
			done <- reply{output: output, err: err}
		}()
		<-running
	})
	if !dispatched {
		span.SetAttributes(attribute.Bool("step.cancelled", true))
		return StepResult{}, false, false
	}

	var rep reply
	select {
	case rep = <-done:
	case <-attemptCtx.Done():
		rep = reply{err: attemptCtx.Err()}
	}

	result, rejected := classify(step, timeout, attemptCtx, rep.output, rep.err)
	span.SetAttributes(attribute.String("step.status", string(result.Status)))
	if result.Failed() {
		span.SetStatus(codes.Error, result.Error)
	}
	return result, rejected, true
}

func classify(step StepDefinition, timeout time.Duration, attemptCtx context.Context, output any, err error) (StepResult, bool) {
	if err == nil {
		return StepResult{Status: StepSucceeded, Output: output}, false
	}
	if stdErrors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		timeoutErr := xerrors.Wrap(CodeStepTimeout, err, fmt.Sprintf("步骤 %q 在 %s 内未完成", step.Name, timeout))
		return StepResult{Status: StepTimedOut, Output: output, Error: timeoutErr.Error(), ErrorCode: string(CodeStepTimeout)}, false
	}
	if xerrors.IsRejection(err) {
		return StepResult{Status: StepFailed, Output: output, Error: err.Error(), ErrorCode: string(xerrors.CodeRejected)}, true
	}
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = CodeStepFailure
	}
	return StepResult{Status: StepFailed, Output: output, Error: err.Error(), ErrorCode: string(code)}, false
}

func (e *Executor) finishStep(ctx context.Context, ec *ExecutionContext, step StepDefinition, result StepResult) {
	ec.record(step.Name, result)
	logger.L().Debug("步骤结束",
		slog.String("run_id", ec.RunID()),
		slog.String("step", step.Name),
		slog.String("status", string(result.Status)),
		slog.Int("attempts", result.Attempts),
		slog.Bool("cached", result.Cached),
	)
	e.observers.stepFinished(ctx, ec, step, result)
}

func (e *Executor) skipRemaining(ctx context.Context, def *ChainDefinition, ec *ExecutionContext, note string) {
	notifyCtx := context.WithoutCancel(ctx)
	for _, step := range def.Steps {
		if _, ok := ec.Result(step.Name); ok {
			continue
		}
		e.finishStep(notifyCtx, ec, step, StepResult{Status: StepSkipped, Note: note})
	}
}

func (e *Executor) cacheKey(def *ChainDefinition, step StepDefinition, ec *ExecutionContext) (cache.Key, time.Duration, bool) {
	if e.cache == nil {
		return cache.Key{}, 0, false
	}
	ttl := e.policy.cacheTTL(step)
	if ttl <= 0 {
		return cache.Key{}, 0, false
	}
	fingerprint, err := cache.Fingerprint(ec.Params(), step.Type, step.With)
	if err != nil {
		logger.L().Debug("无法计算步骤输入指纹，跳过缓存", slog.String("step", step.Name), slog.Any("error", err))
		return cache.Key{}, 0, false
	}
	return cache.Key{ChainID: def.ID, Step: step.Name, Fingerprint: fingerprint}, ttl, true
}

func (e *Executor) lookup(ctx context.Context, key cache.Key) (StepResult, bool) {
	data, ok := e.cache.Get(ctx, key)
	if !ok {
		return StepResult{}, false
	}
	var result StepResult
	if err := json.Unmarshal(data, &result); err != nil || result.Status != StepSucceeded {
		return StepResult{}, false
	}
	return result, true
}

func (e *Executor) store(ctx context.Context, key cache.Key, result StepResult, ttl time.Duration) {
	data, err := json.Marshal(result)
	if err != nil {
		logger.L().Debug("步骤结果无法编码，跳过缓存", slog.String("step", key.Step), slog.Any("error", err))
		return
	}
	e.cache.Put(ctx, key, data, ttl)
}

func sleepContext(ctx context.Context, cancelled <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cancelled:
		return errCancelRequested
	case <-timer.C:
		return nil
	}
}
