package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/observability/alerting"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

// errRunInterrupted 让持久化队列重新投递因停机中断的运行。
var errRunInterrupted = xerrors.New(xerrors.CodeCancelled, "运行因停机中断，等待重新投递")

// Runner 定义了处理器所需的链路执行能力，由 workflow.Executor 实现。
type Runner interface {
	Execute(ctx context.Context, def *workflow.ChainDefinition, ec *workflow.ExecutionContext) (workflow.ChainStatus, error)
}

// Processor 负责从队列消费运行并交给执行器。消费协程数即同时运行的链路上限，
// 超出的运行留在队列中按 FIFO 等待。
type Processor struct {
	runner      Runner
	chains      *workflow.Store
	store       Store
	consumer    Consumer
	tracker     *Tracker
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	recorder    Recorder
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置同时运行的链路数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRunTracker 与 Service 共享本地运行表。
func WithRunTracker(t *Tracker) ProcessorOption {
	return func(p *Processor) {
		if t != nil {
			p.tracker = t
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorRecorder 配置指标记录器。
func WithProcessorRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, chains *workflow.Store, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		chains:      chains,
		store:       store,
		consumer:    consumer,
		tracker:     NewTracker(),
		workerCount: 1,
		recorder:    nopRecorder{},
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.runner == nil || p.chains == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunFinished) || stdErrors.Is(err, ErrRunConflict) {
			p.logDebug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		return err
	}
	finishCtx := context.WithoutCancel(ctx)

	def, err := p.chains.Get(run.ChainID)
	if err != nil {
		p.finish(finishCtx, run, Completion{
			Status:    workflow.ChainFailed,
			ErrorCode: string(xerrors.CodeOf(err)),
			LastError: err.Error(),
		}, nil)
		return nil
	}

	ec := workflow.NewExecutionContext(run.ChainID, run.ID, run.Params)
	untrack := p.tracker.Track(ec)
	defer untrack()

	// 领取与登记之间到达的取消请求只会写入存储，这里补读一次。
	if latest, err := p.store.Get(ctx, run.ID); err == nil && latest.CancelRequested {
		ec.Cancel()
	}

	p.recorder.RunStarted(run.ChainID, run.StartedAt.Sub(run.CreatedAt))
	logger.Audit().Info("运行开始",
		slog.String("run_id", run.ID),
		slog.String("chain_id", run.ChainID),
	)

	status, cause := p.runner.Execute(ctx, def, ec)
	if status == workflow.ChainCancelled && ctx.Err() != nil && !ec.Cancelled() {
		if err := p.release(finishCtx, run); err == nil {
			return errRunInterrupted
		}
	}
	completion := Completion{Status: status, Steps: ec.Results()}
	if cause != nil {
		completion.ErrorCode = string(xerrors.CodeOf(cause))
		completion.LastError = cause.Error()
	}
	p.finish(finishCtx, run, completion, def)
	return nil
}

// release 把因停机中断的运行退回 pending。返回 nil 时调用方应让队列重新投递该运行。
func (p *Processor) release(ctx context.Context, run *Run) error {
	err := p.store.Release(ctx, run.ID)
	if err != nil {
		logger.L().Warn("退回中断运行失败，按取消处理",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
		)
		return err
	}
	logger.Audit().Info("运行因停机中断，已退回 pending",
		slog.String("run_id", run.ID),
		slog.String("chain_id", run.ChainID),
	)
	return nil
}

func (p *Processor) finish(ctx context.Context, run *Run, completion Completion, def *workflow.ChainDefinition) {
	if err := p.store.Finish(ctx, run.ID, completion); err != nil && !stdErrors.Is(err, ErrRunFinished) {
		logger.L().Error("写入运行终态失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
			slog.String("status", string(completion.Status)),
		)
	}
	p.recorder.RunFinished(run.ChainID, completion.Status, p.now().Sub(run.StartedAt))

	attrs := []any{
		slog.String("run_id", run.ID),
		slog.String("chain_id", run.ChainID),
		slog.String("status", string(completion.Status)),
	}
	if completion.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", completion.ErrorCode), slog.String("error", completion.LastError))
	}
	if completion.Status == workflow.ChainFailed {
		logger.Audit().Warn("运行结束", attrs...)
		finished := cloneRun(run)
		finished.Status = completion.Status
		finished.Steps = completion.Steps
		p.emitAlert(ctx, finished, completion, def)
		return
	}
	logger.Audit().Info("运行结束", attrs...)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, completion Completion, def *workflow.ChainDefinition) {
	if p == nil || p.alerter == nil || run == nil {
		return
	}
	code := xerrors.Code(completion.ErrorCode)
	if code == "" {
		code = xerrors.CodeUnknown
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if completion.LastError != "" {
		message = completion.LastError
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      run.ID,
		ChainID:    run.ChainID,
		Status:     string(completion.Status),
		OccurredAt: p.now(),
	}
	if name, res, ok := run.FailedStep(def); ok {
		event.FailedStep = name
		event.Metadata = map[string]string{
			"step_status": string(res.Status),
			"step_error":  res.Error,
		}
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
		)
	}
}

// ProgressRecorder 把每个步骤的结果写回存储，并把其他实例写入的取消标记同步到本地执行上下文。
type ProgressRecorder struct {
	workflow.NopObserver
	store Store
}

// NewProgressRecorder 创建进度观察者，需通过 workflow.WithObserver 挂到执行器上。
func NewProgressRecorder(store Store) *ProgressRecorder {
	return &ProgressRecorder{store: store}
}

// StepFinished 实现 workflow.Observer。
func (r *ProgressRecorder) StepFinished(ctx context.Context, ec *workflow.ExecutionContext, step workflow.StepDefinition, result workflow.StepResult) {
	cancelRequested, err := r.store.UpdateSteps(ctx, ec.RunID(), ec.Results(), ec.Cursor())
	if err != nil {
		logger.L().Warn("保存运行进度失败",
			slog.Any("error", err),
			slog.String("run_id", ec.RunID()),
			slog.String("step", step.Name),
		)
		return
	}
	logger.Audit().Info("步骤完成",
		slog.String("run_id", ec.RunID()),
		slog.String("step", step.Name),
		slog.String("status", string(result.Status)),
		slog.Int("attempts", result.Attempts),
		slog.Bool("cached", result.Cached),
	)
	if cancelRequested && ec.Cancel() {
		logger.L().Info("同步远端取消请求", slog.String("run_id", ec.RunID()))
	}
}
