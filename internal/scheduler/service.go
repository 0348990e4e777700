package scheduler

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

// Service 负责运行的提交、查询与取消。
type Service struct {
	chains   *workflow.Store
	store    Store
	producer Producer
	tracker  *Tracker
	recorder Recorder
	newID    func() string
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithTracker 共享处理器的本地运行表，使取消立即生效。
func WithTracker(t *Tracker) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracker = t
		}
	}
}

// WithServiceRecorder 配置指标记录器。
func WithServiceRecorder(r Recorder) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithIDGenerator 替换运行 ID 中随机部分的生成方式。
func WithIDGenerator(gen func() string) ServiceOption {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewService 构造调度服务。
func NewService(chains *workflow.Store, store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		chains:   chains,
		store:    store,
		producer: producer,
		tracker:  NewTracker(),
		recorder: nopRecorder{},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Tracker 返回服务使用的本地运行表。
func (s *Service) Tracker() *Tracker { return s.tracker }

// Submit 校验链路并创建 pending 运行，随后投递到队列。
func (s *Service) Submit(ctx context.Context, chainID string, params map[string]any) (*Run, error) {
	if s.chains == nil || s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度服务未初始化")
	}
	def, err := s.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	// 参数需要随运行记录持久化并经由队列传递，必须能编码为 JSON。
	if _, err := json.Marshal(params); err != nil {
		return nil, xerrors.Wrap(CodeRunValidation, err, "运行参数无法编码为 JSON",
			xerrors.WithMetadata("chain_id", def.ID))
	}

	prefix := def.RunIDPrefix
	if prefix == "" {
		prefix = def.ID + "_"
	}
	run := &Run{
		ID:          prefix + s.newID(),
		ChainID:     def.ID,
		DisplayName: def.DisplayName,
		Params:      cloneParams(params),
		Status:      workflow.ChainPending,
		Cursor:      -1,
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, run.ID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", run.ID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "发布运行到队列失败")
		_ = s.store.Finish(context.WithoutCancel(ctx), run.ID, Completion{
			Status:    workflow.ChainFailed,
			ErrorCode: string(CodeRunPublish),
			LastError: wrapped.Error(),
		})
		return nil, wrapped
	}
	s.recorder.RunSubmitted(run.ChainID)
	logger.Audit().Info("运行已提交",
		slog.String("run_id", run.ID),
		slog.String("chain_id", run.ChainID),
		slog.Int("params", len(run.Params)),
	)
	return cloneRun(run), nil
}

// Get 返回运行记录。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Cancel 取消运行：pending 运行立即进入 cancelled，running 运行设置取消标记，终态运行原样返回。
func (s *Service) Cancel(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	run, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	local := false
	if run.Status == workflow.ChainRunning {
		local = s.tracker.Cancel(id)
	}
	logger.Audit().Info("运行取消请求",
		slog.String("run_id", run.ID),
		slog.String("chain_id", run.ChainID),
		slog.String("status", string(run.Status)),
		slog.Bool("local", local),
	)
	return run, nil
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RunStats, error) {
	if s.store == nil {
		return RunStats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilCompleted 轮询运行状态直到终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放存储与队列。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}
