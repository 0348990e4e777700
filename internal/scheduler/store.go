package scheduler

import (
	"context"
	"time"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// Completion 是运行结束时写回存储的内容。
type Completion struct {
	Status    workflow.ChainStatus
	Steps     map[string]workflow.StepResult
	ErrorCode string
	LastError string
}

// Store 抽象了运行记录的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim 将 pending 运行迁移为 running；终态运行返回 ErrRunFinished，运行中返回 ErrRunConflict。
	Claim(ctx context.Context, id string) (*Run, error)
	// Release 把未请求取消的 running 运行退回 pending 并清空进度，供重新领取。
	Release(ctx context.Context, id string) error
	// UpdateSteps 保存进度快照，并返回运行是否已被请求取消。
	UpdateSteps(ctx context.Context, id string, steps map[string]workflow.StepResult, cursor int) (bool, error)
	Finish(ctx context.Context, id string, completion Completion) error
	// Cancel 取消 pending 运行或为 running 运行设置取消标记，终态运行原样返回。
	Cancel(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (RunStats, error)
	Delete(ctx context.Context, id string) error
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
