package scheduler

import (
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// Run 是一次链路运行的持久化记录，也是状态查询接口的返回结构。
type Run struct {
	ID              string                         `json:"id"`
	ChainID         string                         `json:"chain_id"`
	DisplayName     string                         `json:"display_name"`
	Params          map[string]any                 `json:"params,omitempty"`
	Status          workflow.ChainStatus           `json:"status"`
	Steps           map[string]workflow.StepResult `json:"steps,omitempty"`
	Cursor          int                            `json:"cursor"`
	CancelRequested bool                           `json:"cancel_requested,omitempty"`
	ErrorCode       string                         `json:"error_code,omitempty"`
	LastError       string                         `json:"last_error,omitempty"`
	CreatedAt       time.Time                      `json:"created_at"`
	StartedAt       time.Time                      `json:"started_at,omitempty"`
	FinishedAt      time.Time                      `json:"finished_at,omitempty"`
	UpdatedAt       time.Time                      `json:"updated_at"`
}

// Terminal 判断运行是否已结束。
func (r *Run) Terminal() bool {
	return r != nil && r.Status.Terminal()
}

// FailedStep 返回第一个失败的步骤名称及其结果，供调用方展示错误详情。
func (r *Run) FailedStep(def *workflow.ChainDefinition) (string, workflow.StepResult, bool) {
	if r == nil {
		return "", workflow.StepResult{}, false
	}
	if def != nil {
		for _, step := range def.Steps {
			if res, ok := r.Steps[step.Name]; ok && res.Failed() && step.Required {
				return step.Name, res, true
			}
		}
	}
	for name, res := range r.Steps {
		if res.Failed() {
			return name, res, true
		}
	}
	return "", workflow.StepResult{}, false
}

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_CONFLICT"
	CodeRunFinished   xerrors.Code = "RUN_FINISHED"
	CodeRunPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
)

var (
	// ErrRunNotFound 表示运行记录不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示运行在当前状态下无法执行所请求的迁移。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run conflict")
	// ErrRunFinished 表示运行已进入终态。
	ErrRunFinished = xerrors.New(CodeRunFinished, "run already finished")
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:  "run not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:  "run conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRunFinished, xerrors.Attributes{
		Message:  "run already finished",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to enqueue run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:  "run validation failed",
		Severity: xerrors.SeverityInfo,
	})
}

func cloneRun(run *Run) *Run {
	if run == nil {
		return nil
	}
	clone := *run
	clone.Params = cloneParams(run.Params)
	clone.Steps = cloneSteps(run.Steps)
	return &clone
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSteps(in map[string]workflow.StepResult) map[string]workflow.StepResult {
	if in == nil {
		return nil
	}
	out := make(map[string]workflow.StepResult, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
