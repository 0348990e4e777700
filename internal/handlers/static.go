package handlers

import (
	"context"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// Static 原样返回步骤配置中的 with.payload，未配置时返回步骤名称。
type Static struct{}

// Invoke 实现 workflow.Handler。
func (Static) Invoke(ctx context.Context, req workflow.StepRequest) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if payload, ok := req.Step.With["payload"]; ok {
		return payload, nil
	}
	return map[string]any{"step": req.Step.Name, "status": "ok"}, nil
}
