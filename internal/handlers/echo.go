package handlers

import (
	"context"
	"sort"

	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// Echo 返回运行参数与此前已完成的步骤名称，适合演练链路。
type Echo struct{}

// Invoke 实现 workflow.Handler。
func (Echo) Invoke(ctx context.Context, req workflow.StepRequest) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	previous := make([]string, 0, len(req.Previous))
	for name := range req.Previous {
		previous = append(previous, name)
	}
	sort.Strings(previous)

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"step":     req.Step.Name,
		"type":     string(req.Step.Type),
		"attempt":  req.Attempt,
		"params":   params,
		"previous": previous,
	}, nil
}
