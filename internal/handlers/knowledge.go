package handlers

import (
	"context"
	"fmt"
	"strings"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/knowledge"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// KnowledgeOutput 是知识检索的输出。
type KnowledgeOutput struct {
	Query   string              `json:"query"`
	Results []knowledge.Snippet `json:"results"`
}

// Knowledge 使用 with.query，或运行参数 query，在静态知识库中检索。
type Knowledge struct {
	provider knowledge.Provider
}

// NewKnowledge 创建 knowledge 处理器。
func NewKnowledge(provider knowledge.Provider) *Knowledge {
	return &Knowledge{provider: provider}
}

// Invoke 实现 workflow.Handler。
func (h *Knowledge) Invoke(ctx context.Context, req workflow.StepRequest) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := req.With("query")
	if strings.TrimSpace(query) == "" {
		if v, ok := req.Param("query"); ok && v != nil {
			query = fmt.Sprint(v)
		}
	}
	if strings.TrimSpace(query) == "" {
		return nil, xerrors.Reject(fmt.Sprintf("步骤 %q 缺少检索关键词", req.Step.Name))
	}
	results := h.provider.Query(query)
	if results == nil {
		results = []knowledge.Snippet{}
	}
	return KnowledgeOutput{Query: query, Results: results}, nil
}
