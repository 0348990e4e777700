package handlers

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/knowledge"
	"github.com/Xeros-AGiXT/Xeros/internal/llm"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// promptData 是提示词模板可访问的数据。
type promptData struct {
	Chain    string
	Run      string
	Step     string
	Params   map[string]any
	Previous map[string]workflow.StepResult
}

// LLM 使用运行参数渲染 with.prompt 后调用大模型。
// 配置了知识库时，渲染后的提示词同时作为检索关键词。
type LLM struct {
	client    llm.Client
	knowledge knowledge.Provider
}

// NewLLM 创建 llm 处理器，provider 可以为空。
func NewLLM(client llm.Client, provider knowledge.Provider) *LLM {
	return &LLM{client: client, knowledge: provider}
}

// Invoke 实现 workflow.Handler。
func (h *LLM) Invoke(ctx context.Context, req workflow.StepRequest) (any, error) {
	raw := req.With("prompt")
	if strings.TrimSpace(raw) == "" {
		return nil, xerrors.Reject(fmt.Sprintf("步骤 %q 未配置 prompt", req.Step.Name))
	}
	prompt, err := renderPrompt(req, raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, xerrors.Reject(fmt.Sprintf("步骤 %q 的 prompt 渲染结果为空", req.Step.Name))
	}

	request := llm.Request{System: req.With("system"), Prompt: prompt}
	if v := req.With("temperature"); v != "" {
		temperature, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, xerrors.Reject(fmt.Sprintf("temperature 配置无效: %q", v))
		}
		request.Temperature = &temperature
	}
	if h.knowledge != nil {
		for _, snippet := range h.knowledge.Query(prompt) {
			request.Knowledge = append(request.Knowledge, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
		}
	}

	resp, err := h.client.Generate(ctx, request)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func renderPrompt(req workflow.StepRequest, raw string) (string, error) {
	tmpl, err := template.New(req.Step.Name).Option("missingkey=error").Parse(raw)
	if err != nil {
		return "", xerrors.Reject(fmt.Sprintf("解析 prompt 模板失败: %v", err))
	}
	var buf bytes.Buffer
	data := promptData{
		Chain:    req.ChainID,
		Run:      req.RunID,
		Step:     req.Step.Name,
		Params:   req.Params,
		Previous: req.Previous,
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", xerrors.Reject(fmt.Sprintf("渲染 prompt 模板失败: %v", err))
	}
	return buf.String(), nil
}
