// Package handlers 提供内置的步骤处理器，并负责把它们登记到 workflow.Registry。
//
// 处理器按名称登记（static、echo、shell、evm、llm、knowledge），步骤可以通过
// handler 字段显式引用；echo 同时作为所有步骤类型的兜底处理器。
package handlers

import (
	"github.com/Xeros-AGiXT/Xeros/internal/knowledge"
	"github.com/Xeros-AGiXT/Xeros/internal/llm"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

const (
	NameStatic    = "static"
	NameEcho      = "echo"
	NameShell     = "shell"
	NameEVM       = "evm"
	NameLLM       = "llm"
	NameKnowledge = "knowledge"
)

// Dependencies 汇总可选处理器依赖的外部协作者，为空的依赖不会登记对应处理器。
type Dependencies struct {
	Shell     *ShellConfig
	Networks  NetworkResolver
	LLM       llm.Client
	Knowledge knowledge.Provider
}

// Register 登记内置处理器，并把 echo 绑定为每个步骤类型的默认处理器。
func Register(reg *workflow.Registry, deps Dependencies) error {
	named := map[string]workflow.Handler{
		NameStatic: Static{},
		NameEcho:   Echo{},
	}
	if deps.Shell != nil {
		named[NameShell] = NewShell(*deps.Shell)
	}
	if deps.Networks != nil {
		named[NameEVM] = NewEVM(deps.Networks)
	}
	if deps.LLM != nil {
		named[NameLLM] = NewLLM(deps.LLM, deps.Knowledge)
	}
	if deps.Knowledge != nil {
		named[NameKnowledge] = NewKnowledge(deps.Knowledge)
	}

	for name, h := range named {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	for _, t := range workflow.StepTypes() {
		if err := reg.BindType(t, Echo{}); err != nil {
			return err
		}
	}
	logger.Named("handlers").Info("步骤处理器已登记", "handlers", reg.Names())
	return nil
}
