package workflow

import (
	"fmt"
	"strings"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

// Validate 对链路定义做结构校验，返回的错误会列出全部问题。
func (d *ChainDefinition) Validate() error {
	if d == nil {
		return xerrors.New(CodeMalformedChain, "链路定义不能为空")
	}
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "缺少链路 ID")
	}
	if len(d.Steps) == 0 {
		problems = append(problems, "至少需要一个步骤")
	}

	seen := make(map[string]int, len(d.Steps))
	closedGroups := make(map[string]bool)
	currentGroup := ""
	for i, step := range d.Steps {
		label := fmt.Sprintf("步骤 #%d", i+1)
		if step.Name != "" {
			label = fmt.Sprintf("步骤 %q", step.Name)
		}
		if strings.TrimSpace(step.Name) == "" {
			problems = append(problems, label+" 缺少名称")
		} else if prev, ok := seen[step.Name]; ok {
			problems = append(problems, fmt.Sprintf("%s 与步骤 #%d 重名", label, prev+1))
		} else {
			seen[step.Name] = i
		}
		if !step.Type.Valid() {
			problems = append(problems, fmt.Sprintf("%s 的类型 %q 未知", label, step.Type))
		}
		if step.Retry != nil && step.Retry.MaxAttempts < 0 {
			problems = append(problems, label+" 的 retry.max_attempts 不能为负数")
		}

		if step.ParallelGroup != currentGroup {
			if currentGroup != "" {
				closedGroups[currentGroup] = true
			}
			if step.ParallelGroup != "" && closedGroups[step.ParallelGroup] {
				problems = append(problems, fmt.Sprintf("%s 所在并行组 %q 的成员必须相邻", label, step.ParallelGroup))
			}
			currentGroup = step.ParallelGroup
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(CodeMalformedChain,
		fmt.Sprintf("链路 %q 定义非法: %s", d.ID, strings.Join(problems, "; ")),
		xerrors.WithMetadata("chain_id", d.ID))
}

// stages 将步骤划分为执行阶段：普通步骤单独成段，相邻的同组步骤合并为一个并行阶段。
func (d *ChainDefinition) stages() [][]int {
	stages := make([][]int, 0, len(d.Steps))
	for i, step := range d.Steps {
		if step.ParallelGroup != "" && len(stages) > 0 {
			last := stages[len(stages)-1]
			if d.Steps[last[0]].ParallelGroup == step.ParallelGroup {
				stages[len(stages)-1] = append(last, i)
				continue
			}
		}
		stages = append(stages, []int{i})
	}
	return stages
}
