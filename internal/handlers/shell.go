package handlers

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

// CodeShellExit 表示命令以非零状态退出，可重试。
const CodeShellExit xerrors.Code = "SHELL_COMMAND_FAILED"

const defaultMaxOutput = 64 * 1024

func init() {
	xerrors.Register(CodeShellExit, xerrors.Attributes{
		Message:   "shell command exited with non-zero status",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// ShellConfig 控制 shell 处理器可执行的命令。
type ShellConfig struct {
	// AllowedCommands 为空时允许任意命令。
	AllowedCommands []string
	WorkDir         string
	MaxOutputBytes  int
}

// ShellOutput 是命令执行结果。
type ShellOutput struct {
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	ExitCode int      `json:"exit_code"`
}

// Shell 通过 exec.CommandContext 执行 with.command 与 with.args。
// 退出码 127（命令不存在）与 2（用法错误）视为确定性拒绝，其余非零退出码可重试。
type Shell struct {
	allowed   map[string]struct{}
	workDir   string
	maxOutput int
}

// NewShell 创建 shell 处理器。
func NewShell(cfg ShellConfig) *Shell {
	s := &Shell{workDir: cfg.WorkDir, maxOutput: cfg.MaxOutputBytes}
	if s.maxOutput <= 0 {
		s.maxOutput = defaultMaxOutput
	}
	if len(cfg.AllowedCommands) > 0 {
		s.allowed = make(map[string]struct{}, len(cfg.AllowedCommands))
		for _, name := range cfg.AllowedCommands {
			s.allowed[strings.TrimSpace(name)] = struct{}{}
		}
	}
	return s
}

// Invoke 实现 workflow.Handler。
func (s *Shell) Invoke(ctx context.Context, req workflow.StepRequest) (any, error) {
	command := strings.TrimSpace(req.With("command"))
	if command == "" {
		return nil, xerrors.Reject(fmt.Sprintf("步骤 %q 未配置 command", req.Step.Name))
	}
	// 允许列表按原文精确匹配：带路径的命令必须以完整路径出现在列表中。
	if s.allowed != nil {
		if _, ok := s.allowed[command]; !ok {
			return nil, xerrors.Reject(fmt.Sprintf("命令 %q 不在允许列表中", command))
		}
	}
	args, err := stringList(req.Step.With["args"])
	if err != nil {
		return nil, xerrors.Reject(fmt.Sprintf("步骤 %q 的 args 配置无效: %v", req.Step.Name, err))
	}

	cmd := exec.CommandContext(ctx, command, args...)
	if dir := req.With("dir"); dir != "" {
		cmd.Dir = dir
	} else if s.workDir != "" {
		cmd.Dir = s.workDir
	}
	stdout := &limitedBuffer{limit: s.maxOutput}
	stderr := &limitedBuffer{limit: s.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	out := ShellOutput{
		Command: command,
		Args:    args,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if runErr == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}

	var exitErr *exec.ExitError
	if !stdErrors.As(runErr, &exitErr) {
		if stdErrors.Is(runErr, exec.ErrNotFound) || stdErrors.Is(runErr, fs.ErrNotExist) {
			out.ExitCode = 127
			return out, xerrors.Reject(fmt.Sprintf("命令 %q 不存在", command))
		}
		return out, xerrors.Wrap(CodeShellExit, runErr, fmt.Sprintf("启动命令 %q 失败", command))
	}

	out.ExitCode = exitErr.ExitCode()
	message := fmt.Sprintf("命令 %q 退出码 %d", command, out.ExitCode)
	switch out.ExitCode {
	case 127, 2:
		return out, xerrors.Reject(message, xerrors.WithMetadata("exit_code", fmt.Sprint(out.ExitCode)))
	default:
		return out, xerrors.Wrap(CodeShellExit, runErr, message, xerrors.WithMetadata("exit_code", fmt.Sprint(out.ExitCode)))
	}
}

func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(v), nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch item.(type) {
			case map[string]any, []any:
				return nil, fmt.Errorf("不支持嵌套参数 %v", item)
			}
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("期望字符串列表，得到 %T", raw)
	}
}

// limitedBuffer 只保留前 limit 字节，超出部分丢弃但不报错，避免阻塞子进程。
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n...[truncated]"
	}
	return b.buf.String()
}
