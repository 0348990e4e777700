package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	"github.com/Xeros-AGiXT/Xeros/internal/scheduler"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		rawParams []string
		timeout   time.Duration
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "run <chain>",
		Short: "在当前进程内执行一条链路并输出结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			// 单次执行只使用进程内存储与队列，日志写到 stderr 以免干扰结果输出。
			cfg.Storage.RunStore.Driver = "memory"
			cfg.Queue.Driver = "memory"
			cfg.Archive.Enabled = false
			cfg.Logging.OutputPaths = []string{"stderr"}
			cfg.Logging.Format = "text"
			cfg.Logging.Audit.Enabled = false
			if !verbose {
				cfg.Logging.Level = "warn"
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			a.janitor = nil

			run, err := runOnce(ctx, a, args[0], params)
			if err != nil {
				return err
			}
			def, _ := a.chains.Get(run.ChainID)
			if flags.jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), run); err != nil {
					return err
				}
			} else {
				printRun(cmd.OutOrStdout(), def, run)
			}
			if run.Status == workflow.ChainFailed {
				code := xerrors.Code(run.ErrorCode)
				if code == "" {
					code = xerrors.CodeUnknown
				}
				return xerrors.New(code, fmt.Sprintf("运行 %s 失败: %s", run.ID, run.LastError))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "运行参数 key=value，value 按 JSON 解析失败时作为字符串")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "整体等待时长，零表示不限制")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出 info 级别日志")
	return cmd
}

// runOnce 在后台启动处理器，提交运行并等待其进入终态。
func runOnce(ctx context.Context, a *app, chainID string, params map[string]any) (*scheduler.Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	run, err := a.service.Submit(ctx, chainID, params)
	if err != nil {
		return nil, err
	}
	final, err := a.service.WaitUntilCompleted(ctx, run.ID, 50*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			_, _ = a.service.Cancel(context.Background(), run.ID)
		}
		return nil, err
	}
	return final, nil
}

// parseParams 解析 key=value 形式的参数。
func parseParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %q 需要 key=value 格式", item))
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
			continue
		}
		params[key] = value
	}
	return params, nil
}

func printRun(w io.Writer, def *workflow.ChainDefinition, run *scheduler.Run) {
	fmt.Fprintf(w, "运行 %s  链路 %s  状态 %s\n", run.ID, run.ChainID, run.Status)
	if !run.StartedAt.IsZero() && !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "耗时 %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	var names []string
	if def != nil {
		for _, step := range def.Steps {
			names = append(names, step.Name)
		}
	}
	for _, name := range names {
		result, ok := run.Steps[name]
		if !ok {
			fmt.Fprintf(w, "  %-28s -\n", name)
			continue
		}
		line := fmt.Sprintf("  %-28s %-10s attempts=%d %s", name, result.Status, result.Attempts, result.Duration.Round(time.Millisecond))
		if result.Cached {
			line += " cached"
		}
		if result.Error != "" {
			line += fmt.Sprintf(" error=[%s] %s", result.ErrorCode, result.Error)
		}
		fmt.Fprintln(w, line)
	}
	if run.LastError != "" {
		fmt.Fprintf(w, "错误: %s\n", run.LastError)
	}
}
