package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Xeros-AGiXT/Xeros/sdk/go/xeros"
)

const (
	envAddr  = "XEROS_ADDR"
	envToken = "XEROS_TOKEN"
)

// remoteFlags 描述访问运行中守护进程的连接参数。
type remoteFlags struct {
	addr  string
	token string
}

func (r *remoteFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.addr, "addr", "", "守护进程地址（默认 $"+envAddr+" 或 http://127.0.0.1:8080）")
	cmd.Flags().StringVar(&r.token, "token", "", "API 访问令牌（默认 $"+envToken+"）")
}

func (r *remoteFlags) client() (*xeros.Client, error) {
	addr := strings.TrimSpace(r.addr)
	if addr == "" {
		addr = strings.TrimSpace(os.Getenv(envAddr))
	}
	if addr == "" {
		addr = "http://127.0.0.1:8080"
	}
	client, err := xeros.NewClient(addr, nil)
	if err != nil {
		return nil, err
	}
	token := r.token
	if token == "" {
		token = os.Getenv(envToken)
	}
	client.SetToken(strings.TrimSpace(token))
	return client, nil
}

func newSubmitCmd(flags *globalFlags) *cobra.Command {
	var (
		remote    remoteFlags
		rawParams []string
		wait      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <chain>",
		Short: "向守护进程提交一次链路运行",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			client, err := remote.client()
			if err != nil {
				return err
			}
			run, err := client.SubmitRun(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			if wait > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				if run, err = client.WaitRun(ctx, run.ID, 500*time.Millisecond); err != nil {
					return err
				}
			}
			return printRemoteRun(cmd.OutOrStdout(), flags.jsonOutput, run)
		},
	}
	remote.bind(cmd)
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "运行参数 key=value")
	cmd.Flags().DurationVar(&wait, "wait", 0, "提交后等待运行结束的最长时间")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var (
		remote   remoteFlags
		statuses []string
		chainID  string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "查询运行状态，未指定 run-id 时列出最近的运行",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := client.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRemoteRun(out, flags.jsonOutput, run)
			}

			list, err := client.ListRuns(cmd.Context(), xeros.ListQuery{
				Statuses: statuses,
				ChainID:  chainID,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(out, list)
			}
			for _, run := range list.Runs {
				fmt.Fprintf(out, "%-40s %-24s %-20s %s\n", run.ID, run.ChainID, run.Status, run.UpdatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	remote.bind(cmd)
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "按状态过滤，可重复或用逗号分隔")
	cmd.Flags().StringVar(&chainID, "chain", "", "按链路过滤")
	cmd.Flags().IntVar(&limit, "limit", 20, "最多返回的条数")
	return cmd
}

func newCancelCmd(flags *globalFlags) *cobra.Command {
	var remote remoteFlags
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "取消一次运行",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remote.client()
			if err != nil {
				return err
			}
			run, err := client.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRemoteRun(cmd.OutOrStdout(), flags.jsonOutput, run)
		},
	}
	remote.bind(cmd)
	return cmd
}

func printRemoteRun(w io.Writer, asJSON bool, run *xeros.Run) error {
	if asJSON {
		return writeJSON(w, run)
	}
	fmt.Fprintf(w, "运行 %s  链路 %s  状态 %s\n", run.ID, run.ChainID, run.Status)
	if run.CancelRequested && !run.Terminal() {
		fmt.Fprintln(w, "已请求取消，等待当前步骤结束")
	}
	names := make([]string, 0, len(run.Steps))
	for name := range run.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		step := run.Steps[name]
		fmt.Fprintf(w, "  %-28s %-10s attempts=%d\n", name, step.Status, step.Attempts)
	}
	if run.LastError != "" {
		fmt.Fprintf(w, "错误: %s\n", run.LastError)
	}
	return nil
}
