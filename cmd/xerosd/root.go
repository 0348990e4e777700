package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Xeros-AGiXT/Xeros/internal/config"
	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

// globalFlags 为所有子命令共享的参数。
type globalFlags struct {
	configPath string
	chainsPath string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "xerosd",
		Short:         "Xeros 工作流链执行引擎",
		Long:          "xerosd 加载工作流链定义，按步骤类型调度处理器执行，并通过 HTTP API 暴露运行状态。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "配置文件路径（默认读取 $"+config.EnvPath+" 或 "+config.DefaultPath+"）")
	root.PersistentFlags().StringVar(&flags.chainsPath, "chains", "", "覆盖配置中的链路定义文件")
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "以 JSON 输出结果")

	root.AddCommand(
		newServeCmd(flags),
		newValidateCmd(flags),
		newRunCmd(flags),
		newSubmitCmd(flags),
		newStatusCmd(flags),
		newCancelCmd(flags),
	)
	return root
}

// loadConfig 读取配置文件。未显式指定且默认文件不存在时使用内置默认值。
func (f *globalFlags) loadConfig() (*config.Config, error) {
	path := f.configPath
	explicit := path != ""
	if !explicit {
		path = config.Path()
	}

	var cfg *config.Config
	if _, err := os.Stat(path); err != nil && !explicit && os.IsNotExist(err) {
		cfg = config.Default(filepath.Dir(path))
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if chains := strings.TrimSpace(f.chainsPath); chains != "" {
		abs, err := filepath.Abs(chains)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链路文件路径失败")
		}
		cfg.Chains = abs
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
