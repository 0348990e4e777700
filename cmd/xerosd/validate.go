package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Xeros-AGiXT/Xeros/internal/config"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

type chainSummary struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	RunIDPrefix string   `json:"run_id_prefix,omitempty"`
	Steps       []string `json:"steps"`
}

type validateReport struct {
	Valid    bool           `json:"valid"`
	Chains   []chainSummary `json:"chains,omitempty"`
	Handlers []string       `json:"handlers,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "加载并校验链路定义与处理器绑定",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			report, err := validateChains(cmd.Context(), cfg)
			out := cmd.OutOrStdout()
			if flags.jsonOutput {
				if werr := writeJSON(out, report); werr != nil {
					return werr
				}
				return err
			}
			if err != nil {
				return fmt.Errorf("校验失败: %w", err)
			}
			for _, chain := range report.Chains {
				fmt.Fprintf(out, "%s (%s): %d 个步骤\n", chain.ID, chain.DisplayName, len(chain.Steps))
			}
			fmt.Fprintf(out, "共 %d 条链路校验通过\n", len(report.Chains))
			return nil
		},
	}
}

// validateChains 解析链路文件，并确认每个步骤都能按当前配置绑定到处理器。
func validateChains(ctx context.Context, cfg *config.Config) (validateReport, error) {
	fail := func(err error) (validateReport, error) {
		return validateReport{Valid: false, Error: err.Error()}, err
	}

	chains, err := loadChains(cfg.Chains)
	if err != nil {
		return fail(err)
	}
	a := &app{cfg: cfg}
	defer a.Close()
	registry, err := a.buildRegistry(ctx)
	if err != nil {
		return fail(err)
	}

	report := validateReport{Valid: true, Handlers: registry.Names()}
	for _, def := range chains.List() {
		if err := registry.Check(def); err != nil {
			return fail(err)
		}
		report.Chains = append(report.Chains, summarize(def))
	}
	return report, nil
}

func summarize(def *workflow.ChainDefinition) chainSummary {
	steps := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		steps = append(steps, step.Name)
	}
	return chainSummary{
		ID:          def.ID,
		DisplayName: def.DisplayName,
		RunIDPrefix: def.RunIDPrefix,
		Steps:       steps,
	}
}
