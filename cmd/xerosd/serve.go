package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Xeros-AGiXT/Xeros/internal/api"
	"github.com/Xeros-AGiXT/Xeros/internal/auth"
	"github.com/Xeros-AGiXT/Xeros/pkg/logger"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 与运行调度",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			authSvc, err := auth.NewService(cfg.Server.APITokens)
			if err != nil {
				return err
			}
			server := api.NewServer(cfg.Server.Address, a.service, a.chains,
				api.WithAuth(authSvc),
				api.WithMetrics(a.metrics.Handler(), a.metrics),
				api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
			)

			logger.L().Info("xerosd 已启动",
				slog.String("address", cfg.Server.Address),
				slog.Int("chains", a.chains.Len()),
				slog.String("run_store", cfg.Storage.RunStore.Driver),
				slog.String("queue", cfg.Queue.Driver),
				slog.String("cache", cfg.Cache.Driver),
				slog.Bool("auth", authSvc.Enabled()),
			)
			err = a.Run(ctx, server.Start)
			logger.L().Info("xerosd 已停止")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "覆盖配置中的监听地址")
	return cmd
}
