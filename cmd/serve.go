package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/catalog"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/config"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/logstore"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/logutil"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/proxy"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveSkipHarvest        bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if err := logutil.Configure(cfg.LogLevel); err != nil {
				return err
			}

			state, err := config.OpenStateStore(cfg.StatePath())
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			cat, err := catalog.Open(cfg.ModelsPath())
			if err != nil {
				return fmt.Errorf("open model catalog: %w", err)
			}

			logs := logstore.NewStore(0)
			logutil.SetOutputTee(logs.Writer())

			srv := proxy.NewServer(cfg, state, cat, logs)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !serveSkipHarvest {
				srv.TriggerRefresh()
			}
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8000)")
	serveCmd.Flags().BoolVar(&serveSkipHarvest, "skip-harvest", false, "Do not launch a browser for credentials at startup")
	rootCmd.AddCommand(serveCmd)
}
