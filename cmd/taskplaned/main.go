package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/animus-coder/taskplane/internal/app"
	"github.com/animus-coder/taskplane/internal/config"
	"github.com/animus-coder/taskplane/internal/daemon"
	"github.com/animus-coder/taskplane/internal/logging"
	"github.com/animus-coder/taskplane/internal/version"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:     "taskplaned",
		Short:   "taskplane daemon: control-plane RPC, metrics and breaker watchdog",
		Version: version.Full(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			return daemon.NewServer(rt).Run(ctx)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "Path to config file (default: configs/config.yaml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
