package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/animus-coder/taskplane/internal/app"
	"github.com/animus-coder/taskplane/internal/config"
	"github.com/animus-coder/taskplane/internal/logging"
	"github.com/animus-coder/taskplane/internal/rpc/controlplane"
	"github.com/animus-coder/taskplane/internal/version"
)

// Options holds global CLI options.
type Options struct {
	ConfigPath string
	Output     string // text, json or yaml

	// runtimeOptions are appended when a command wires the runtime.
	runtimeOptions []app.Option
}

// NewRootCmd constructs the base CLI command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&Options{})
}

func newRootCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskplane",
		Short:         "taskplane – cost-aware model routing and task contracts",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.Output {
			case "text", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("--output must be one of text, json, yaml, got %q", opts.Output)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to config file (default: configs/config.yaml)")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "text", "Output format: text, json or yaml")

	cmd.AddCommand(NewDoctorCmd(opts))
	cmd.AddCommand(NewVersionCmd(opts))
	cmd.AddCommand(NewRouteCmd(opts))
	cmd.AddCommand(NewBudgetCmd(opts))
	cmd.AddCommand(NewContractCmd(opts))
	cmd.AddCommand(NewExecCmd(opts))

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig wraps config loading with shared options.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openRuntime loads config and wires every component. Callers must Close it.
func openRuntime(cmd *cobra.Command, opts *Options) (*app.Runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	runtimeOpts := append([]app.Option{app.WithOutput(cmd.ErrOrStderr())}, opts.runtimeOptions...)
	rt, err := app.New(cmd.Context(), cfg, logger.With(zap.String("command", cmd.CommandPath())), runtimeOpts...)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return rt, nil
}

func closeRuntime(rt *app.Runtime) {
	_ = rt.Close()
	_ = rt.Logger.Sync()
}

// daemonClient targets the daemon at the configured server address.
func daemonClient(cfg *config.Config) *controlplane.Client {
	return controlplane.NewClient(buildH2CClient(), daemonURL(cfg.Server.Addr))
}

func daemonURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func buildH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}
