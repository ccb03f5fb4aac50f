package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-coder/taskplane/internal/llm/configbuilder"
	"github.com/animus-coder/taskplane/internal/routing"
	"github.com/animus-coder/taskplane/internal/rpc"
)

// NewRouteCmd shows which model a task type starts on and its fallback chain.
func NewRouteCmd(opts *Options) *cobra.Command {
	var complexity string
	var viaDaemon bool

	cmd := &cobra.Command{
		Use:   "route <task-type>",
		Short: "Show the routing decision for a task type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			var res *rpc.RouteResponse
			if viaDaemon {
				res, err = daemonClient(cfg).Route(cmd.Context(), rpc.RouteRequest{TaskType: args[0], Complexity: complexity})
				if err != nil {
					return err
				}
			} else {
				table := configbuilder.BuildCostTable(cfg)
				sel := routing.NewEngine(cfg.Routing.Chains, table, cfg.Routing.DefaultComplexity).Route(args[0], complexity)
				res = &rpc.RouteResponse{Model: sel.Model, Tier: string(sel.Tier), FallbackChain: sel.Chain()}
			}

			return render(cmd, opts, res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s (%s)\nchain: %s\n", res.Model, res.Tier, strings.Join(res.FallbackChain, " → "))
				return err
			})
		},
	}

	cmd.Flags().StringVar(&complexity, "complexity", "", "simple, medium or complex (default from config)")
	cmd.Flags().BoolVar(&viaDaemon, "daemon", false, "Ask the running daemon instead of routing in-process")
	return cmd
}
