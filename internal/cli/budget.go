package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/animus-coder/taskplane/internal/budget"
	"github.com/animus-coder/taskplane/internal/config"
	"github.com/animus-coder/taskplane/internal/llm/configbuilder"
)

// NewBudgetCmd groups the ledger commands.
func NewBudgetCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and adjust the spend ledger",
	}
	cmd.AddCommand(newBudgetStatusCmd(opts))
	cmd.AddCommand(newBudgetOverrideCmd(opts))
	cmd.AddCommand(newBudgetResetCmd(opts))
	return cmd
}

func openLedger(cfg *config.Config) (*budget.Ledger, error) {
	return budget.Open(cfg.Budget.LedgerPath, budget.Limits{
		SessionUSD:      cfg.Budget.SessionLimitUSD,
		DailyUSD:        cfg.Budget.DailyLimitUSD,
		MaxCloudEscapes: cfg.Budget.MaxCloudEscapes,
	}, configbuilder.BuildCostTable(cfg),
		budget.WithLockTimeout(cfg.Storage.LockTimeout),
		budget.WithSessionID(cfg.Budget.SessionID),
	)
}

func newBudgetStatusCmd(opts *Options) *cobra.Command {
	var viaDaemon bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session and daily spend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			var snap budget.Snapshot
			if viaDaemon {
				res, err := daemonClient(cfg).BudgetStatus(cmd.Context())
				if err != nil {
					return err
				}
				snap = res.Budget
			} else {
				ledger, err := openLedger(cfg)
				if err != nil {
					return err
				}
				snap = ledger.Status()
			}
			return renderBudget(cmd, opts, snap)
		},
	}
	cmd.Flags().BoolVar(&viaDaemon, "daemon", false, "Ask the running daemon")
	return cmd
}

func newBudgetOverrideCmd(opts *Options) *cobra.Command {
	var reason string
	var viaDaemon bool
	cmd := &cobra.Command{
		Use:   "override <amount-usd>",
		Short: "Extend the session limit (amounts accumulate)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			if reason == "" {
				return errors.New("--reason is required")
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if viaDaemon {
				res, err := daemonClient(cfg).OverrideBudget(cmd.Context(), amount, reason)
				if err != nil {
					return err
				}
				return renderBudget(cmd, opts, res.Budget)
			}
			ledger, err := openLedger(cfg)
			if err != nil {
				return err
			}
			if err := ledger.OverrideBudget(amount, reason); err != nil {
				return err
			}
			return renderBudget(cmd, opts, ledger.Status())
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the extension was approved")
	cmd.Flags().BoolVar(&viaDaemon, "daemon", false, "Apply through the running daemon")
	return cmd
}

func newBudgetResetCmd(opts *Options) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Start a new budget session; the daily total is kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ledger, err := openLedger(cfg)
			if err != nil {
				return err
			}
			if err := ledger.Reset(sessionID); err != nil {
				return err
			}
			return renderBudget(cmd, opts, ledger.Status())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (default: generated)")
	return cmd
}

func renderBudget(cmd *cobra.Command, opts *Options, snap budget.Snapshot) error {
	return render(cmd, opts, snap, func(w io.Writer) error {
		fmt.Fprintf(w, "Session %s\n", snap.SessionID)
		fmt.Fprintf(w, "  spent      $%.4f of $%.4f (%.1f%%)\n", snap.SessionCost, snap.SessionLimit, snap.PercentUsed)
		if snap.Overrides.Amount > 0 {
			fmt.Fprintf(w, "  override   +$%.4f (%s)\n", snap.Overrides.Amount, snap.Overrides.Reason)
		}
		fmt.Fprintf(w, "  remaining  $%.4f\n", snap.Remaining)
		fmt.Fprintf(w, "Today %s   $%.4f of $%.4f\n", snap.Day, snap.DailyCost, snap.DailyLimit)
		fmt.Fprintf(w, "Local calls %d (%d tokens), cloud escapes %d\n", snap.LocalCalls, snap.LocalTokens, len(snap.CloudEscapes))
		return nil
	})
}
