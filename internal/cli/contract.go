package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-coder/taskplane/internal/app"
	"github.com/animus-coder/taskplane/internal/contract"
)

// NewContractCmd groups the task contract commands.
func NewContractCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contract",
		Aliases: []string{"c"},
		Short:   "Create and drive task contracts",
	}
	cmd.AddCommand(
		newContractNewCmd(opts),
		newContractShowCmd(opts),
		newContractListCmd(opts),
		newContractStatsCmd(opts),
		newContractCheckCmd(opts),
		newContractCostCmd(opts),
		transitionCmd(opts, "start <task-id>", "Begin implementation", func(ctx context.Context, m *contract.Machine, id string) (*contract.Contract, error) {
			return m.StartImplementation(ctx, id)
		}),
		transitionCmd(opts, "review <task-id>", "Begin a review cycle", func(ctx context.Context, m *contract.Machine, id string) (*contract.Contract, error) {
			return m.StartReview(ctx, id)
		}),
		transitionCmd(opts, "merge <task-id>", "Merge an approved contract", func(ctx context.Context, m *contract.Machine, id string) (*contract.Contract, error) {
			return m.Merge(ctx, id)
		}),
		reasonCmd(opts, "rebut-request <task-id>", "Ask the implementer to answer a rejection", false,
			func(ctx context.Context, m *contract.Machine, id, reason, _ string) (*contract.Contract, error) {
				return m.RequestRebuttal(ctx, id, reason)
			}),
		reasonCmd(opts, "halt <task-id>", "Stop a contract for good", false,
			func(ctx context.Context, m *contract.Machine, id, reason, _ string) (*contract.Contract, error) {
				return m.Halt(ctx, id, reason)
			}),
		reasonCmd(opts, "abandon <task-id>", "Abandon a contract", false,
			func(ctx context.Context, m *contract.Machine, id, reason, _ string) (*contract.Contract, error) {
				return m.Abandon(ctx, id, reason)
			}),
		reasonCmd(opts, "escalate <task-id>", "Hand a contract to a human", true,
			func(ctx context.Context, m *contract.Machine, id, reason, details string) (*contract.Contract, error) {
				return m.Escalate(ctx, id, reason, details)
			}),
		turnCmd(opts, "draft <task-id>", "Run the implementer turn", true,
			func(ctx context.Context, m *contract.Machine, c *contract.Contract, prompt string) (*contract.Contract, error) {
				return m.SubmitDraft(ctx, c.TaskID, draftMessages(c, prompt))
			}),
		turnCmd(opts, "judge <task-id>", "Run the judge turn on the latest draft", false,
			func(ctx context.Context, m *contract.Machine, c *contract.Contract, prompt string) (*contract.Contract, error) {
				return m.Judge(ctx, c.TaskID, judgeMessages(c, prompt))
			}),
		turnCmd(opts, "rebut <task-id>", "Run the implementer's rebuttal turn", false,
			func(ctx context.Context, m *contract.Machine, c *contract.Contract, prompt string) (*contract.Contract, error) {
				return m.Rebut(ctx, c.TaskID, rebuttalMessages(c, prompt))
			}),
	)
	return cmd
}

// withMachine wires a runtime for the duration of fn.
func withMachine(cmd *cobra.Command, opts *Options, fn func(rt *app.Runtime) error) error {
	rt, err := openRuntime(cmd, opts)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)
	return fn(rt)
}

// finish renders the contract even when a breaker tripped, then returns the error.
func finish(cmd *cobra.Command, opts *Options, c *contract.Contract, err error) error {
	var trip *contract.Trip
	if err != nil && !(errors.As(err, &trip) || errors.Is(err, contract.ErrStaleStatus)) {
		return err
	}
	if c != nil {
		if rerr := renderContract(cmd, opts, c); rerr != nil {
			return rerr
		}
	}
	return err
}

func newContractNewCmd(opts *Options) *cobra.Command {
	var (
		title           string
		costCeiling     float64
		maxRebuttals    int
		maxReviewCycles int
	)
	cmd := &cobra.Command{
		Use:   "new [task-id]",
		Short: "Create a contract in pending_implementer (id generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd, opts, func(rt *app.Runtime) error {
				req := contract.CreateRequest{Title: title}
				if len(args) == 1 {
					req.TaskID = args[0]
				}
				flags := cmd.Flags()
				if flags.Changed("cost-ceiling") || flags.Changed("max-rebuttals") || flags.Changed("max-review-cycles") {
					limits := rt.Contracts.DefaultLimits()
					if flags.Changed("cost-ceiling") {
						limits.CostCeilingUSD = costCeiling
					}
					if flags.Changed("max-rebuttals") {
						limits.MaxRebuttals = maxRebuttals
					}
					if flags.Changed("max-review-cycles") {
						limits.MaxReviewCycles = maxReviewCycles
					}
					req.Limits = &limits
				}
				c, err := rt.Contracts.Create(cmd.Context(), req)
				return finish(cmd, opts, c, err)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Short description of the task")
	cmd.Flags().Float64Var(&costCeiling, "cost-ceiling", 0, "Override the cost ceiling in USD")
	cmd.Flags().IntVar(&maxRebuttals, "max-rebuttals", 0, "Override the rebuttal limit")
	cmd.Flags().IntVar(&maxReviewCycles, "max-review-cycles", 0, "Override the review cycle limit")
	return cmd
}

func newContractShowCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a contract (active or archived)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			c, err := contract.NewFileStore(cfg.Contract.Dir, cfg.Storage.LockTimeout, nil).Load(args[0])
			if err != nil {
				return err
			}
			return renderContract(cmd, opts, c)
		},
	}
}

func newContractListCmd(opts *Options) *cobra.Command {
	var archived bool
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active contracts, or archived ones with --archived",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !archived {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				list, err := contract.NewFileStore(cfg.Contract.Dir, cfg.Storage.LockTimeout, nil).List()
				if err != nil && len(list) == 0 {
					return err
				}
				if status != "" {
					list = filterStatus(list, contract.Status(status))
				}
				if rerr := renderContractList(cmd, opts, list); rerr != nil {
					return rerr
				}
				return err
			}
			return withMachine(cmd, opts, func(rt *app.Runtime) error {
				if rt.Archive == nil {
					list, err := rt.Contracts.Store().ListArchived()
					if err != nil && len(list) == 0 {
						return err
					}
					if status != "" {
						list = filterStatus(list, contract.Status(status))
					}
					return renderContractList(cmd, opts, list)
				}
				entries, err := rt.Archive.List(cmd.Context(), contract.Status(status), limit)
				if err != nil {
					return err
				}
				return render(cmd, opts, entries, func(w io.Writer) error {
					for _, e := range entries {
						fmt.Fprintf(w, "%-24s %-10s $%.4f  %s  %s\n",
							e.TaskID, e.Status, e.CostUSD, e.ArchivedAt.Format("2006-01-02 15:04"), e.Title)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "List archived contracts")
	cmd.Flags().StringVar(&status, "status", "", "Only show contracts in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum archived entries (archive index only)")
	return cmd
}

func newContractStatsCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize archived contracts by final status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd, opts, func(rt *app.Runtime) error {
				if rt.Archive == nil {
					return errors.New("contract.archive_db is not configured")
				}
				sum, err := rt.Archive.Summarize(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd, opts, sum, func(w io.Writer) error {
					fmt.Fprintf(w, "archived   %d\n", sum.Count)
					fmt.Fprintf(w, "spend      $%.4f\n", sum.CostUSD)
					statuses := make([]string, 0, len(sum.ByStatus))
					for st := range sum.ByStatus {
						statuses = append(statuses, string(st))
					}
					sort.Strings(statuses)
					for _, st := range statuses {
						fmt.Fprintf(w, "  %-10s %d\n", st, sum.ByStatus[contract.Status(st)])
					}
					return nil
				})
			})
		},
	}
}

func filterStatus(list []*contract.Contract, status contract.Status) []*contract.Contract {
	out := list[:0]
	for _, c := range list {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

func newContractCheckCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "check [task-id]",
		Short: "Evaluate circuit breakers now (all active contracts when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd, opts, func(rt *app.Runtime) error {
				var (
					trips []*contract.Trip
					err   error
				)
				if len(args) == 1 {
					var trip *contract.Trip
					_, trip, err = rt.Contracts.Check(cmd.Context(), args[0])
					if trip != nil {
						trips = append(trips, trip)
					}
				} else {
					trips, err = rt.Contracts.CheckAll(cmd.Context())
				}
				if rerr := renderTrips(cmd, opts, trips); rerr != nil {
					return rerr
				}
				return err
			})
		},
	}
}

func newContractCostCmd(opts *Options) *cobra.Command {
	var usd float64
	var tokens int
	cmd := &cobra.Command{
		Use:   "cost <task-id>",
		Short: "Record usage incurred outside taskplane against a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd, opts, func(rt *app.Runtime) error {
				c, err := rt.Contracts.RecordCost(cmd.Context(), args[0], usd, tokens)
				return finish(cmd, opts, c, err)
			})
		},
	}
	cmd.Flags().Float64Var(&usd, "usd", 0, "Cost in USD")
	cmd.Flags().IntVar(&tokens, "tokens", 0, "Tokens used")
	return cmd
}

func transitionCmd(opts *Options, use, short string, fn func(ctx context.Context, m *contract.Machine, id string) (*contract.Contract, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd, opts, func(rt *app.Runtime) error {
				c, err := fn(cmd.Context(), rt.Contracts, args[0])
				return finish(cmd, opts, c, err)
			})
		},
	}
}

func reasonCmd(opts *Options, use, short string, withDetails bool, fn func(ctx context.Context, m *contract.Machine, id, reason, details string) (*contract.Contract, error)) *cobra.Command {
	var reason, details string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMachine(cmd, opts, func(rt *app.Runtime) error {
				c, err := fn(cmd.Context(), rt.Contracts, args[0], reason, details)
				return finish(cmd, opts, c, err)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the history")
	if withDetails {
		cmd.Flags().StringVar(&details, "details", "", "Additional context for the human")
	}
	return cmd
}

func turnCmd(opts *Options, use, short string, promptRequired bool, fn func(ctx context.Context, m *contract.Machine, c *contract.Contract, prompt string) (*contract.Contract, error)) *cobra.Command {
	var prompt, promptFile string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := promptText(prompt, promptFile)
			if err != nil {
				return err
			}
			if promptRequired && text == "" {
				return errors.New("--prompt or --prompt-file is required")
			}
			return withMachine(cmd, opts, func(rt *app.Runtime) error {
				cur, err := rt.Contracts.Load(args[0])
				if err != nil {
					return err
				}
				c, err := fn(cmd.Context(), rt.Contracts, cur, text)
				return finish(cmd, opts, c, err)
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "Instructions for the model")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "Read instructions from a file")
	return cmd
}

func renderContract(cmd *cobra.Command, opts *Options, c *contract.Contract) error {
	return render(cmd, opts, c, func(w io.Writer) error {
		fmt.Fprintf(w, "%s  %s\n", c.TaskID, c.Title)
		fmt.Fprintf(w, "  status       %s (since %s)\n", c.Status, c.StageEnteredAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "  cost         $%.4f of $%.4f, %d tokens\n", c.Breaker.CostUSD, c.Limits.CostCeilingUSD, c.Breaker.TokensUsed)
		fmt.Fprintf(w, "  rebuttals    %d/%d\n", c.Breaker.RebuttalCount, c.Limits.MaxRebuttals)
		fmt.Fprintf(w, "  reviews      %d/%d\n", c.Breaker.ReviewCycleCount, c.Limits.MaxReviewCycles)
		if c.FailureReason != "" {
			fmt.Fprintf(w, "  failure      %s\n", c.FailureReason)
			if c.FailureDetails != "" {
				fmt.Fprintf(w, "               %s\n", c.FailureDetails)
			}
		}
		for _, h := range c.History {
			from := string(h.From)
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(w, "  %s  %s → %s  %s\n", h.At.Format("15:04:05"), from, h.To, h.Reason)
		}
		for _, t := range c.Turns {
			fmt.Fprintf(w, "  turn %-26s %s $%.4f%s\n", t.Stage, t.Model, t.CostUSD, fallbackMark(t.FallbackUsed))
		}
		return nil
	})
}

func fallbackMark(used bool) string {
	if used {
		return " (fallback)"
	}
	return ""
}

func renderContractList(cmd *cobra.Command, opts *Options, list []*contract.Contract) error {
	if list == nil {
		list = []*contract.Contract{}
	}
	return render(cmd, opts, list, func(w io.Writer) error {
		if len(list) == 0 {
			_, err := fmt.Fprintln(w, "no contracts")
			return err
		}
		for _, c := range list {
			fmt.Fprintf(w, "%-24s %-26s $%.4f  %s\n", c.TaskID, c.Status, c.Breaker.CostUSD, c.Title)
		}
		return nil
	})
}

type tripView struct {
	TaskID  string          `json:"task_id" yaml:"task_id"`
	Reason  string          `json:"reason" yaml:"reason"`
	Details string          `json:"details" yaml:"details"`
	Status  contract.Status `json:"status" yaml:"status"`
}

func renderTrips(cmd *cobra.Command, opts *Options, trips []*contract.Trip) error {
	views := make([]tripView, 0, len(trips))
	for _, t := range trips {
		views = append(views, tripView{TaskID: t.TaskID, Reason: t.Reason, Details: t.Details, Status: t.Status})
	}
	return render(cmd, opts, views, func(w io.Writer) error {
		if len(views) == 0 {
			_, err := fmt.Fprintln(w, "no breakers tripped")
			return err
		}
		for _, v := range views {
			fmt.Fprintf(w, "%s → %s: %s (%s)\n", v.TaskID, v.Status, v.Reason, strings.TrimSpace(v.Details))
		}
		return nil
	})
}
