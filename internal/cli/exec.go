package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-coder/taskplane/internal/app"
	"github.com/animus-coder/taskplane/internal/fallback"
	"github.com/animus-coder/taskplane/internal/llm"
	"github.com/animus-coder/taskplane/internal/rpc"
	"github.com/animus-coder/taskplane/internal/rpc/controlplane"
)

// NewExecCmd routes a prompt and runs it through the fallback chain.
func NewExecCmd(opts *Options) *cobra.Command {
	var (
		taskType   string
		complexity string
		model      string
		system     string
		promptFile string
		maxOutput  int
		viaDaemon  bool
	)

	cmd := &cobra.Command{
		Use:   "exec [\"<prompt>\"]",
		Short: "Run a prompt on the routed model with automatic fallback",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prompt string
			if len(args) == 1 {
				prompt = args[0]
			}
			text, err := promptText(prompt, promptFile)
			if err != nil {
				return err
			}
			if text == "" {
				return errors.New("prompt cannot be empty")
			}

			req := rpc.ExecuteRequest{
				TaskType:        taskType,
				Complexity:      complexity,
				Model:           model,
				MaxOutputTokens: maxOutput,
			}
			if system != "" {
				req.Messages = append(req.Messages, rpc.Message{Role: string(llm.RoleSystem), Content: system})
			}
			req.Messages = append(req.Messages, rpc.Message{Role: string(llm.RoleUser), Content: text})

			var res *rpc.ExecuteResponse
			if viaDaemon {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				res, err = daemonClient(cfg).Execute(cmd.Context(), req)
				if err != nil {
					return err
				}
			} else {
				err := withMachine(cmd, opts, func(rt *app.Runtime) error {
					var err error
					res, err = execLocal(cmd, rt, req)
					return err
				})
				if err != nil {
					return err
				}
			}

			return render(cmd, opts, res, func(w io.Writer) error {
				fmt.Fprintln(w, res.Content)
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s %s%s] %d in / %d out, $%.4f\n",
					res.ModelUsed, res.Tier, fallbackMark(res.FallbackUsed), res.TokensIn, res.TokensOut, res.CostUSD)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&taskType, "task", "code", "Task type used for routing (code, reasoning, review, ...)")
	cmd.Flags().StringVar(&complexity, "complexity", "", "simple, medium or complex (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "Start the chain at this model instead of the routed one")
	cmd.Flags().StringVar(&system, "system", "", "Optional system prompt")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "Read the prompt from a file")
	cmd.Flags().IntVar(&maxOutput, "max-output-tokens", 0, "Output size used for budget estimates")
	cmd.Flags().BoolVar(&viaDaemon, "daemon", false, "Execute through the running daemon")
	return cmd
}

func execLocal(cmd *cobra.Command, rt *app.Runtime, req rpc.ExecuteRequest) (*rpc.ExecuteResponse, error) {
	sel := rt.Router.Route(req.TaskType, req.Complexity)
	if req.Model != "" {
		sel.Model = req.Model
	}
	messages := make([]llm.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, llm.ChatMessage{Role: llm.Role(strings.ToLower(m.Role)), Content: m.Content})
	}
	res, err := rt.Executor.Execute(cmd.Context(), sel, messages, fallback.Options{
		TaskType:        req.TaskType,
		MaxOutputTokens: req.MaxOutputTokens,
	})
	if err != nil {
		var exhausted *fallback.ExhaustedError
		if errors.As(err, &exhausted) {
			for _, a := range exhausted.Attempts {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %-16s %-14s %s\n", a.Model, a.Outcome, a.Error)
			}
		}
		return nil, err
	}
	return controlplane.ToExecuteResponse(res), nil
}
