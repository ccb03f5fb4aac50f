package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/animus-coder/taskplane/internal/budget"
	"github.com/animus-coder/taskplane/internal/cost"
	"github.com/animus-coder/taskplane/internal/llm"
	"github.com/animus-coder/taskplane/internal/routing"
)

var (
	// ErrChainExhausted means every candidate was cooled down, skipped or failed.
	ErrChainExhausted = errors.New("fallback chain exhausted")
	// ErrBudgetExhausted means no candidate succeeded and every cloud
	// candidate considered was refused by the budget ledger.
	ErrBudgetExhausted = fmt.Errorf("no affordable candidate: %w", budget.ErrBudgetExceeded)
)

// Attempt outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeCooledDown = "cooled_down"
	OutcomeBudget     = "budget_skipped"
	OutcomeCanceled   = "canceled"
)

// Attempt is one step of the walk down the chain.
type Attempt struct {
	Model    string        `json:"model"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// ExhaustedError reports a chain that produced no result.
type ExhaustedError struct {
	Chain         []string
	Attempts      []Attempt
	BudgetBlocked bool
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.Model, a.Outcome, a.Error))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Model, a.Outcome))
		}
	}
	head := ErrChainExhausted.Error()
	if e.BudgetBlocked {
		head = ErrBudgetExhausted.Error()
	}
	return fmt.Sprintf("%s [%s]: %s", head, strings.Join(e.Chain, " → "), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	if e.BudgetBlocked {
		return ErrBudgetExhausted
	}
	return ErrChainExhausted
}

// Cooldown is the subset of cooldown.Tracker the executor needs.
type Cooldown interface {
	IsCooledDown(model string) bool
	RecordFailure(model string)
	RecordSuccess(model string)
}

// Budget is the subset of budget.Ledger the executor needs.
type Budget interface {
	CanAfford(model string, tokensIn, tokensOut int) (bool, string)
	RecordCost(model string, tokensIn, tokensOut int, taskType string, cloudEscape bool) (float64, error)
}

// Observer receives per-candidate outcomes; observability.Metrics satisfies it.
type Observer interface {
	RecordFallbackAttempt(model, outcome string)
	RecordBudgetSkip(model string)
}

// Config bounds backend calls.
type Config struct {
	CallTimeout time.Duration
	// DefaultMaxOutputTokens sizes the budget pre-check when neither the
	// call nor the model sets a limit.
	DefaultMaxOutputTokens int
	MaxOutputTokens        map[string]int
}

// Options are per-call settings.
type Options struct {
	TaskType        string
	MaxOutputTokens int
}

// Result is a successful model call.
type Result struct {
	ModelUsed    string    `json:"model_used"`
	Tier         cost.Tier `json:"tier"`
	Content      string    `json:"content"`
	FallbackUsed bool      `json:"fallback_used"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	Attempts     []Attempt `json:"attempts"`
}

// Executor walks a fallback chain until one candidate succeeds.
type Executor struct {
	backend  llm.Backend
	cooldown Cooldown
	budget   Budget
	table    *cost.Table
	cfg      Config
	logger   *zap.Logger
	observer Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(e *Executor) { e.logger = logger } }

// WithObserver reports attempts to metrics.
func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }

// New builds an executor.
func New(backend llm.Backend, cd Cooldown, b Budget, table *cost.Table, cfg Config, opts ...Option) *Executor {
	if table == nil {
		table = cost.NewTable(nil)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 90 * time.Second
	}
	e := &Executor{
		backend:  backend,
		cooldown: cd,
		budget:   b,
		table:    table,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Execute tries the chain starting at sel.Model. Each candidate gets at most
// one attempt. No cost is recorded for failed attempts.
func (e *Executor) Execute(ctx context.Context, sel routing.ModelSelection, messages []llm.ChatMessage, opts Options) (Result, error) {
	chain := startChain(sel)
	if len(chain) == 0 {
		return Result{}, errors.New("selection has no model")
	}

	tokensIn := llm.EstimateTokens(messages)
	var (
		attempts        []Attempt
		cloudConsidered int
		cloudSkipped    int
	)
	// Set once a local candidate was cooled down or failed; only a cloud
	// success after that is a cloud escape.
	localMissed := false

	for _, model := range chain {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempts}, fmt.Errorf("execute: %w", err)
		}

		if e.cooldown.IsCooledDown(model) {
			attempts = append(attempts, Attempt{Model: model, Outcome: OutcomeCooledDown})
			if e.table.IsLocal(model) {
				localMissed = true
			}
			e.observe(model, OutcomeCooledDown)
			e.logger.Debug("skipping cooled-down model", zap.String("model", model))
			continue
		}

		tier := e.table.TierOf(model)
		if tier.IsCloud() {
			cloudConsidered++
			ok, reason := e.budget.CanAfford(model, tokensIn, e.outputTokens(model, opts))
			if !ok {
				cloudSkipped++
				attempts = append(attempts, Attempt{Model: model, Outcome: OutcomeBudget, Error: reason})
				e.observe(model, OutcomeBudget)
				if e.observer != nil {
					e.observer.RecordBudgetSkip(model)
				}
				e.logger.Info("skipping model over budget", zap.String("model", model), zap.String("reason", reason))
				continue
			}
		}

		started := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		comp, err := e.backend.Complete(callCtx, model, messages)
		cancel()
		elapsed := time.Since(started)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// The caller gave up; the model is not at fault.
				attempts = append(attempts, Attempt{Model: model, Outcome: OutcomeCanceled, Error: err.Error(), Duration: elapsed})
				e.observe(model, OutcomeCanceled)
				return Result{Attempts: attempts}, fmt.Errorf("execute: %w", ctxErr)
			}
			e.cooldown.RecordFailure(model)
			attempts = append(attempts, Attempt{Model: model, Outcome: OutcomeFailure, Error: err.Error(), Duration: elapsed})
			e.observe(model, OutcomeFailure)
			e.logger.Warn("model call failed",
				zap.String("model", model),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			if tier == cost.TierLocal {
				localMissed = true
			}
			continue
		}

		e.cooldown.RecordSuccess(model)
		attempts = append(attempts, Attempt{Model: model, Outcome: OutcomeSuccess, Duration: elapsed})
		e.observe(model, OutcomeSuccess)

		fallbackUsed := model != sel.Model
		res := Result{
			ModelUsed:    model,
			Tier:         tier,
			Content:      comp.Content,
			FallbackUsed: fallbackUsed,
			TokensIn:     comp.TokensIn,
			TokensOut:    comp.TokensOut,
			Attempts:     attempts,
		}
		escaped := fallbackUsed && localMissed && tier.IsCloud()
		usd, err := e.budget.RecordCost(model, comp.TokensIn, comp.TokensOut, opts.TaskType, escaped)
		if err != nil {
			return res, fmt.Errorf("record cost for %s: %w", model, err)
		}
		res.CostUSD = usd
		if fallbackUsed {
			e.logger.Info("fallback succeeded",
				zap.String("requested", sel.Model),
				zap.String("model", model),
				zap.Float64("usd", usd))
		}
		return res, nil
	}

	return Result{Attempts: attempts}, &ExhaustedError{
		Chain:         chain,
		Attempts:      attempts,
		BudgetBlocked: cloudConsidered > 0 && cloudSkipped == cloudConsidered,
	}
}

func (e *Executor) observe(model, outcome string) {
	if e.observer != nil {
		e.observer.RecordFallbackAttempt(model, outcome)
	}
}

func (e *Executor) outputTokens(model string, opts Options) int {
	if opts.MaxOutputTokens > 0 {
		return opts.MaxOutputTokens
	}
	if n := e.cfg.MaxOutputTokens[model]; n > 0 {
		return n
	}
	return e.cfg.DefaultMaxOutputTokens
}

// startChain returns the chain from sel.Model onwards. A model missing from
// the chain is tried first.
func startChain(sel routing.ModelSelection) []string {
	chain := sel.Chain()
	if sel.Model == "" {
		return chain
	}
	for i, id := range chain {
		if id == sel.Model {
			return chain[i:]
		}
	}
	return append([]string{sel.Model}, chain...)
}
