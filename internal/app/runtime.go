// Package app assembles the taskplane components from configuration. The CLI
// and the daemon share one Runtime so both see the same ledger and contracts.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/animus-coder/taskplane/internal/adapter"
	"github.com/animus-coder/taskplane/internal/archive"
	"github.com/animus-coder/taskplane/internal/budget"
	"github.com/animus-coder/taskplane/internal/config"
	"github.com/animus-coder/taskplane/internal/contract"
	"github.com/animus-coder/taskplane/internal/cooldown"
	"github.com/animus-coder/taskplane/internal/cost"
	"github.com/animus-coder/taskplane/internal/fallback"
	"github.com/animus-coder/taskplane/internal/llm"
	"github.com/animus-coder/taskplane/internal/llm/configbuilder"
	"github.com/animus-coder/taskplane/internal/logging"
	"github.com/animus-coder/taskplane/internal/observability"
	"github.com/animus-coder/taskplane/internal/routing"
)

// Runtime holds the wired components.
type Runtime struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Costs     *cost.Table
	Backend   llm.Backend
	Cooldown  *cooldown.Tracker
	Ledger    *budget.Ledger
	Router    *routing.Engine
	Executor  *fallback.Executor
	Archive   *archive.Index // nil unless contract.archive_db is set
	Contracts *contract.Machine
	Host      adapter.Host
}

type settings struct {
	backend llm.Backend
	env     adapter.Env
	out     io.Writer
	metrics *observability.Metrics
}

// Option customizes New.
type Option func(*settings)

// WithBackend replaces the provider registry, mainly for tests.
func WithBackend(b llm.Backend) Option { return func(s *settings) { s.backend = b } }

// WithEnv sets the environment used for host detection. Defaults to os.Environ.
func WithEnv(env adapter.Env) Option { return func(s *settings) { s.env = env } }

// WithOutput sets where terminal and CI hosts write notices. Defaults to stderr.
func WithOutput(w io.Writer) Option { return func(s *settings) { s.out = w } }

// WithMetrics shares a metrics registry with the caller.
func WithMetrics(m *observability.Metrics) Option { return func(s *settings) { s.metrics = m } }

// New wires every component described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.env == nil {
		s.env = adapter.EnvFromList(os.Environ())
	}
	if s.out == nil {
		s.out = os.Stderr
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: s.metrics,
		Costs:   configbuilder.BuildCostTable(cfg),
		Backend: s.backend,
	}

	if rt.Backend == nil {
		reg, err := configbuilder.BuildRegistryFromConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("build registry: %w", err)
		}
		rt.Backend = reg
	}

	host, err := adapter.New(adapter.Options{
		Kind:          adapter.Kind(strings.ToLower(strings.TrimSpace(cfg.Adapter.Host))),
		Env:           s.env,
		WebhookURL:    cfg.Adapter.WebhookURL,
		WebhookSecret: cfg.Adapter.WebhookSecret,
		Out:           s.out,
		Logger:        logging.Component(logger, "adapter"),
	})
	if err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}
	rt.Host = host

	rt.Cooldown = cooldown.New(cfg.Cooldown.Threshold, cfg.Cooldown.Duration,
		cooldown.WithObserver(rt.Metrics))

	rt.Ledger, err = budget.Open(cfg.Budget.LedgerPath, budget.Limits{
		SessionUSD:      cfg.Budget.SessionLimitUSD,
		DailyUSD:        cfg.Budget.DailyLimitUSD,
		MaxCloudEscapes: cfg.Budget.MaxCloudEscapes,
	}, rt.Costs,
		budget.WithLogger(logging.Component(logger, "budget")),
		budget.WithObserver(rt.Metrics),
		budget.WithLockTimeout(cfg.Storage.LockTimeout),
		budget.WithSessionID(cfg.Budget.SessionID),
	)
	if err != nil {
		return nil, err
	}

	rt.Router = routing.NewEngine(cfg.Routing.Chains, rt.Costs, cfg.Routing.DefaultComplexity)

	rt.Executor = fallback.New(rt.Backend, rt.Cooldown, rt.Ledger, rt.Costs, fallback.Config{
		CallTimeout:            cfg.Fallback.CallTimeout,
		DefaultMaxOutputTokens: cfg.Fallback.DefaultMaxOutputTokens,
		MaxOutputTokens:        configbuilder.MaxOutputTokens(cfg),
	},
		fallback.WithLogger(logging.Component(logger, "fallback")),
		fallback.WithObserver(rt.Metrics),
	)

	var index contract.ArchiveIndex
	if path := strings.TrimSpace(cfg.Contract.ArchiveDB); path != "" {
		rt.Archive, err = archive.Open(path)
		if err != nil {
			return nil, err
		}
		index = rt.Archive
	}

	store := contract.NewFileStore(cfg.Contract.Dir, cfg.Storage.LockTimeout, index)
	rt.Contracts = contract.NewMachine(store, rt.Executor, rt.Router, ContractLimits(cfg),
		contract.WithLogger(logging.Component(logger, "contract")),
		contract.WithObserver(rt.Metrics),
		contract.WithNotifier(rt.Host),
		contract.WithMessenger(adapter.HostMessenger{Host: rt.Host}),
		contract.WithPolicy(contract.ParsePolicy(cfg.Contract.BreakerPolicy)),
		contract.WithComplexity(cfg.Routing.DefaultComplexity),
	)

	logger.Debug("runtime ready",
		zap.String("host", rt.Host.Name()),
		zap.String("ledger", rt.Ledger.Path()),
		zap.String("contracts", store.Dir()),
		zap.Bool("archive_index", rt.Archive != nil))
	return rt, nil
}

// ContractLimits converts the contract section into default breaker limits.
func ContractLimits(cfg *config.Config) contract.Limits {
	timeouts := make(map[string]int, len(cfg.Contract.TimeoutMinutes))
	for stage, minutes := range cfg.Contract.TimeoutMinutes {
		timeouts[strings.ToLower(stage)] = minutes
	}
	return contract.Limits{
		CostCeilingUSD:  cfg.Contract.CostCeilingUSD,
		MaxRebuttals:    cfg.Contract.MaxRebuttals,
		MaxReviewCycles: cfg.Contract.MaxReviewCycles,
		TimeoutMinutes:  timeouts,
	}
}

// Close releases the archive index.
func (r *Runtime) Close() error {
	if r.Archive != nil {
		return r.Archive.Close()
	}
	return nil
}
