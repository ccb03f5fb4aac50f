package contract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animus-coder/taskplane/internal/fallback"
	"github.com/animus-coder/taskplane/internal/llm"
	"github.com/animus-coder/taskplane/internal/routing"
)

// Task types used for model turns.
const (
	TaskTypeCode   = routing.TaskCode
	TaskTypeReview = routing.TaskReview
)

// Failure reasons written when the executor cannot produce a result.
const (
	ReasonChainExhausted  = "model chain exhausted"
	ReasonBudgetExhausted = "budget exhausted"
)

// Executor runs one model turn down a fallback chain.
type Executor interface {
	Execute(ctx context.Context, sel routing.ModelSelection, messages []llm.ChatMessage, opts fallback.Options) (fallback.Result, error)
}

// Router picks the chain for a task type.
type Router interface {
	Route(taskType, complexity string) routing.ModelSelection
}

// Observer receives lifecycle events; observability.Metrics satisfies it.
type Observer interface {
	RecordContractTransition(status string)
	RecordBreakerTrip(reason string)
}

// Notifier tells a human about escalations; adapter.Host satisfies it.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Messenger hands work to the next pipeline role; adapter.HostMessenger
// satisfies it.
type Messenger interface {
	Send(ctx context.Context, to, message string) error
}

// handoffRoles names who picks a contract up when it enters a waiting stage.
var handoffRoles = map[Status]string{
	StatusPendingImplementer: "implementer",
	StatusPendingJudge:       "judge",
}

// Machine drives contracts through their lifecycle. Every mutation runs
// lock → reload → mutate a clone → evaluate breakers → atomic save, and the
// caller only sees the new contract once it is on disk.
type Machine struct {
	store      *FileStore
	exec       Executor
	router     Router
	defaults   Limits
	policy     Policy
	complexity string
	now        func() time.Time
	logger     *zap.Logger
	observer   Observer
	notifier   Notifier
	messenger  Messenger
}

// Option configures a Machine.
type Option func(*Machine)

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func WithLogger(logger *zap.Logger) Option { return func(m *Machine) { m.logger = logger } }

func WithObserver(o Observer) Option { return func(m *Machine) { m.observer = o } }

func WithNotifier(n Notifier) Option { return func(m *Machine) { m.notifier = n } }

func WithMessenger(ms Messenger) Option { return func(m *Machine) { m.messenger = ms } }

// WithPolicy sets where tripped contracts go (consult by default).
func WithPolicy(p Policy) Option { return func(m *Machine) { m.policy = p } }

// WithComplexity sets the complexity hint passed to the router.
func WithComplexity(c string) Option { return func(m *Machine) { m.complexity = c } }

// NewMachine wires a machine. exec and router may be nil when only
// operator transitions are used; model turns then fail.
func NewMachine(store *FileStore, exec Executor, router Router, defaults Limits, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		exec:     exec,
		router:   router,
		defaults: defaults,
		policy:   PolicyConsult,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Store exposes the underlying store for read-only callers.
func (m *Machine) Store() *FileStore { return m.store }

// DefaultLimits returns the limits applied to new contracts.
func (m *Machine) DefaultLimits() Limits {
	c := Contract{Limits: m.defaults}
	return c.Clone().Limits
}

// CreateRequest describes a new contract. Nil Limits uses the defaults; an
// empty TaskID generates one.
type CreateRequest struct {
	TaskID string
	Title  string
	Limits *Limits
}

// Create registers a contract in pending_implementer.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*Contract, error) {
	id := strings.TrimSpace(req.TaskID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := ValidateTaskID(id); err != nil {
		return nil, err
	}
	limits := m.DefaultLimits()
	if req.Limits != nil {
		limits = (&Contract{Limits: *req.Limits}).Clone().Limits
	}
	if limits.CostCeilingUSD <= 0 {
		return nil, fmt.Errorf("contract %s: cost ceiling must be > 0", id)
	}

	lock, err := m.store.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lock contract %s: %w", id, err)
	}
	defer lock.Unlock()

	if m.store.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	now := m.now().UTC()
	c := &Contract{
		SchemaVersion:  SchemaVersion,
		TaskID:         id,
		Title:          req.Title,
		Status:         StatusPendingImplementer,
		Limits:         limits,
		CreatedAt:      now,
		UpdatedAt:      now,
		StageEnteredAt: now,
		History:        []HistoryEntry{{To: StatusPendingImplementer, At: now, Reason: "created"}},
		Turns:          []Turn{},
	}
	if err := m.store.Save(c); err != nil {
		return nil, err
	}
	m.logger.Info("contract created", zap.String("task_id", id))
	if m.observer != nil {
		m.observer.RecordContractTransition(string(c.Status))
	}
	return c, nil
}

// Load reads a contract without locking.
func (m *Machine) Load(taskID string) (*Contract, error) {
	return m.store.Load(taskID)
}

// StartImplementation moves pending_implementer → implementer_drafting.
func (m *Machine) StartImplementation(ctx context.Context, taskID string) (*Contract, error) {
	return m.step(ctx, taskID, StatusImplementerDrafting, "implementation started", nil)
}

// StartReview moves pending_judge → judge_review_in_progress and counts a
// review cycle.
func (m *Machine) StartReview(ctx context.Context, taskID string) (*Contract, error) {
	return m.step(ctx, taskID, StatusJudgeReview, "review started", func(c *Contract) {
		c.Breaker.ReviewCycleCount++
	})
}

// Merge moves approved → merged and archives the contract.
func (m *Machine) Merge(ctx context.Context, taskID string) (*Contract, error) {
	return m.step(ctx, taskID, StatusMerged, "merged", nil)
}

// RequestRebuttal moves rejected → rebuttal_requested and counts a rebuttal.
func (m *Machine) RequestRebuttal(ctx context.Context, taskID, reason string) (*Contract, error) {
	if reason == "" {
		reason = "rebuttal requested"
	}
	return m.step(ctx, taskID, StatusRebuttalRequested, reason, func(c *Contract) {
		c.Breaker.RebuttalCount++
	})
}

// step is a forward pipeline transition without a model turn.
func (m *Machine) step(ctx context.Context, taskID string, to Status, reason string, update func(c *Contract)) (*Contract, error) {
	return outcome(m.mutate(ctx, taskID, true, func(c *Contract, now time.Time) error {
		if !isPipelineEdge(c.Status, to) {
			return &TransitionError{TaskID: c.TaskID, From: c.Status, To: to}
		}
		if update != nil {
			update(c)
		}
		return m.setStatus(c, to, reason, now)
	}))
}

// Halt stops a contract for good. Allowed from any non-terminal status.
func (m *Machine) Halt(ctx context.Context, taskID, reason string) (*Contract, error) {
	return m.operator(ctx, taskID, StatusHalted, "halted by operator", reason)
}

// Abandon drops a contract. Allowed from any non-terminal status.
func (m *Machine) Abandon(ctx context.Context, taskID, reason string) (*Contract, error) {
	return m.operator(ctx, taskID, StatusAbandoned, "abandoned by operator", reason)
}

// Escalate hands a contract to a human.
func (m *Machine) Escalate(ctx context.Context, taskID, reason, details string) (*Contract, error) {
	c, err := m.operator(ctx, taskID, StatusErikConsultation, reason, details)
	if err == nil {
		m.notify(ctx, c, "escalated: "+reason)
	}
	return c, err
}

func (m *Machine) operator(ctx context.Context, taskID string, to Status, reason, details string) (*Contract, error) {
	return outcome(m.mutate(ctx, taskID, false, func(c *Contract, now time.Time) error {
		c.FailureReason = reason
		if details != "" {
			c.FailureDetails = details
		}
		return m.setStatus(c, to, reason, now)
	}))
}

// RecordCost adds externally incurred usage and evaluates the breakers.
func (m *Machine) RecordCost(ctx context.Context, taskID string, costUSD float64, tokens int) (*Contract, error) {
	if costUSD < 0 || tokens < 0 {
		return nil, fmt.Errorf("contract %s: cost and tokens must be >= 0", taskID)
	}
	return outcome(m.mutate(ctx, taskID, false, func(c *Contract, _ time.Time) error {
		c.Breaker.CostUSD += costUSD
		c.Breaker.TokensUsed += tokens
		return nil
	}))
}

// SubmitDraft runs the implementer turn and moves implementer_drafting → pending_judge.
func (m *Machine) SubmitDraft(ctx context.Context, taskID string, messages []llm.ChatMessage) (*Contract, error) {
	return m.turn(ctx, taskID, StatusImplementerDrafting, TaskTypeCode, messages, func(fallback.Result) (Status, string) {
		return StatusPendingJudge, "draft submitted"
	})
}

// Judge runs the review turn and moves judge_review_in_progress to approved
// or rejected depending on the VERDICT line of the output.
func (m *Machine) Judge(ctx context.Context, taskID string, messages []llm.ChatMessage) (*Contract, error) {
	return m.turn(ctx, taskID, StatusJudgeReview, TaskTypeReview, messages, func(res fallback.Result) (Status, string) {
		approved, verdict := ParseVerdict(res.Content)
		if approved {
			return StatusApproved, "judge verdict: " + verdict
		}
		return StatusRejected, "judge verdict: " + verdict
	})
}

// Rebut runs the implementer's rebuttal turn and moves rebuttal_requested →
// pending_implementer.
func (m *Machine) Rebut(ctx context.Context, taskID string, messages []llm.ChatMessage) (*Contract, error) {
	return m.turn(ctx, taskID, StatusRebuttalRequested, TaskTypeCode, messages, func(fallback.Result) (Status, string) {
		return StatusPendingImplementer, "rebuttal submitted"
	})
}

var verdictLine = regexp.MustCompile(`(?im)^\s*VERDICT\s*:\s*([A-Za-z_-]+)`)

// ParseVerdict reads the first "VERDICT: X" line. Only APPROVE and APPROVED
// approve; a missing line is a rejection.
func ParseVerdict(output string) (bool, string) {
	match := verdictLine.FindStringSubmatch(output)
	if match == nil {
		return false, "MISSING"
	}
	v := strings.ToUpper(match[1])
	return v == "APPROVE" || v == "APPROVED", v
}

// turn runs a model call outside the lock and commits its result under it.
func (m *Machine) turn(ctx context.Context, taskID string, stage Status, taskType string, messages []llm.ChatMessage, advance func(fallback.Result) (Status, string)) (*Contract, error) {
	if m.exec == nil || m.router == nil {
		return nil, errors.New("contract machine has no executor")
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("contract %s: model turn needs at least one message", taskID)
	}

	cur, err := m.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	if cur.Status != stage {
		return cur, &TransitionError{TaskID: taskID, From: cur.Status, To: pipeline[stage][0]}
	}
	if CheckBreakers(cur, m.now()) != nil {
		// Trip before spending anything.
		c, trip, err := m.mutate(ctx, taskID, true, func(*Contract, time.Time) error { return nil })
		if err != nil || trip != nil {
			return outcome(c, trip, err)
		}
		// The trip cleared under the lock; run the turn on the fresh copy.
		cur = c
		if cur.Status != stage {
			return cur, &TransitionError{TaskID: taskID, From: cur.Status, To: pipeline[stage][0]}
		}
	}

	sel := m.router.Route(taskType, m.complexity)
	res, execErr := m.exec.Execute(ctx, sel, messages, fallback.Options{TaskType: taskType})
	if execErr != nil {
		if !errors.Is(execErr, fallback.ErrChainExhausted) && !errors.Is(execErr, fallback.ErrBudgetExhausted) {
			return cur, fmt.Errorf("contract %s: model turn: %w", taskID, execErr)
		}
		reason := ReasonChainExhausted
		if errors.Is(execErr, fallback.ErrBudgetExhausted) {
			reason = ReasonBudgetExhausted
		}
		c, err := m.Escalate(ctx, taskID, reason, execErr.Error())
		if err != nil {
			return c, errors.Join(execErr, err)
		}
		return c, fmt.Errorf("contract %s: %w", taskID, execErr)
	}

	record := func(c *Contract, now time.Time) {
		c.Turns = append(c.Turns, Turn{
			Stage:        stage,
			Model:        res.ModelUsed,
			Tier:         res.Tier,
			TokensIn:     res.TokensIn,
			TokensOut:    res.TokensOut,
			CostUSD:      res.CostUSD,
			FallbackUsed: res.FallbackUsed,
			Output:       res.Content,
			At:           now,
		})
		c.Breaker.CostUSD += res.CostUSD
		c.Breaker.TokensUsed += res.TokensIn + res.TokensOut
	}

	stale := false
	c, trip, err := m.mutate(ctx, taskID, false, func(c *Contract, now time.Time) error {
		record(c, now)
		if c.Status != stage {
			stale = true
			return nil
		}
		to, reason := advance(res)
		return m.setStatus(c, to, reason, now)
	})
	if err != nil && errors.Is(err, ErrIllegalTransition) {
		if c != nil && c.Status.Terminal() {
			// Closed by an operator while the model was running. The
			// spend still belongs to this contract.
			amended, aerr := m.amendTerminal(ctx, taskID, record)
			if aerr != nil {
				return c, errors.Join(fmt.Errorf("%w: %w", ErrStaleStatus, err), aerr)
			}
			return amended, fmt.Errorf("%w: %s is now %s", ErrStaleStatus, taskID, amended.Status)
		}
		return c, fmt.Errorf("%w: %w", ErrStaleStatus, err)
	}
	if err == nil && stale {
		return c, fmt.Errorf("%w: %s is now %s", ErrStaleStatus, taskID, c.Status)
	}
	return outcome(c, trip, err)
}

// Check evaluates the breakers against the clock and applies a trip. It is
// the watchdog entry point for stage timeouts.
func (m *Machine) Check(ctx context.Context, taskID string) (*Contract, *Trip, error) {
	cur, err := m.store.Load(taskID)
	if err != nil {
		return nil, nil, err
	}
	if CheckBreakers(cur, m.now().UTC()) == nil {
		return cur, nil, nil
	}
	return m.mutate(ctx, taskID, true, func(*Contract, time.Time) error { return nil })
}

// CheckAll runs Check over every active contract.
func (m *Machine) CheckAll(ctx context.Context) ([]*Trip, error) {
	contracts, listErr := m.store.List()
	var (
		trips []*Trip
		errs  []error
	)
	if listErr != nil {
		errs = append(errs, listErr)
	}
	for _, c := range contracts {
		if !c.Status.Automatic() {
			continue
		}
		_, trip, err := m.Check(ctx, c.TaskID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if trip != nil {
			trips = append(trips, trip)
		}
	}
	return trips, errors.Join(errs...)
}

func (m *Machine) mutate(ctx context.Context, taskID string, precheck bool, fn func(c *Contract, now time.Time) error) (*Contract, *Trip, error) {
	lock, err := m.store.Lock(ctx, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock contract %s: %w", taskID, err)
	}
	defer lock.Unlock()

	cur, err := m.store.Load(taskID)
	if err != nil {
		return nil, nil, err
	}
	if cur.Status.Terminal() {
		return cur, nil, fmt.Errorf("%w: contract %s is %s", ErrIllegalTransition, taskID, cur.Status)
	}

	now := m.now().UTC()
	next := cur.Clone()

	var trip *Trip
	if precheck {
		trip = CheckBreakers(next, now)
	}
	if trip == nil {
		if err := fn(next, now); err != nil {
			return cur, nil, err
		}
		trip = CheckBreakers(next, now)
	}
	if trip != nil {
		m.applyTrip(next, trip, now)
	}

	next.UpdatedAt = now
	if err := m.store.Save(next); err != nil {
		return cur, nil, err
	}
	m.committed(ctx, cur, next, trip)

	if next.Status.Terminal() {
		if err := m.store.Archive(ctx, next); err != nil {
			return next, trip, err
		}
	}
	return next, trip, nil
}

// amendTerminal books late usage onto a terminal contract without touching
// its status or history.
func (m *Machine) amendTerminal(ctx context.Context, taskID string, record func(c *Contract, now time.Time)) (*Contract, error) {
	lock, err := m.store.Lock(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("lock contract %s: %w", taskID, err)
	}
	defer lock.Unlock()

	cur, err := m.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	if !cur.Status.Terminal() {
		return cur, fmt.Errorf("contract %s: expected a terminal status, got %s", taskID, cur.Status)
	}
	now := m.now().UTC()
	next := cur.Clone()
	record(next, now)
	next.UpdatedAt = now
	if err := m.store.Amend(ctx, next); err != nil {
		return cur, err
	}
	m.logger.Info("recorded late model usage on closed contract",
		zap.String("task_id", taskID),
		zap.String("status", string(next.Status)),
		zap.Float64("cost_usd", next.Breaker.CostUSD))
	return next, nil
}

func (m *Machine) setStatus(c *Contract, to Status, reason string, now time.Time) error {
	if !allowed(c.Status, to) {
		return &TransitionError{TaskID: c.TaskID, From: c.Status, To: to}
	}
	c.History = append(c.History, HistoryEntry{From: c.Status, To: to, At: now, Reason: reason})
	c.Status = to
	c.StageEnteredAt = now
	return nil
}

func (m *Machine) applyTrip(c *Contract, trip *Trip, now time.Time) {
	trip.Status = m.policy.target()
	c.FailureReason = trip.Reason
	c.FailureDetails = trip.Details
	// Automatic statuses can always escalate or halt.
	_ = m.setStatus(c, trip.Status, "breaker: "+trip.Reason, now)
}

// committed reports a persisted change.
func (m *Machine) committed(ctx context.Context, before, after *Contract, trip *Trip) {
	for _, h := range after.History[len(before.History):] {
		m.logger.Info("contract transition",
			zap.String("task_id", after.TaskID),
			zap.String("from", string(h.From)),
			zap.String("to", string(h.To)),
			zap.String("reason", h.Reason))
		if m.observer != nil {
			m.observer.RecordContractTransition(string(h.To))
		}
		if role, ok := handoffRoles[h.To]; ok {
			m.handoff(ctx, after, role)
		}
	}
	if trip == nil {
		return
	}
	m.logger.Warn("circuit breaker tripped",
		zap.String("task_id", after.TaskID),
		zap.String("reason", trip.Reason),
		zap.String("details", trip.Details),
		zap.String("status", string(trip.Status)))
	if m.observer != nil {
		m.observer.RecordBreakerTrip(trip.Reason)
	}
	m.notify(ctx, after, trip.Reason+": "+trip.Details)
}

func (m *Machine) notify(ctx context.Context, c *Contract, body string) {
	if m.notifier == nil {
		return
	}
	title := fmt.Sprintf("contract %s is %s", c.TaskID, c.Status)
	if err := m.notifier.Notify(ctx, title, body); err != nil {
		m.logger.Warn("notify failed", zap.String("task_id", c.TaskID), zap.Error(err))
	}
}

func (m *Machine) handoff(ctx context.Context, c *Contract, role string) {
	if m.messenger == nil {
		return
	}
	msg := fmt.Sprintf("contract %s (%s) is %s", c.TaskID, c.Title, c.Status)
	if err := m.messenger.Send(ctx, role, msg); err != nil {
		m.logger.Warn("handoff message failed",
			zap.String("task_id", c.TaskID),
			zap.String("to", role),
			zap.Error(err))
	}
}

func isPipelineEdge(from, to Status) bool {
	for _, next := range pipeline[from] {
		if next == to {
			return true
		}
	}
	return false
}

func outcome(c *Contract, trip *Trip, err error) (*Contract, error) {
	if err != nil {
		return c, err
	}
	if trip != nil {
		return c, trip
	}
	return c, nil
}
