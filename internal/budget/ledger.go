package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animus-coder/taskplane/internal/cost"
	"github.com/animus-coder/taskplane/internal/fsutil"
)

// Stable reason prefixes. Callers match on these substrings.
const (
	ReasonLocal           = "Local model — no cost"
	ReasonWithinBudget    = "Within budget"
	ReasonSessionExceeded = "Session limit exceeded"
	ReasonDailyExceeded   = "Daily limit exceeded"
)

// ErrBudgetExceeded marks a call refused for budget reasons rather than a model fault.
var ErrBudgetExceeded = errors.New("budget exceeded")

const dayLayout = "2006-01-02"

// Escape records a fallback from a free/local candidate to a paid cloud model.
type Escape struct {
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	TaskType  string    `json:"task_type"`
	Cost      float64   `json:"cost"`
}

// Overrides is the cumulative human-approved budget extension.
type Overrides struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// State is the persisted ledger document.
type State struct {
	SessionID    string    `json:"session_id"`
	SessionCost  float64   `json:"session_cost"`
	DailyCost    float64   `json:"daily_cost"`
	Day          string    `json:"day"`
	LocalCalls   int       `json:"local_calls"`
	LocalTokens  int       `json:"local_tokens"`
	Overrides    Overrides `json:"overrides"`
	CloudEscapes []Escape  `json:"cloud_escapes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s State) clone() State {
	s.CloudEscapes = append([]Escape(nil), s.CloudEscapes...)
	return s
}

// Limits are the configured ceilings.
type Limits struct {
	SessionUSD      float64
	DailyUSD        float64
	MaxCloudEscapes int // 0 keeps every record
}

// Snapshot is the ledger state plus derived figures.
type Snapshot struct {
	State
	SessionLimit   float64 `json:"session_limit"`
	DailyLimit     float64 `json:"daily_limit"`
	EffectiveLimit float64 `json:"effective_limit"`
	Remaining      float64 `json:"remaining"`
	PercentUsed    float64 `json:"percent_used"`
}

// Observer receives spend events; observability.Metrics satisfies it.
type Observer interface {
	RecordSpend(tier string, usd float64)
	RecordCloudEscape(model string)
}

// Ledger tracks session and daily spend in a JSON file shared between
// processes. Every mutation runs lock → reload → mutate → atomic write.
type Ledger struct {
	path        string
	limits      Limits
	table       *cost.Table
	lockTimeout time.Duration
	sessionID   string
	now         func() time.Time
	logger      *zap.Logger
	observer    Observer

	mu    sync.Mutex
	state State
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithObserver reports spend to metrics.
func WithObserver(o Observer) Option { return func(l *Ledger) { l.observer = o } }

// WithLockTimeout bounds advisory lock acquisition.
func WithLockTimeout(d time.Duration) Option { return func(l *Ledger) { l.lockTimeout = d } }

// WithSessionID pins the session. A stored ledger for a different session
// starts a fresh session; the daily total carries over.
func WithSessionID(id string) Option { return func(l *Ledger) { l.sessionID = id } }

// Open loads the ledger at path, creating an empty one in memory if absent.
func Open(path string, limits Limits, table *cost.Table, opts ...Option) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if table == nil {
		table = cost.NewTable(nil)
	}
	l := &Ledger{
		path:        path,
		limits:      limits,
		table:       table,
		lockTimeout: 10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}

	st, err := l.readDisk()
	if err != nil {
		return nil, err
	}
	l.state = l.adopt(st)
	return l, nil
}

// readDisk returns the stored state, or a zero State when the file is absent.
func (l *Ledger) readDisk() (State, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read ledger: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode ledger %s: %w", l.path, err)
	}
	return st, nil
}

// adopt applies session pinning and the daily rollover to a loaded state.
func (l *Ledger) adopt(st State) State {
	if l.sessionID != "" && st.SessionID != l.sessionID {
		if st.SessionID != "" {
			l.logger.Info("starting new budget session",
				zap.String("previous", st.SessionID), zap.String("session", l.sessionID))
		}
		st = State{SessionID: l.sessionID, DailyCost: st.DailyCost, Day: st.Day}
	}
	if st.SessionID == "" {
		st.SessionID = uuid.NewString()
	}
	today := l.now().UTC().Format(dayLayout)
	if st.Day != today {
		st.Day = today
		st.DailyCost = 0
	}
	return st
}

// refresh picks up writes from other processes. Errors keep the cached state.
func (l *Ledger) refresh() {
	st, err := l.readDisk()
	if err != nil {
		l.logger.Warn("ledger refresh failed; using cached state", zap.Error(err))
		return
	}
	if st.SessionID == "" {
		return
	}
	l.state = l.adopt(st)
}

// mutate serializes a change in-process and across processes.
func (l *Ledger) mutate(fn func(st *State) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := fsutil.Lock(context.Background(), l.path, l.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer lock.Unlock()

	disk, err := l.readDisk()
	if err != nil {
		return err
	}
	next := l.state.clone()
	if disk.SessionID != "" {
		next = l.adopt(disk)
	}
	if err := fn(&next); err != nil {
		return err
	}
	next.UpdatedAt = l.now().UTC()
	if err := fsutil.WriteJSONAtomic(l.path, next); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	l.state = next
	return nil
}

// CanAfford reports whether a call of the given size fits the remaining budget.
func (l *Ledger) CanAfford(model string, tokensIn, tokensOut int) (bool, string) {
	if l.table.IsLocal(model) {
		return true, ReasonLocal
	}
	estimate := l.table.Estimate(model, tokensIn, tokensOut)

	l.mu.Lock()
	l.refresh()
	st := l.state
	l.mu.Unlock()

	effective := l.limits.SessionUSD + st.Overrides.Amount
	if st.SessionCost+estimate > effective {
		return false, fmt.Sprintf("%s: $%.4f spent + $%.4f estimated > $%.4f limit",
			ReasonSessionExceeded, st.SessionCost, estimate, effective)
	}
	if l.limits.DailyUSD > 0 && st.DailyCost+estimate > l.limits.DailyUSD {
		return false, fmt.Sprintf("%s: $%.4f spent today + $%.4f estimated > $%.4f limit",
			ReasonDailyExceeded, st.DailyCost, estimate, l.limits.DailyUSD)
	}
	return true, ReasonWithinBudget
}

// Check is CanAfford as an error wrapping ErrBudgetExceeded.
func (l *Ledger) Check(model string, tokensIn, tokensOut int) error {
	ok, reason := l.CanAfford(model, tokensIn, tokensOut)
	if ok {
		return nil
	}
	return fmt.Errorf("%s: %w", reason, ErrBudgetExceeded)
}

// RecordCost books an actual call and returns its cost. cloudEscape marks a
// cloud call reached after a local candidate missed; those are also logged
// as cloud escapes.
func (l *Ledger) RecordCost(model string, tokensIn, tokensOut int, taskType string, cloudEscape bool) (float64, error) {
	tier := l.table.TierOf(model)
	amount := l.table.Estimate(model, tokensIn, tokensOut)

	err := l.mutate(func(st *State) error {
		if tier == cost.TierLocal {
			st.LocalCalls++
			st.LocalTokens += tokensIn + tokensOut
			return nil
		}
		st.SessionCost += amount
		st.DailyCost += amount
		if cloudEscape {
			st.CloudEscapes = append(st.CloudEscapes, Escape{
				Timestamp: l.now().UTC(),
				Model:     model,
				TaskType:  taskType,
				Cost:      amount,
			})
			st.CloudEscapes = trimEscapes(st.CloudEscapes, l.limits.MaxCloudEscapes)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if l.observer != nil {
		l.observer.RecordSpend(string(tier), amount)
		if cloudEscape && tier.IsCloud() {
			l.observer.RecordCloudEscape(model)
		}
	}
	l.logger.Debug("recorded model cost",
		zap.String("model", model),
		zap.String("tier", string(tier)),
		zap.Float64("usd", amount),
		zap.Bool("cloud_escape", cloudEscape))
	return amount, nil
}

// trimEscapes drops exactly len-max of the oldest records.
func trimEscapes(escapes []Escape, max int) []Escape {
	if max <= 0 || len(escapes) <= max {
		return escapes
	}
	drop := len(escapes) - max
	return append([]Escape(nil), escapes[drop:]...)
}

// OverrideBudget extends the session limit. Amounts accumulate; the reason
// is replaced by the latest one.
func (l *Ledger) OverrideBudget(amount float64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("override amount must be > 0, got %.4f", amount)
	}
	err := l.mutate(func(st *State) error {
		st.Overrides.Amount += amount
		st.Overrides.Reason = reason
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("budget override applied", zap.Float64("amount", amount), zap.String("reason", reason))
	return nil
}

// Reset starts a new session. An empty id generates one.
func (l *Ledger) Reset(sessionID string) error {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return l.mutate(func(st *State) error {
		*st = State{SessionID: sessionID, DailyCost: st.DailyCost, Day: st.Day}
		return nil
	})
}

// Status returns a snapshot with derived figures.
func (l *Ledger) Status() Snapshot {
	l.mu.Lock()
	l.refresh()
	st := l.state.clone()
	l.mu.Unlock()

	effective := l.limits.SessionUSD + st.Overrides.Amount
	snap := Snapshot{
		State:          st,
		SessionLimit:   l.limits.SessionUSD,
		DailyLimit:     l.limits.DailyUSD,
		EffectiveLimit: effective,
		Remaining:      effective - st.SessionCost,
	}
	if l.limits.SessionUSD > 0 {
		snap.PercentUsed = st.SessionCost / l.limits.SessionUSD * 100
	}
	return snap
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}
