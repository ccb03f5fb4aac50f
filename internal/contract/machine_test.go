package contract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/animus-coder/taskplane/internal/budget"
	"github.com/animus-coder/taskplane/internal/cooldown"
	"github.com/animus-coder/taskplane/internal/cost"
	"github.com/animus-coder/taskplane/internal/fallback"
	"github.com/animus-coder/taskplane/internal/llm"
	"github.com/animus-coder/taskplane/internal/llm/mock"
	"github.com/animus-coder/taskplane/internal/routing"
)

var (
	t0     = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	prompt = []llm.ChatMessage{{Role: llm.RoleUser, Content: "implement the retry loop"}}
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// scriptedExec returns queued outputs in order, then "VERDICT: APPROVE".
type scriptedExec struct {
	mu      sync.Mutex
	outputs []scripted
	calls   []string
}

type scripted struct {
	res  fallback.Result
	err  error
	hook func()
}

func (e *scriptedExec) Execute(_ context.Context, sel routing.ModelSelection, _ []llm.ChatMessage, opts fallback.Options) (fallback.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, opts.TaskType+":"+sel.Model)
	var next scripted
	if len(e.outputs) > 0 {
		next, e.outputs = e.outputs[0], e.outputs[1:]
	} else {
		next = scripted{res: fallback.Result{ModelUsed: sel.Model, Content: "VERDICT: APPROVE"}}
	}
	e.mu.Unlock()

	if next.hook != nil {
		next.hook()
	}
	return next.res, next.err
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
	trips       []string
	notices     []string
}

func (r *recorder) RecordContractTransition(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, status)
}

func (r *recorder) RecordBreakerTrip(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips = append(r.trips, reason)
}

func (r *recorder) Notify(_ context.Context, title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, title+" | "+body)
	return nil
}

type inbox struct {
	mu   sync.Mutex
	sent []string
}

func (i *inbox) Send(_ context.Context, to, message string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sent = append(i.sent, to+": "+message)
	return nil
}

var defaultLimits = Limits{
	CostCeilingUSD:  0.5,
	MaxRebuttals:    2,
	MaxReviewCycles: 3,
	TimeoutMinutes:  map[string]int{AnyStage: 60, string(StatusJudgeReview): 20},
}

type fixture struct {
	machine *Machine
	store   *FileStore
	exec    *scriptedExec
	clock   *clock
	rec     *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: NewFileStore(filepath.Join(t.TempDir(), "contracts"), time.Second, nil),
		exec:  &scriptedExec{},
		clock: &clock{now: t0},
		rec:   &recorder{},
	}
	opts = append([]Option{WithClock(f.clock.Now), WithObserver(f.rec), WithNotifier(f.rec)}, opts...)
	f.machine = NewMachine(f.store, f.exec, routing.NewEngine(nil, nil, ""), defaultLimits, opts...)
	return f
}

func (f *fixture) create(t *testing.T, id string) *Contract {
	t.Helper()
	c, err := f.machine.Create(context.Background(), CreateRequest{TaskID: id, Title: "retry loop"})
	require.NoError(t, err)
	return c
}

func TestHappyPathMergesAndArchives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-1")

	f.exec.outputs = []scripted{
		{res: fallback.Result{ModelUsed: "local-coder", Tier: cost.TierLocal, Content: "diff --git", TokensIn: 40, TokensOut: 200}},
		{res: fallback.Result{ModelUsed: "cloud-premium", Tier: cost.TierCloudPremium, Content: "Looks right.\nVERDICT: APPROVED", CostUSD: 0.1, TokensIn: 300, TokensOut: 20, FallbackUsed: true}},
	}

	_, err := f.machine.StartImplementation(ctx, "T-1")
	require.NoError(t, err)
	c, err := f.machine.SubmitDraft(ctx, "T-1", prompt)
	require.NoError(t, err)
	require.Equal(t, StatusPendingJudge, c.Status)
	require.Equal(t, "diff --git", c.LastOutput())

	c, err = f.machine.StartReview(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, 1, c.Breaker.ReviewCycleCount)

	c, err = f.machine.Judge(ctx, "T-1", prompt)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, c.Status)
	require.InDelta(t, 0.1, c.Breaker.CostUSD, 1e-9)
	require.Equal(t, 560, c.Breaker.TokensUsed)
	require.Len(t, c.Turns, 2)
	require.True(t, c.Turns[1].FallbackUsed)

	c, err = f.machine.Merge(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, StatusMerged, c.Status)
	require.Len(t, c.History, 6)

	_, statErr := os.Stat(filepath.Join(f.store.Dir(), "T-1.json"))
	require.True(t, errors.Is(statErr, os.ErrNotExist))
	archived, err := f.machine.Load("T-1")
	require.NoError(t, err)
	require.Equal(t, StatusMerged, archived.Status)

	require.Equal(t, []string{"code:local-coder", "review:local-reasoning"}, f.exec.calls)
	require.Equal(t, []string{
		"pending_implementer", "implementer_drafting", "pending_judge",
		"judge_review_in_progress", "approved", "merged",
	}, f.rec.transitions)
}

func TestCostCeilingTrips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-2")

	c, err := f.machine.RecordCost(ctx, "T-2", 0.25, 1000)
	require.NoError(t, err)
	require.Equal(t, StatusPendingImplementer, c.Status)

	c, err = f.machine.RecordCost(ctx, "T-2", 0.50, 2000)
	var trip *Trip
	require.ErrorAs(t, err, &trip)
	require.Equal(t, ReasonCostCeiling, trip.Reason)
	require.Contains(t, trip.Details, "Trigger 7")
	require.Equal(t, StatusErikConsultation, trip.Status)

	require.Equal(t, StatusErikConsultation, c.Status)
	require.Equal(t, ReasonCostCeiling, c.FailureReason)
	require.InDelta(t, 0.75, c.Breaker.CostUSD, 1e-9)
	require.Equal(t, 3000, c.Breaker.TokensUsed)

	stored, err := f.store.Load("T-2")
	require.NoError(t, err)
	require.Equal(t, StatusErikConsultation, stored.Status)
	require.Equal(t, []string{ReasonCostCeiling}, f.rec.trips)
	require.Len(t, f.rec.notices, 1)

	// Consultation is a dead end for the pipeline.
	_, err = f.machine.StartImplementation(ctx, "T-2")
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestHaltPolicyArchivesTrippedContract(t *testing.T) {
	f := newFixture(t, WithPolicy(PolicyHalt))
	ctx := context.Background()
	f.create(t, "T-3")

	c, err := f.machine.RecordCost(ctx, "T-3", 0.75, 0)
	var trip *Trip
	require.ErrorAs(t, err, &trip)
	require.Equal(t, StatusHalted, c.Status)

	archived, err := f.store.ListArchived()
	require.NoError(t, err)
	require.Len(t, archived, 1)
	active, err := f.store.List()
	require.NoError(t, err)
	require.Empty(t, active)
}

func rejectCycle(t *testing.T, f *fixture, id string) (*Contract, error) {
	t.Helper()
	ctx := context.Background()
	f.exec.outputs = []scripted{
		{res: fallback.Result{ModelUsed: "local-coder", Content: "draft"}},
		{res: fallback.Result{ModelUsed: "local-reasoning", Content: "VERDICT: REJECT\nmissing tests"}},
	}
	_, err := f.machine.StartImplementation(ctx, id)
	require.NoError(t, err)
	_, err = f.machine.SubmitDraft(ctx, id, prompt)
	require.NoError(t, err)
	_, err = f.machine.StartReview(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := f.machine.Judge(ctx, id, prompt)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, c.Status)
	return f.machine.RequestRebuttal(ctx, id, "tests are missing")
}

func TestRebuttalLimitTrips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-4")

	for i := 1; i <= 2; i++ {
		c, err := rejectCycle(t, f, "T-4")
		require.NoError(t, err)
		require.Equal(t, i, c.Breaker.RebuttalCount)
		f.exec.outputs = []scripted{{res: fallback.Result{ModelUsed: "local-coder", Content: "rebuttal"}}}
		c, err = f.machine.Rebut(ctx, "T-4", prompt)
		require.NoError(t, err)
		require.Equal(t, StatusPendingImplementer, c.Status)
	}

	c, err := rejectCycle(t, f, "T-4")
	var trip *Trip
	require.ErrorAs(t, err, &trip)
	require.Equal(t, ReasonRebuttalLimit, trip.Reason)
	require.Equal(t, 3, c.Breaker.RebuttalCount)
	require.Equal(t, StatusErikConsultation, c.Status)
}

func TestReviewCycleLimitTrips(t *testing.T) {
	f := newFixture(t)
	limits := defaultLimits
	limits.MaxReviewCycles = 1
	limits.MaxRebuttals = 5
	_, err := f.machine.Create(context.Background(), CreateRequest{TaskID: "T-5", Limits: &limits})
	require.NoError(t, err)

	_, err = rejectCycle(t, f, "T-5")
	require.NoError(t, err)
	_, err = f.machine.Rebut(context.Background(), "T-5", prompt)
	require.NoError(t, err)

	_, err = rejectCycle(t, f, "T-5")
	var trip *Trip
	require.ErrorAs(t, err, &trip)
	require.Equal(t, ReasonReviewCycleLimit, trip.Reason)
}

func TestStageTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-6")

	f.clock.Advance(59 * time.Minute)
	c, trip, err := f.machine.Check(ctx, "T-6")
	require.NoError(t, err)
	require.Nil(t, trip)
	require.Equal(t, StatusPendingImplementer, c.Status)

	f.clock.Advance(2 * time.Minute)
	c, trip, err = f.machine.Check(ctx, "T-6")
	require.NoError(t, err)
	require.NotNil(t, trip)
	require.Equal(t, ReasonStageTimeout, trip.Reason)
	require.Equal(t, StatusErikConsultation, c.Status)
}

func TestStageSpecificTimeoutWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-7")
	_, err := f.machine.StartImplementation(ctx, "T-7")
	require.NoError(t, err)
	_, err = f.machine.SubmitDraft(ctx, "T-7", prompt)
	require.NoError(t, err)
	_, err = f.machine.StartReview(ctx, "T-7")
	require.NoError(t, err)

	f.clock.Advance(21 * time.Minute)
	trips, err := f.machine.CheckAll(ctx)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.Equal(t, ReasonStageTimeout, trips[0].Reason)
	require.Contains(t, trips[0].Details, string(StatusJudgeReview))
}

func TestTimedOutStageTripsBeforeModelTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-8")
	_, err := f.machine.StartImplementation(ctx, "T-8")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	c, err := f.machine.SubmitDraft(ctx, "T-8", prompt)
	var trip *Trip
	require.ErrorAs(t, err, &trip)
	require.Equal(t, StatusErikConsultation, c.Status)
	require.Empty(t, f.exec.calls)
}

func TestIllegalTransitionsLeaveContractUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.create(t, "T-9")

	_, err := f.machine.Merge(ctx, "T-9")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, StatusPendingImplementer, te.From)
	require.Equal(t, StatusMerged, te.To)

	_, err = f.machine.SubmitDraft(ctx, "T-9", prompt)
	require.ErrorIs(t, err, ErrIllegalTransition)

	after, err := f.store.Load("T-9")
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("contract changed (-before +after):\n%s", diff)
	}

	_, err = f.machine.Abandon(ctx, "T-9", "superseded")
	require.NoError(t, err)
	_, err = f.machine.Halt(ctx, "T-9", "too late")
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-10")

	var snapshots [][]HistoryEntry
	c, err := f.machine.StartImplementation(ctx, "T-10")
	require.NoError(t, err)
	snapshots = append(snapshots, c.History)
	c, err = f.machine.SubmitDraft(ctx, "T-10", prompt)
	require.NoError(t, err)
	snapshots = append(snapshots, c.History)
	c, err = f.machine.Escalate(ctx, "T-10", "needs a human", "ambiguous requirement")
	require.NoError(t, err)
	snapshots = append(snapshots, c.History)

	for i := 1; i < len(snapshots); i++ {
		prev, cur := snapshots[i-1], snapshots[i]
		require.Greater(t, len(cur), len(prev))
		if diff := cmp.Diff(prev, cur[:len(prev)]); diff != "" {
			t.Fatalf("history rewritten (-want +got):\n%s", diff)
		}
	}
	require.Equal(t, "ambiguous requirement", c.FailureDetails)
}

func TestExhaustionEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-11")
	_, err := f.machine.StartImplementation(ctx, "T-11")
	require.NoError(t, err)

	f.exec.outputs = []scripted{{err: &fallback.ExhaustedError{
		Chain:    []string{"local-coder", "cloud-fast"},
		Attempts: []fallback.Attempt{{Model: "local-coder", Outcome: fallback.OutcomeFailure, Error: "boom"}},
	}}}
	c, err := f.machine.SubmitDraft(ctx, "T-11", prompt)
	require.ErrorIs(t, err, fallback.ErrChainExhausted)
	require.Equal(t, StatusErikConsultation, c.Status)
	require.Equal(t, ReasonChainExhausted, c.FailureReason)
	require.Contains(t, c.FailureDetails, "local-coder")
	require.Empty(t, c.Turns)
}

func TestTransportErrorLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-12")
	_, err := f.machine.StartImplementation(ctx, "T-12")
	require.NoError(t, err)

	f.exec.outputs = []scripted{{err: context.Canceled}}
	_, err = f.machine.SubmitDraft(ctx, "T-12", prompt)
	require.ErrorIs(t, err, context.Canceled)

	c, err := f.store.Load("T-12")
	require.NoError(t, err)
	require.Equal(t, StatusImplementerDrafting, c.Status)
}

func TestConcurrentChangeDuringTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-13")
	_, err := f.machine.StartImplementation(ctx, "T-13")
	require.NoError(t, err)

	f.exec.outputs = []scripted{{
		res: fallback.Result{ModelUsed: "cloud-fast", Content: "draft", CostUSD: 0.01},
		hook: func() {
			_, err := f.machine.Escalate(ctx, "T-13", "operator", "")
			require.NoError(t, err)
		},
	}}
	c, err := f.machine.SubmitDraft(ctx, "T-13", prompt)
	require.ErrorIs(t, err, ErrStaleStatus)
	require.Equal(t, StatusErikConsultation, c.Status)
	require.Len(t, c.Turns, 1)
	require.InDelta(t, 0.01, c.Breaker.CostUSD, 1e-9)
}

func TestHaltDuringTurnKeepsSpend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-16")
	_, err := f.machine.StartImplementation(ctx, "T-16")
	require.NoError(t, err)

	f.exec.outputs = []scripted{{
		res: fallback.Result{ModelUsed: "cloud-premium", Content: "draft", CostUSD: 0.30, TokensIn: 100, TokensOut: 50},
		hook: func() {
			_, err := f.machine.Halt(ctx, "T-16", "operator stop")
			require.NoError(t, err)
		},
	}}
	c, err := f.machine.SubmitDraft(ctx, "T-16", prompt)
	require.ErrorIs(t, err, ErrStaleStatus)
	require.Equal(t, StatusHalted, c.Status)
	require.Len(t, c.Turns, 1)
	require.InDelta(t, 0.30, c.Breaker.CostUSD, 1e-9)
	require.Equal(t, 150, c.Breaker.TokensUsed)

	stored, err := f.store.Load("T-16")
	require.NoError(t, err)
	require.Equal(t, StatusHalted, stored.Status)
	require.InDelta(t, 0.30, stored.Breaker.CostUSD, 1e-9)
	require.Len(t, stored.Turns, 1)
	require.Equal(t, StatusHalted, stored.History[len(stored.History)-1].To)
	require.NoFileExists(t, filepath.Join(f.store.Dir(), "T-16.json"))
}

func TestTurnRunsWhenPrecheckTripClears(t *testing.T) {
	late := false
	f := newFixture(t, WithClock(func() time.Time {
		if late {
			late = false
			return t0.Add(2 * time.Hour)
		}
		return t0
	}))
	ctx := context.Background()
	f.create(t, "T-17")
	_, err := f.machine.StartImplementation(ctx, "T-17")
	require.NoError(t, err)

	// Only the unlocked precheck sees the stage as timed out.
	late = true
	f.exec.outputs = []scripted{{res: fallback.Result{ModelUsed: "local-coder", Content: "draft"}}}
	c, err := f.machine.SubmitDraft(ctx, "T-17", prompt)
	require.NoError(t, err)
	require.Equal(t, StatusPendingJudge, c.Status)
	require.Len(t, c.Turns, 1)
	require.Len(t, f.exec.calls, 1)
}

func TestWaitingStagesHandOffToRoles(t *testing.T) {
	box := &inbox{}
	f := newFixture(t, WithMessenger(box))
	ctx := context.Background()
	f.create(t, "T-18")
	_, err := f.machine.StartImplementation(ctx, "T-18")
	require.NoError(t, err)
	_, err = f.machine.SubmitDraft(ctx, "T-18", prompt)
	require.NoError(t, err)

	require.Contains(t, box.sent, "judge: contract T-18 (retry loop) is pending_judge")
	for _, msg := range box.sent {
		require.NotContains(t, msg, "implementer_drafting")
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "T-14")

	_, err := f.machine.Create(ctx, CreateRequest{TaskID: "T-14"})
	require.ErrorIs(t, err, ErrExists)

	_, err = f.machine.Create(ctx, CreateRequest{TaskID: "../escape"})
	require.ErrorIs(t, err, ErrInvalidTaskID)

	c, err := f.machine.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, ValidateTaskID(c.TaskID))
	require.Equal(t, defaultLimits, c.Limits)

	_, err = f.machine.Create(ctx, CreateRequest{TaskID: "T-15", Limits: &Limits{}})
	require.ErrorContains(t, err, "cost ceiling")
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		output   string
		approved bool
		verdict  string
	}{
		{"VERDICT: APPROVE", true, "APPROVE"},
		{"Nice work.\n  verdict: approved\n", true, "APPROVED"},
		{"VERDICT: REJECT", false, "REJECT"},
		{"VERDICT: NEEDS_WORK", false, "NEEDS_WORK"},
		{"I approve of this", false, "MISSING"},
		{"", false, "MISSING"},
	}
	for _, tc := range cases {
		approved, verdict := ParseVerdict(tc.output)
		require.Equal(t, tc.approved, approved, tc.output)
		require.Equal(t, tc.verdict, verdict, tc.output)
	}
}

func TestModelTurnThroughFallbackExecutor(t *testing.T) {
	dir := t.TempDir()
	table := cost.NewTable(nil)
	ledger, err := budget.Open(filepath.Join(dir, "budget.json"), budget.Limits{SessionUSD: 5, DailyUSD: 20}, table)
	require.NoError(t, err)

	backend := &mock.Backend{
		Scripts: map[string]func(context.Context, []llm.ChatMessage) (llm.Completion, error){
			"local-coder": func(context.Context, []llm.ChatMessage) (llm.Completion, error) {
				return llm.Completion{}, &llm.StatusError{Provider: "ollama", Code: 503}
			},
		},
		Default: llm.Completion{Content: "patch", TokensIn: 2000, TokensOut: 1000},
	}
	exec := fallback.New(backend, cooldown.New(3, time.Minute), ledger, table, fallback.Config{CallTimeout: time.Second})
	store := NewFileStore(filepath.Join(dir, "contracts"), time.Second, nil)
	m := NewMachine(store, exec, routing.NewEngine(nil, table, ""), defaultLimits)

	ctx := context.Background()
	_, err = m.Create(ctx, CreateRequest{TaskID: "T-16"})
	require.NoError(t, err)
	_, err = m.StartImplementation(ctx, "T-16")
	require.NoError(t, err)

	c, err := m.SubmitDraft(ctx, "T-16", prompt)
	require.NoError(t, err)
	require.Equal(t, StatusPendingJudge, c.Status)
	require.Equal(t, "cloud-fast", c.Turns[0].Model)
	require.True(t, c.Turns[0].FallbackUsed)

	want := table.Estimate("cloud-fast", 2000, 1000)
	require.InDelta(t, want, c.Breaker.CostUSD, 1e-12)
	require.InDelta(t, want, ledger.Status().SessionCost, 1e-12)
}
