// Package contract implements the task contract lifecycle: a persisted,
// lock-guarded state machine with cost, rebuttal, review-cycle and stage
// timeout circuit breakers.
package contract

import (
	"errors"
	"fmt"
	"time"

	"github.com/animus-coder/taskplane/internal/cost"
)

// SchemaVersion is the only contract document version this build reads.
const SchemaVersion = 1

var (
	ErrNotFound          = errors.New("contract not found")
	ErrExists            = errors.New("contract already exists")
	ErrSchemaVersion     = errors.New("unsupported contract schema version")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrStaleStatus       = errors.New("contract changed during model turn")
	ErrInvalidTaskID     = errors.New("invalid task id")
)

// Status is a contract lifecycle state.
type Status string

const (
	StatusPendingImplementer  Status = "pending_implementer"
	StatusImplementerDrafting Status = "implementer_drafting"
	StatusPendingJudge        Status = "pending_judge"
	StatusJudgeReview         Status = "judge_review_in_progress"
	StatusApproved            Status = "approved"
	StatusRejected            Status = "rejected"
	StatusRebuttalRequested   Status = "rebuttal_requested"
	StatusMerged              Status = "merged"
	StatusErikConsultation    Status = "erik_consultation"
	StatusHalted              Status = "halted"
	StatusAbandoned           Status = "abandoned"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPendingImplementer,
	StatusImplementerDrafting,
	StatusPendingJudge,
	StatusJudgeReview,
	StatusApproved,
	StatusRejected,
	StatusRebuttalRequested,
	StatusMerged,
	StatusErikConsultation,
	StatusHalted,
	StatusAbandoned,
}

// Terminal reports whether the contract is finished and belongs in the archive.
func (s Status) Terminal() bool {
	switch s {
	case StatusMerged, StatusHalted, StatusAbandoned:
		return true
	default:
		return false
	}
}

// Automatic reports whether the pipeline may still advance the contract on
// its own. Consultation waits for a human.
func (s Status) Automatic() bool {
	return !s.Terminal() && s != StatusErikConsultation
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// pipeline holds the forward edges; escalation, halt and abandon are handled
// in allowed.
var pipeline = map[Status][]Status{
	StatusPendingImplementer:  {StatusImplementerDrafting},
	StatusImplementerDrafting: {StatusPendingJudge},
	StatusPendingJudge:        {StatusJudgeReview},
	StatusJudgeReview:         {StatusApproved, StatusRejected},
	StatusApproved:            {StatusMerged},
	StatusRejected:            {StatusRebuttalRequested},
	StatusRebuttalRequested:   {StatusPendingImplementer},
}

func allowed(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusHalted, StatusAbandoned:
		return true
	case StatusErikConsultation:
		return from != StatusErikConsultation
	}
	for _, next := range pipeline[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports a move the lifecycle does not permit.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("contract %s: %s -> %s: %s", e.TaskID, e.From, e.To, ErrIllegalTransition)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Breaker holds the counters the circuit breakers evaluate. They only grow.
type Breaker struct {
	CostUSD          float64 `json:"cost_usd" yaml:"cost_usd"`
	TokensUsed       int     `json:"tokens_used" yaml:"tokens_used"`
	RebuttalCount    int     `json:"rebuttal_count" yaml:"rebuttal_count"`
	ReviewCycleCount int     `json:"review_cycle_count" yaml:"review_cycle_count"`
}

// AnyStage is the timeout_minutes key used when a stage has no entry.
const AnyStage = "any"

// Limits are the per-contract breaker thresholds.
type Limits struct {
	CostCeilingUSD  float64        `json:"cost_ceiling_usd" yaml:"cost_ceiling_usd"`
	MaxRebuttals    int            `json:"max_rebuttals" yaml:"max_rebuttals"`
	MaxReviewCycles int            `json:"max_review_cycles" yaml:"max_review_cycles"`
	TimeoutMinutes  map[string]int `json:"timeout_minutes" yaml:"timeout_minutes"`
}

// Timeout returns the limit for stage, falling back to the "any" entry.
func (l Limits) Timeout(stage Status) (time.Duration, bool) {
	if m, ok := l.TimeoutMinutes[string(stage)]; ok && m > 0 {
		return time.Duration(m) * time.Minute, true
	}
	if m, ok := l.TimeoutMinutes[AnyStage]; ok && m > 0 {
		return time.Duration(m) * time.Minute, true
	}
	return 0, false
}

// HistoryEntry records one status change. History is append-only.
type HistoryEntry struct {
	From   Status    `json:"from" yaml:"from"`
	To     Status    `json:"to" yaml:"to"`
	At     time.Time `json:"at" yaml:"at"`
	Reason string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Turn records one model call made on behalf of the contract.
type Turn struct {
	Stage        Status    `json:"stage" yaml:"stage"`
	Model        string    `json:"model" yaml:"model"`
	Tier         cost.Tier `json:"tier" yaml:"tier"`
	TokensIn     int       `json:"tokens_in" yaml:"tokens_in"`
	TokensOut    int       `json:"tokens_out" yaml:"tokens_out"`
	CostUSD      float64   `json:"cost_usd" yaml:"cost_usd"`
	FallbackUsed bool      `json:"fallback_used" yaml:"fallback_used"`
	Output       string    `json:"output,omitempty" yaml:"output,omitempty"`
	At           time.Time `json:"at" yaml:"at"`
}

// Contract is the persisted task document.
type Contract struct {
	SchemaVersion  int            `json:"schema_version" yaml:"schema_version"`
	TaskID         string         `json:"task_id" yaml:"task_id"`
	Title          string         `json:"title,omitempty" yaml:"title,omitempty"`
	Status         Status         `json:"status" yaml:"status"`
	Breaker        Breaker        `json:"breaker" yaml:"breaker"`
	Limits         Limits         `json:"limits" yaml:"limits"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
	StageEnteredAt time.Time      `json:"stage_entered_at" yaml:"stage_entered_at"`
	FailureReason  string         `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	FailureDetails string         `json:"failure_details,omitempty" yaml:"failure_details,omitempty"`
	History        []HistoryEntry `json:"history" yaml:"history"`
	Turns          []Turn         `json:"turns" yaml:"turns"`
}

// Clone returns a deep copy.
func (c *Contract) Clone() *Contract {
	out := *c
	out.History = append([]HistoryEntry(nil), c.History...)
	out.Turns = append([]Turn(nil), c.Turns...)
	if c.Limits.TimeoutMinutes != nil {
		out.Limits.TimeoutMinutes = make(map[string]int, len(c.Limits.TimeoutMinutes))
		for k, v := range c.Limits.TimeoutMinutes {
			out.Limits.TimeoutMinutes[k] = v
		}
	}
	return &out
}

// LastOutput returns the most recent model output, if any.
func (c *Contract) LastOutput() string {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Output != "" {
			return c.Turns[i].Output
		}
	}
	return ""
}
