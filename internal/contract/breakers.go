package contract

import (
	"fmt"
	"time"
)

// Breaker trip reasons, stored verbatim in failure_reason.
const (
	ReasonCostCeiling      = "cost ceiling exceeded"
	ReasonRebuttalLimit    = "rebuttal limit exceeded"
	ReasonReviewCycleLimit = "review cycle limit exceeded"
	ReasonStageTimeout     = "stage timeout"
)

// Trip is a circuit breaker outcome. Operations that trip a breaker return
// it as their error after the contract has been moved and persisted.
type Trip struct {
	TaskID  string
	Reason  string
	Details string
	Status  Status // status the contract was moved to
}

func (t *Trip) Error() string {
	return fmt.Sprintf("contract %s: %s: %s", t.TaskID, t.Reason, t.Details)
}

// Policy decides where a tripped contract goes.
type Policy string

const (
	PolicyConsult Policy = "consult"
	PolicyHalt    Policy = "halt"
)

// ParsePolicy maps configuration to a Policy; anything but "halt" consults.
func ParsePolicy(s string) Policy {
	if Policy(s) == PolicyHalt {
		return PolicyHalt
	}
	return PolicyConsult
}

func (p Policy) target() Status {
	if p == PolicyHalt {
		return StatusHalted
	}
	return StatusErikConsultation
}

// CheckBreakers evaluates the breakers in order and returns the first that
// fires, or nil. Contracts that are not advancing automatically never trip.
func CheckBreakers(c *Contract, now time.Time) *Trip {
	if !c.Status.Automatic() {
		return nil
	}
	b, l := c.Breaker, c.Limits

	if b.CostUSD > l.CostCeilingUSD {
		return &Trip{
			TaskID: c.TaskID,
			Reason: ReasonCostCeiling,
			Details: fmt.Sprintf("Trigger 7: spent $%.4f against a $%.4f ceiling over %d turns",
				b.CostUSD, l.CostCeilingUSD, len(c.Turns)),
		}
	}
	if b.RebuttalCount > l.MaxRebuttals {
		return &Trip{
			TaskID:  c.TaskID,
			Reason:  ReasonRebuttalLimit,
			Details: fmt.Sprintf("%d rebuttals requested, limit %d", b.RebuttalCount, l.MaxRebuttals),
		}
	}
	if b.ReviewCycleCount > l.MaxReviewCycles {
		return &Trip{
			TaskID:  c.TaskID,
			Reason:  ReasonReviewCycleLimit,
			Details: fmt.Sprintf("%d review cycles started, limit %d", b.ReviewCycleCount, l.MaxReviewCycles),
		}
	}
	if limit, ok := l.Timeout(c.Status); ok && !c.StageEnteredAt.IsZero() {
		if elapsed := now.Sub(c.StageEnteredAt); elapsed > limit {
			return &Trip{
				TaskID: c.TaskID,
				Reason: ReasonStageTimeout,
				Details: fmt.Sprintf("%s for %s, limit %s",
					c.Status, elapsed.Truncate(time.Second), limit),
			}
		}
	}
	return nil
}
