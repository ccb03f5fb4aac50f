package rpc

import (
	"time"

	"github.com/animus-coder/taskplane/internal/budget"
	"github.com/animus-coder/taskplane/internal/contract"
)

// RouteRequest asks which model a task should start on.
type RouteRequest struct {
	TaskType   string `json:"task_type"`
	Complexity string `json:"complexity,omitempty"`
}

// RouteResponse is the routing decision.
type RouteResponse struct {
	Model         string   `json:"model"`
	Tier          string   `json:"tier"`
	FallbackChain []string `json:"fallback_chain"`
}

// Message is one chat turn on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecuteRequest runs a prompt through the fallback chain. Model, when set,
// pins the starting candidate instead of the routed one.
type ExecuteRequest struct {
	TaskType        string    `json:"task_type"`
	Complexity      string    `json:"complexity,omitempty"`
	Model           string    `json:"model,omitempty"`
	Messages        []Message `json:"messages"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
}

// Attempt mirrors one fallback step.
type Attempt struct {
	Model      string `json:"model"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ExecuteResponse is the outcome of a successful execution.
type ExecuteResponse struct {
	ModelUsed    string    `json:"model_used"`
	Tier         string    `json:"tier"`
	Content      string    `json:"content"`
	FallbackUsed bool      `json:"fallback_used"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	Attempts     []Attempt `json:"attempts"`
}

// BudgetStatusRequest has no fields.
type BudgetStatusRequest struct{}

// BudgetStatusResponse carries the ledger snapshot.
type BudgetStatusResponse struct {
	Budget budget.Snapshot `json:"budget"`
}

// OverrideBudgetRequest extends the session limit.
type OverrideBudgetRequest struct {
	AmountUSD float64 `json:"amount_usd"`
	Reason    string  `json:"reason"`
}

// ContractStatusRequest looks up one contract, or lists active ones when TaskID is empty.
type ContractStatusRequest struct {
	TaskID string `json:"task_id,omitempty"`
}

// ContractSummary is the list form of a contract.
type ContractSummary struct {
	TaskID    string          `json:"task_id"`
	Title     string          `json:"title"`
	Status    contract.Status `json:"status"`
	CostUSD   float64         `json:"cost_usd"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ContractStatusResponse holds the requested contract or the active list.
type ContractStatusResponse struct {
	Contract  *contract.Contract `json:"contract,omitempty"`
	Contracts []ContractSummary  `json:"contracts,omitempty"`
}
