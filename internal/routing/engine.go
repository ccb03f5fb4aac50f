package routing

import (
	"sort"
	"strings"

	"github.com/animus-coder/taskplane/internal/cost"
)

// Complexity hints how capable the first candidate should be.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ParseComplexity normalizes s; unknown values are treated as medium.
func ParseComplexity(s string) Complexity {
	switch c := Complexity(strings.ToLower(strings.TrimSpace(s))); c {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return c
	default:
		return ComplexityMedium
	}
}

// Task types with built-in chains. Any other task type uses DefaultTask.
const (
	TaskCode      = "code"
	TaskReasoning = "reasoning"
	TaskReview    = "review"
	DefaultTask   = "default"
)

// DefaultChains is the built-in routing table. Review aliases reasoning.
var DefaultChains = map[string][]string{
	TaskCode:      {"local-coder", "cloud-fast", "cloud-premium"},
	TaskReasoning: {"local-reasoning", "cloud-premium"},
	DefaultTask:   {"local-fast", "cloud-fast", "cloud-premium"},
}

var aliases = map[string]string{TaskReview: TaskReasoning}

// ModelSelection is the outcome of routing. FallbackChain always starts with Model.
type ModelSelection struct {
	Model         string    `json:"model"`
	Tier          cost.Tier `json:"tier"`
	FallbackChain []string  `json:"fallback_chain"`
}

// Chain returns a copy of the fallback chain.
func (s ModelSelection) Chain() []string {
	return append([]string(nil), s.FallbackChain...)
}

// Engine maps (task type, complexity) to a model selection. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	chains     map[string][]string
	table      *cost.Table
	complexity Complexity
}

// NewEngine builds an engine. Configured chains replace the built-in chain
// for the same task type; others keep their defaults.
func NewEngine(chains map[string][]string, table *cost.Table, defaultComplexity string) *Engine {
	if table == nil {
		table = cost.NewTable(nil)
	}
	merged := make(map[string][]string, len(DefaultChains)+len(chains))
	for task, chain := range DefaultChains {
		merged[task] = append([]string(nil), chain...)
	}
	for task, chain := range chains {
		task = strings.ToLower(strings.TrimSpace(task))
		if task == "" || len(chain) == 0 {
			continue
		}
		merged[task] = append([]string(nil), chain...)
	}
	return &Engine{
		chains:     merged,
		table:      table,
		complexity: ParseComplexity(defaultComplexity),
	}
}

// Route selects the first model and the full fallback chain. An empty
// complexity uses the engine default.
func (e *Engine) Route(taskType, complexity string) ModelSelection {
	chain := e.chainFor(taskType)

	c := e.complexity
	if strings.TrimSpace(complexity) != "" {
		c = ParseComplexity(complexity)
	}
	if c == ComplexityComplex {
		chain = e.byCapability(chain)
	}

	return ModelSelection{
		Model:         chain[0],
		Tier:          e.table.TierOf(chain[0]),
		FallbackChain: chain,
	}
}

// Chains returns a copy of the routing table keyed by task type, aliases included.
func (e *Engine) Chains() map[string][]string {
	out := make(map[string][]string, len(e.chains)+len(aliases))
	for task := range e.chains {
		out[task] = e.chainFor(task)
	}
	for alias := range aliases {
		out[alias] = e.chainFor(alias)
	}
	return out
}

// TaskTypes lists routable task types in sorted order.
func (e *Engine) TaskTypes() []string {
	chains := e.Chains()
	out := make([]string, 0, len(chains))
	for task := range chains {
		out = append(out, task)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) chainFor(taskType string) []string {
	task := strings.ToLower(strings.TrimSpace(taskType))
	if chain, ok := e.chains[task]; ok {
		return append([]string(nil), chain...)
	}
	if target, ok := aliases[task]; ok {
		if chain, ok := e.chains[target]; ok {
			return append([]string(nil), chain...)
		}
	}
	return append([]string(nil), e.chains[DefaultTask]...)
}

// byCapability orders chain most capable first. Within a tier, models listed
// later in the chain are considered more capable.
func (e *Engine) byCapability(chain []string) []string {
	out := make([]string, len(chain))
	for i, id := range chain {
		out[len(chain)-1-i] = id
	}
	sort.SliceStable(out, func(i, j int) bool {
		return e.table.TierOf(out[i]).Rank() > e.table.TierOf(out[j]).Rank()
	})
	return out
}
