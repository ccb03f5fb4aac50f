package cost

import (
	"sort"
)

// Tier is the cost/capability class of a model.
type Tier string

const (
	TierLocal        Tier = "local"
	TierCloudFast    Tier = "cloud-fast"
	TierCloudPremium Tier = "cloud-premium"
)

// Valid reports whether the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierLocal, TierCloudFast, TierCloudPremium:
		return true
	default:
		return false
	}
}

// IsCloud reports whether calls at this tier are billed.
func (t Tier) IsCloud() bool {
	return t == TierCloudFast || t == TierCloudPremium
}

// Rank orders tiers by capability (local < cloud-fast < cloud-premium).
func (t Tier) Rank() int {
	switch t {
	case TierLocal:
		return 0
	case TierCloudFast:
		return 1
	default:
		return 2
	}
}

// Rate is one row of the price table. Prices are USD per million tokens.
type Rate struct {
	Tier        Tier
	InputPer1M  float64
	OutputPer1M float64
}

func (r Rate) perMillion() float64 {
	return r.InputPer1M + r.OutputPer1M
}

// DefaultRates holds the built-in table used when configuration omits pricing.
var DefaultRates = map[string]Rate{
	"local-coder":     {Tier: TierLocal},
	"local-reasoning": {Tier: TierLocal},
	"local-fast":      {Tier: TierLocal},
	"cloud-fast":      {Tier: TierCloudFast, InputPer1M: 0.25, OutputPer1M: 1.25},
	"cloud-premium":   {Tier: TierCloudPremium, InputPer1M: 15.0, OutputPer1M: 75.0},
}

// Table maps model identifiers to rates. It is immutable after construction.
type Table struct {
	rates     map[string]Rate
	costliest Rate
}

// NewTable builds a table from rates; an empty map yields DefaultRates.
func NewTable(rates map[string]Rate) *Table {
	if len(rates) == 0 {
		rates = DefaultRates
	}
	t := &Table{rates: make(map[string]Rate, len(rates))}
	for id, r := range rates {
		if !r.Tier.Valid() {
			r.Tier = TierCloudPremium
		}
		if r.Tier == TierLocal {
			r.InputPer1M, r.OutputPer1M = 0, 0
		}
		t.rates[id] = r
		if r.Tier.IsCloud() && r.perMillion() > t.costliest.perMillion() {
			t.costliest = r
		}
	}
	if t.costliest.perMillion() == 0 {
		t.costliest = DefaultRates["cloud-premium"]
	}
	t.costliest.Tier = TierCloudPremium
	return t
}

// Lookup returns the rate for model. Unknown models resolve to the most
// expensive known entry and ok=false.
func (t *Table) Lookup(model string) (Rate, bool) {
	r, ok := t.rates[model]
	if !ok {
		return t.costliest, false
	}
	return r, true
}

// TierOf returns the tier of model; unknown models are treated as premium.
func (t *Table) TierOf(model string) Tier {
	r, _ := t.Lookup(model)
	return r.Tier
}

// IsLocal reports whether model is a known local-tier model.
func (t *Table) IsLocal(model string) bool {
	return t.TierOf(model) == TierLocal
}

// Estimate returns the USD cost of a call.
func (t *Table) Estimate(model string, tokensIn, tokensOut int) float64 {
	r, _ := t.Lookup(model)
	if r.Tier == TierLocal {
		return 0
	}
	if tokensIn < 0 {
		tokensIn = 0
	}
	if tokensOut < 0 {
		tokensOut = 0
	}
	return float64(tokensIn)/1e6*r.InputPer1M + float64(tokensOut)/1e6*r.OutputPer1M
}

// Models returns the known model identifiers in sorted order.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.rates))
	for id := range t.rates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
