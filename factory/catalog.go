/*
Package factory provides JSON/TOML to Go conversion of energy pricing.

PURPOSE:
  Converts pricing definitions into an energy.Catalog and a streak
  configuration. Product can change prices and bonus tiers without a code
  change: the server reads them from a file at startup.

JSON SCHEMA:
  {
    "actions": [
      {"key": "cv.generate", "cost": 3, "description": "AI-generated CV"},
      {"key": "export.pdf",  "cost": "1"}
    ],
    "streak": {"length": 3, "bonus": 5},
    "signup_bonus": 40
  }

TOML (config file [actions] table):
  [actions]
  "cv.generate" = 3
  "export.pdf"  = 1

NUMBERS:
  Costs and bonuses are parsed as decimals so that 3.0 is accepted and
  2.5 is rejected exactly, with no float rounding in between. Quoted
  numbers are accepted too.

USAGE:
  f := factory.NewPricingFactory()
  pricing, err := f.ParsePricing(jsonString)
  svc := ledger.NewService(store, pricing.Catalog, streakPolicy)

SEE ALSO:
  - energy/catalog.go: Catalog type definition
  - rewards/streak.go: StreakConfig
  - config/config.go: [actions] table
*/
package factory

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/energy-ledger/energy"
	"github.com/warp/energy-ledger/rewards"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PricingJSON is the JSON representation of a price list.
type PricingJSON struct {
	Actions     []ActionJSON     `json:"actions"`
	Streak      *StreakJSON      `json:"streak,omitempty"`
	SignupBonus *decimal.Decimal `json:"signup_bonus,omitempty"`
}

// ActionJSON represents one priced action.
type ActionJSON struct {
	Key         string          `json:"key"`
	Cost        decimal.Decimal `json:"cost"`
	Description string          `json:"description,omitempty"`
}

// StreakJSON represents streak bonus tiers.
type StreakJSON struct {
	Length int             `json:"length"`
	Bonus  decimal.Decimal `json:"bonus"`
}

// Pricing is the parsed result.
type Pricing struct {
	Catalog *energy.Catalog
	Streak  rewards.StreakConfig

	// SignupBonus is nil when the document does not set one.
	SignupBonus *int64
}

// =============================================================================
// PRICING FACTORY
// =============================================================================

// PricingFactory converts pricing documents to Go structs.
type PricingFactory struct{}

func NewPricingFactory() *PricingFactory {
	return &PricingFactory{}
}

// ParsePricing parses a JSON string into a Pricing.
func (f *PricingFactory) ParsePricing(jsonStr string) (*Pricing, error) {
	var pj PricingJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse pricing JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PricingJSON to a Pricing. A missing streak section
// falls back to rewards.DefaultStreakConfig.
func (f *PricingFactory) FromJSON(pj PricingJSON) (*Pricing, error) {
	if len(pj.Actions) == 0 {
		return nil, fmt.Errorf("pricing defines no actions")
	}

	actions := make([]energy.Action, 0, len(pj.Actions))
	for _, aj := range pj.Actions {
		cost, err := wholeAmount(aj.Cost, "cost of "+aj.Key)
		if err != nil {
			return nil, err
		}
		actions = append(actions, energy.Action{Key: aj.Key, Cost: cost, Description: aj.Description})
	}

	catalog, err := energy.NewCatalog(actions...)
	if err != nil {
		return nil, err
	}

	p := &Pricing{Catalog: catalog, Streak: rewards.DefaultStreakConfig()}

	if pj.Streak != nil {
		bonus, err := wholeAmount(pj.Streak.Bonus, "streak bonus")
		if err != nil {
			return nil, err
		}
		p.Streak = rewards.StreakConfig{Length: pj.Streak.Length, BonusAmount: bonus}
		if err := p.Streak.Validate(); err != nil {
			return nil, err
		}
	}

	if pj.SignupBonus != nil {
		bonus, err := wholeAmount(*pj.SignupBonus, "signup bonus")
		if err != nil {
			return nil, err
		}
		p.SignupBonus = &bonus
	}

	return p, nil
}

// FromCostMap builds a Catalog from a decoded TOML or JSON table of
// action key to cost.
func (f *PricingFactory) FromCostMap(costs map[string]any) (*energy.Catalog, error) {
	keys := make([]string, 0, len(costs))
	for k := range costs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	actions := make([]energy.Action, 0, len(keys))
	for _, k := range keys {
		d, err := toDecimal(costs[k])
		if err != nil {
			return nil, fmt.Errorf("cost of %s: %w", k, err)
		}
		cost, err := wholeAmount(d, "cost of "+k)
		if err != nil {
			return nil, err
		}
		actions = append(actions, energy.Action{Key: k, Cost: cost})
	}
	return energy.NewCatalog(actions...)
}

// ToJSON converts a Catalog and streak config back to PricingJSON.
func (f *PricingFactory) ToJSON(c *energy.Catalog, streak rewards.StreakConfig) PricingJSON {
	pj := PricingJSON{
		Streak: &StreakJSON{Length: streak.Length, Bonus: decimal.NewFromInt(streak.BonusAmount)},
	}
	for _, a := range c.Actions() {
		pj.Actions = append(pj.Actions, ActionJSON{
			Key:         a.Key,
			Cost:        decimal.NewFromInt(a.Cost),
			Description: a.Description,
		})
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

func wholeAmount(d decimal.Decimal, what string) (int64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%s must not be negative, got %s", what, d)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%s must be a whole number, got %s", what, d)
	}
	if d.GreaterThan(maxInt64) {
		return 0, fmt.Errorf("%s is out of range: %s", what, d)
	}
	return d.IntPart(), nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Zero, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}
