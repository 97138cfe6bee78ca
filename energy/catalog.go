/*
Package energy defines the catalog of costly platform actions.

PURPOSE:
  Feature code never hardcodes prices. It names an action key and the
  ledger resolves the cost through a Catalog. Changing a price is a config
  change, not a deploy of every caller.

DEFAULT CATALOG:
  cv.generate             3   AI-generated CV
  cover_letter.generate   2   AI-generated cover letter
  interview.practice      2   Mock interview session
  assessment.run          5   Skills assessment
  export.pdf              1   PDF export of any document
  profile.review          0   Free tier, still routed through the ledger

RULES:
  - Keys are lowercase dotted identifiers
  - Costs are non-negative integers
  - A zero cost is a free action: spend records nothing

SEE ALSO:
  - factory/catalog.go: Builds a Catalog from JSON or TOML
  - ledger/policy.go: CostResolver interface
*/
package energy

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/warp/energy-ledger/ledger"
)

// Action keys of the default catalog.
const (
	ActionCVGenerate          = "cv.generate"
	ActionCoverLetterGenerate = "cover_letter.generate"
	ActionInterviewPractice   = "interview.practice"
	ActionAssessmentRun       = "assessment.run"
	ActionExportPDF           = "export.pdf"
	ActionProfileReview       = "profile.review"
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// Action is one priced platform action.
type Action struct {
	Key         string `json:"key"`
	Cost        int64  `json:"cost"`
	Description string `json:"description,omitempty"`
}

func (a Action) Free() bool { return a.Cost == 0 }

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is an immutable set of actions. Safe for concurrent use.
type Catalog struct {
	actions map[string]Action
}

// Compile-time check that Catalog implements ledger.CostResolver
var _ ledger.CostResolver = (*Catalog)(nil)

// NewCatalog validates and indexes actions.
func NewCatalog(actions ...Action) (*Catalog, error) {
	c := &Catalog{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if !keyPattern.MatchString(a.Key) {
			return nil, fmt.Errorf("invalid action key %q", a.Key)
		}
		if a.Cost < 0 {
			return nil, fmt.Errorf("action %q: cost must not be negative, got %d", a.Key, a.Cost)
		}
		if _, dup := c.actions[a.Key]; dup {
			return nil, fmt.Errorf("duplicate action key %q", a.Key)
		}
		c.actions[a.Key] = a
	}
	return c, nil
}

// DefaultActions returns the built-in price list.
func DefaultActions() []Action {
	return []Action{
		{Key: ActionCVGenerate, Cost: 3, Description: "AI-generated CV"},
		{Key: ActionCoverLetterGenerate, Cost: 2, Description: "AI-generated cover letter"},
		{Key: ActionInterviewPractice, Cost: 2, Description: "Mock interview session"},
		{Key: ActionAssessmentRun, Cost: 5, Description: "Skills assessment"},
		{Key: ActionExportPDF, Cost: 1, Description: "PDF export"},
		{Key: ActionProfileReview, Cost: 0, Description: "Profile review (free tier)"},
	}
}

func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultActions()...)
	if err != nil {
		panic(err)
	}
	return c
}

// Cost resolves an action key. Unknown keys are an INVALID_ACTION.
func (c *Catalog) Cost(action string) (int64, error) {
	a, ok := c.actions[action]
	if !ok {
		return 0, &ledger.InvalidActionError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}
	return a.Cost, nil
}

func (c *Catalog) Lookup(key string) (Action, bool) {
	a, ok := c.actions[key]
	return a, ok
}

// Actions returns every action sorted by key.
func (c *Catalog) Actions() []Action {
	out := make([]Action, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *Catalog) Len() int { return len(c.actions) }
