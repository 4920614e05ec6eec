// package scoring implements the deterministic weighted compliance
// scoring that gates certification approval.
package scoring

import (
	"fmt"
	"math"
	"sort"
)

// CCPDefinition is one Critical Control Point: a weighted compliance
// criterion scored 0-100 with an independent minimum floor. Definitions
// are static configuration, immutable during a scoring run.
type CCPDefinition struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// Weight is the criterion's share of the aggregate, in percent.
	// Weights across all definitions must sum to exactly 100.
	Weight float64 `json:"weight"`

	// MinScore is the hard floor. A raw score below it is a violation
	// regardless of the aggregate.
	MinScore float64 `json:"minScore"`
}

// TierThreshold maps an inclusive lower bound to a tier name.
type TierThreshold struct {
	MinScore float64 `json:"minScore"`
	Tier     string  `json:"tier"`
}

// DefaultTiers is the standard certificate grading table, evaluated
// highest-first.
var DefaultTiers = []TierThreshold{
	{MinScore: 90, Tier: "Excellent"},
	{MinScore: 80, Tier: "Good"},
	{MinScore: 70, Tier: "Standard"},
}

// TierFail is assigned when no threshold matches.
const TierFail = "Fail"

// Result is the outcome of one scoring run. Computed on demand, never
// persisted as mutable state; always recomputable from its inputs.
type Result struct {
	TotalScore float64  `json:"totalScore"`
	Violations []string `json:"violations"`
	Tier       string   `json:"tier"`
	Pass       bool     `json:"pass"`
}

// MissingCriterionError: a defined CCP has no score in the input map.
type MissingCriterionError struct {
	ID string
}

func (e *MissingCriterionError) Error() string {
	return fmt.Sprintf("scoring: no score submitted for criterion %s", e.ID)
}

// UnknownCriterionError: the input map references an id not in definitions.
type UnknownCriterionError struct {
	ID string
}

func (e *UnknownCriterionError) Error() string {
	return fmt.Sprintf("scoring: unknown criterion %s", e.ID)
}

// OutOfRangeError: a raw score is outside [0,100].
type OutOfRangeError struct {
	ID    string
	Score float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("scoring: score %.2f for criterion %s outside [0,100]", e.Score, e.ID)
}

// ValidationError: the definitions themselves are unusable.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "scoring: invalid definitions: " + e.Reason
}

// Engine computes compliance results against a passing threshold and a
// tier table. The zero value is not usable; construct with NewEngine.
type Engine struct {
	passingThreshold float64
	tiers            []TierThreshold
}

// NewEngine returns a scoring engine. A nil tier table selects
// DefaultTiers. The table is sorted highest bound first so lookup is a
// simple scan.
func NewEngine(passingThreshold float64, tiers []TierThreshold) *Engine {
	if tiers == nil {
		tiers = DefaultTiers
	}
	sorted := make([]TierThreshold, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinScore > sorted[j].MinScore })
	return &Engine{passingThreshold: passingThreshold, tiers: sorted}
}

// PassingThreshold returns the aggregate floor the engine gates on.
func (e *Engine) PassingThreshold() float64 { return e.passingThreshold }

// ValidateDefinitions checks that weights sum to exactly 100 (within
// float tolerance) and that ids are unique.
func ValidateDefinitions(defs []CCPDefinition) error {
	if len(defs) == 0 {
		return &ValidationError{Reason: "no criteria defined"}
	}
	seen := make(map[string]struct{}, len(defs))
	total := 0.0
	for _, d := range defs {
		if d.ID == "" {
			return &ValidationError{Reason: "criterion with empty id"}
		}
		if _, dup := seen[d.ID]; dup {
			return &ValidationError{Reason: "duplicate criterion id " + d.ID}
		}
		seen[d.ID] = struct{}{}
		if d.Weight <= 0 {
			return &ValidationError{Reason: "criterion " + d.ID + " has non-positive weight"}
		}
		total += d.Weight
	}
	if math.Abs(total-100) > 1e-9 {
		return &ValidationError{Reason: fmt.Sprintf("weights sum to %.4f, want 100", total)}
	}
	return nil
}

// Compute scores the submitted raw scores against the definitions.
//
// For each CCP: weightedContribution = rawScore * weight / 100. The total
// is the sum of contributions rounded half-up to 2 decimals; because
// weights sum to 100 this is a weighted average. Violations are every CCP
// whose raw score is below its floor. Pass requires the aggregate to meet
// the threshold AND zero violations: a single failing CCP vetoes an
// otherwise-passing aggregate.
//
// The function is pure and iterates definitions in slice order, so the
// result never depends on the input map's iteration order.
func (e *Engine) Compute(scores map[string]float64, defs []CCPDefinition) (Result, error) {
	if err := ValidateDefinitions(defs); err != nil {
		return Result{}, err
	}

	known := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		known[d.ID] = struct{}{}
	}
	for id := range scores {
		if _, ok := known[id]; !ok {
			return Result{}, &UnknownCriterionError{ID: id}
		}
	}

	total := 0.0
	violations := make([]string, 0)
	for _, d := range defs {
		raw, ok := scores[d.ID]
		if !ok {
			return Result{}, &MissingCriterionError{ID: d.ID}
		}
		if raw < 0 || raw > 100 {
			return Result{}, &OutOfRangeError{ID: d.ID, Score: raw}
		}
		total += raw * d.Weight / 100
		if raw < d.MinScore {
			violations = append(violations, d.ID)
		}
	}

	totalScore := roundHalfUp2(total)

	return Result{
		TotalScore: totalScore,
		Violations: violations,
		Tier:       e.tier(totalScore),
		Pass:       totalScore >= e.passingThreshold && len(violations) == 0,
	}, nil
}

func (e *Engine) tier(score float64) string {
	for _, t := range e.tiers {
		if score >= t.MinScore {
			return t.Tier
		}
	}
	return TierFail
}

// roundHalfUp2 rounds to 2 decimals with ties going up. Raw scores are
// non-negative, so half-away-from-zero and half-up agree.
func roundHalfUp2(v float64) float64 {
	return math.Round(v*100) / 100
}
