// Package interpret turns classifier output into the explanation shown to
// responders. Nothing here is probabilistic: the bundle is a pure function of
// the scenario, the label and p_ksi.
package interpret

import (
	"fmt"

	"github.com/san-kum/collision-risk/server/models"
)

// Rule contributes at most one risk-factor line per scenario.
type Rule struct {
	ID       string
	Applies  func(s models.CollisionScenario) bool
	Describe func(s models.CollisionScenario) string
}

func fixed(text string) func(models.CollisionScenario) string {
	return func(models.CollisionScenario) string { return text }
}

// DefaultRules are evaluated in this order and independently of each other.
var DefaultRules = []Rule{
	{
		ID:       "pedestrian",
		Applies:  func(s models.CollisionScenario) bool { return s.PedestrianInvolved },
		Describe: fixed("Pedestrian involvement (major risk factor)"),
	},
	{
		ID:       "cyclist",
		Applies:  func(s models.CollisionScenario) bool { return s.CyclistInvolved },
		Describe: fixed("Cyclist involvement (vulnerable road user)"),
	},
	{
		ID:       "high_risk_behavior",
		Applies:  func(s models.CollisionScenario) bool { return s.HighRiskFactor },
		Describe: fixed("High-risk behavior detected (alcohol/speed/distraction)"),
	},
	{
		ID: "nighttime",
		Applies: func(s models.CollisionScenario) bool {
			return s.HourCategory == models.HourNight || s.HourCategory == models.HourLateNight
		},
		Describe: func(s models.CollisionScenario) string {
			return fmt.Sprintf("Nighttime collision (%s)", s.HourCategory)
		},
	},
	{
		ID:      "multi_vehicle",
		Applies: func(s models.CollisionScenario) bool { return s.NumVehicles >= 3 },
		Describe: func(s models.CollisionScenario) string {
			return fmt.Sprintf("Multi-vehicle crash (%d vehicles)", s.NumVehicles)
		},
	},
}

var (
	highActions = models.RecommendedActions{
		Summary: "This collision scenario has a HIGH risk of severe injury or death.",
		Actions: []string{
			"Prioritize rapid emergency response",
			"Dispatch advanced medical support",
			"Consider enhanced enforcement in this area/time",
			"Log for hotspot analysis",
		},
	}
	lowActions = models.RecommendedActions{
		Summary: "This collision scenario has a LOW risk of severe outcomes.",
		Actions: []string{
			"Standard emergency response appropriate",
			"Monitor for any escalation",
			"Continue routine safety protocols",
		},
	}
)

type Interpreter struct {
	rules []Rule
}

// New returns an interpreter over rules, or DefaultRules when none are given.
func New(rules ...Rule) *Interpreter {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Interpreter{rules: rules}
}

// Interpret explains r for s. The bundle carries the classifier's own
// probabilities unchanged.
func (in *Interpreter) Interpret(s models.CollisionScenario, r models.PredictionResult) models.ExplanationBundle {
	tier := Tier(r.Label)

	return models.ExplanationBundle{
		RiskTier:           tier,
		Headline:           Headline(tier, r.PKSI),
		PNoKSI:             r.PNoKSI,
		PKSI:               r.PKSI,
		RiskFactors:        in.Factors(s),
		RecommendedActions: Actions(tier),
	}
}

// Factors is never nil so an empty list serializes as [].
func (in *Interpreter) Factors(s models.CollisionScenario) []string {
	factors := make([]string, 0, len(in.rules))
	for _, r := range in.rules {
		if r.Applies(s) {
			factors = append(factors, r.Describe(s))
		}
	}
	return factors
}

// Interpret uses DefaultRules.
func Interpret(s models.CollisionScenario, r models.PredictionResult) models.ExplanationBundle {
	return defaultInterpreter.Interpret(s, r)
}

var defaultInterpreter = New()

func Tier(label int) models.RiskTier {
	if label == 1 {
		return models.RiskHigh
	}
	return models.RiskLow
}

// Actions returns a copy of the template for tier.
func Actions(tier models.RiskTier) models.RecommendedActions {
	src := lowActions
	if tier == models.RiskHigh {
		src = highActions
	}
	return models.RecommendedActions{
		Summary: src.Summary,
		Actions: append([]string(nil), src.Actions...),
	}
}

func Headline(tier models.RiskTier, pKSI float64) string {
	if tier == models.RiskHigh {
		return fmt.Sprintf("HIGH RISK: KSI Likely (%.1f%% probability of severe outcome)", pKSI*100)
	}
	return fmt.Sprintf("LOW RISK: Minor collision likely (%.1f%% probability of minor outcome)", (1-pKSI)*100)
}
