package models

import "encoding/json"

type Borough string

const (
	BoroughBrooklyn     Borough = "Brooklyn"
	BoroughManhattan    Borough = "Manhattan"
	BoroughQueens       Borough = "Queens"
	BoroughBronx        Borough = "Bronx"
	BoroughStatenIsland Borough = "Staten Island"
)

type HourCategory string

const (
	HourMorningRush HourCategory = "Morning_Rush"
	HourMidday      HourCategory = "Midday"
	HourEveningRush HourCategory = "Evening_Rush"
	HourNight       HourCategory = "Night"
	HourLateNight   HourCategory = "Late_Night"
)

type Season string

const (
	SeasonWinter Season = "Winter"
	SeasonSpring Season = "Spring"
	SeasonSummer Season = "Summer"
	SeasonFall   Season = "Fall"
)

var (
	Boroughs       = []Borough{BoroughBrooklyn, BoroughManhattan, BoroughQueens, BoroughBronx, BoroughStatenIsland}
	HourCategories = []HourCategory{HourMorningRush, HourMidday, HourEveningRush, HourNight, HourLateNight}
	Seasons        = []Season{SeasonWinter, SeasonSpring, SeasonSummer, SeasonFall}
	DayNames       = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
)

// CollisionScenario is one described collision. The validate tags are the
// accepted domain of every field; is_weekend is not a field because it is
// always derived from DayOfWeek.
type CollisionScenario struct {
	Hour               int          `json:"hour" validate:"min=0,max=23"`
	DayOfWeek          int          `json:"day_of_week" validate:"min=0,max=6"`
	Month              int          `json:"month" validate:"min=1,max=12"`
	NumVehicles        int          `json:"num_vehicles" validate:"min=1,max=10"`
	PedestrianInvolved bool         `json:"pedestrian_involved"`
	CyclistInvolved    bool         `json:"cyclist_involved"`
	HighRiskFactor     bool         `json:"high_risk_factor"`
	Borough            Borough      `json:"borough" validate:"oneof=Brooklyn Manhattan Queens Bronx 'Staten Island'"`
	HourCategory       HourCategory `json:"hour_category" validate:"oneof=Morning_Rush Midday Evening_Rush Night Late_Night"`
	Season             Season       `json:"season" validate:"oneof=Winter Spring Summer Fall"`
}

// IsWeekend reports 1 for Saturday (5) and Sunday (6), 0 otherwise.
func IsWeekend(dayOfWeek int) int {
	if dayOfWeek == 5 || dayOfWeek == 6 {
		return 1
	}
	return 0
}

// ScenarioRequest is the wire form of a CollisionScenario. Pointer fields let
// a missing value be told apart from a zero value.
type ScenarioRequest struct {
	Hour               *int    `json:"hour"`
	DayOfWeek          *int    `json:"day_of_week"`
	Month              *int    `json:"month"`
	NumVehicles        *int    `json:"num_vehicles"`
	PedestrianInvolved *bool   `json:"pedestrian_involved"`
	CyclistInvolved    *bool   `json:"cyclist_involved"`
	HighRiskFactor     *bool   `json:"high_risk_factor"`
	Borough            *string `json:"borough"`
	HourCategory       *string `json:"hour_category"`
	Season             *string `json:"season"`

	// IsWeekend is only here so that callers trying to set it are refused.
	// Kept raw so that an explicit null counts as supplied.
	IsWeekend json.RawMessage `json:"is_weekend,omitempty"`
}

// ToScenario converts the request, failing on the first missing field or on
// a supplied is_weekend. Domain checks are left to the encoder.
func (r *ScenarioRequest) ToScenario() (CollisionScenario, error) {
	if len(r.IsWeekend) > 0 {
		return CollisionScenario{}, &ValidationError{
			Field:  "is_weekend",
			Domain: "derived from day_of_week; must not be supplied",
			Value:  string(r.IsWeekend),
		}
	}

	missing := func(field string) error {
		return &ValidationError{Field: field, Domain: "required"}
	}

	var s CollisionScenario
	switch {
	case r.Hour == nil:
		return s, missing("hour")
	case r.DayOfWeek == nil:
		return s, missing("day_of_week")
	case r.Month == nil:
		return s, missing("month")
	case r.NumVehicles == nil:
		return s, missing("num_vehicles")
	case r.Borough == nil:
		return s, missing("borough")
	case r.HourCategory == nil:
		return s, missing("hour_category")
	case r.Season == nil:
		return s, missing("season")
	}

	s = CollisionScenario{
		Hour:         *r.Hour,
		DayOfWeek:    *r.DayOfWeek,
		Month:        *r.Month,
		NumVehicles:  *r.NumVehicles,
		Borough:      Borough(*r.Borough),
		HourCategory: HourCategory(*r.HourCategory),
		Season:       Season(*r.Season),
	}

	// Unchecked boxes are commonly omitted by form clients.
	if r.PedestrianInvolved != nil {
		s.PedestrianInvolved = *r.PedestrianInvolved
	}
	if r.CyclistInvolved != nil {
		s.CyclistInvolved = *r.CyclistInvolved
	}
	if r.HighRiskFactor != nil {
		s.HighRiskFactor = *r.HighRiskFactor
	}

	return s, nil
}
