// Package encoder turns a CollisionScenario into the feature vector the
// trained classifier consumes.
package encoder

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/san-kum/collision-risk/server/models"
)

// FeatureNames is the training schema order. Categorical columns come last and
// are left for the classifier's own preprocessing to expand.
var FeatureNames = []string{
	"hour",
	"day_of_week",
	"month",
	"num_vehicles",
	"is_weekend",
	"pedestrian_involved",
	"cyclist_involved",
	"high_risk",
	"borough",
	"hour_category",
	"season",
}

var domains = map[string]string{
	"hour":          "integer in [0, 23]",
	"day_of_week":   "integer in [0, 6] (0 = Monday)",
	"month":         "integer in [1, 12]",
	"num_vehicles":  "integer in [1, 10]",
	"borough":       oneOf(models.Boroughs),
	"hour_category": oneOf(models.HourCategories),
	"season":        oneOf(models.Seasons),
}

type Encoder struct {
	validate *validator.Validate
}

func New() *Encoder {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Encoder{validate: v}
}

// Validate checks every field against its declared domain and reports the
// first offender in declaration order.
func (e *Encoder) Validate(s models.CollisionScenario) error {
	err := e.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("validate scenario: %w", err)
	}

	first := fieldErrs[0]
	domain, ok := domains[first.Field()]
	if !ok {
		domain = first.Tag() + "=" + first.Param()
	}

	return &models.ValidationError{
		Field:  first.Field(),
		Domain: domain,
		Value:  first.Value(),
	}
}

func (e *Encoder) Encode(s models.CollisionScenario) (models.FeatureVector, error) {
	if err := e.Validate(s); err != nil {
		return nil, err
	}

	return models.FeatureVector{
		models.NumericFeature("hour", float64(s.Hour)),
		models.NumericFeature("day_of_week", float64(s.DayOfWeek)),
		models.NumericFeature("month", float64(s.Month)),
		models.NumericFeature("num_vehicles", float64(s.NumVehicles)),
		models.NumericFeature("is_weekend", float64(models.IsWeekend(s.DayOfWeek))),
		models.NumericFeature("pedestrian_involved", flag(s.PedestrianInvolved)),
		models.NumericFeature("cyclist_involved", flag(s.CyclistInvolved)),
		models.NumericFeature("high_risk", flag(s.HighRiskFactor)),
		models.CategoricalFeature("borough", string(s.Borough)),
		models.CategoricalFeature("hour_category", string(s.HourCategory)),
		models.CategoricalFeature("season", string(s.Season)),
	}, nil
}

// Schema returns the ordered names of the features Encode emits.
func (e *Encoder) Schema() []string {
	return append([]string(nil), FeatureNames...)
}

// Domains returns the accepted domain text per field, for option listings.
func Domains() map[string]string {
	out := make(map[string]string, len(domains))
	for k, v := range domains {
		out[k] = v
	}
	return out
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func oneOf[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return "one of: " + strings.Join(parts, ", ")
}
