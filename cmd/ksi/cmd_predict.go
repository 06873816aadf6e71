package main

import (
	"encoding/json"
	"fmt"

	"github.com/san-kum/collision-risk/server/models"
	"github.com/spf13/cobra"
)

var predictFlags struct {
	hour         int
	day          int
	month        int
	vehicles     int
	pedestrian   bool
	cyclist      bool
	highRisk     bool
	borough      string
	hourCategory string
	season       string
	json         bool
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Score one collision scenario",
	Args:  cobra.NoArgs,
	RunE:  runPredict,
}

func init() {
	f := predictCmd.Flags()
	f.IntVar(&predictFlags.hour, "hour", 12, "Hour of day, 0-23")
	f.IntVar(&predictFlags.day, "day", 0, "Day of week, 0 = Monday ... 6 = Sunday")
	f.IntVar(&predictFlags.month, "month", 6, "Month, 1-12")
	f.IntVar(&predictFlags.vehicles, "vehicles", 2, "Number of vehicles involved, 1-10")
	f.BoolVar(&predictFlags.pedestrian, "pedestrian", false, "A pedestrian was involved")
	f.BoolVar(&predictFlags.cyclist, "cyclist", false, "A cyclist was involved")
	f.BoolVar(&predictFlags.highRisk, "high-risk", false, "Alcohol, drugs, speeding or distraction involved")
	f.StringVar(&predictFlags.borough, "borough", string(models.BoroughBrooklyn), "Borough")
	f.StringVar(&predictFlags.hourCategory, "hour-category", string(models.HourEveningRush), "Time-of-day band")
	f.StringVar(&predictFlags.season, "season", string(models.SeasonSummer), "Season")
	f.BoolVar(&predictFlags.json, "json", false, "Print the full response as JSON")
}

func flagScenario() models.CollisionScenario {
	return models.CollisionScenario{
		Hour:               predictFlags.hour,
		DayOfWeek:          predictFlags.day,
		Month:              predictFlags.month,
		NumVehicles:        predictFlags.vehicles,
		PedestrianInvolved: predictFlags.pedestrian,
		CyclistInvolved:    predictFlags.cyclist,
		HighRiskFactor:     predictFlags.highRisk,
		Borough:            models.Borough(predictFlags.borough),
		HourCategory:       models.HourCategory(predictFlags.hourCategory),
		Season:             models.Season(predictFlags.season),
	}
}

func runPredict(cmd *cobra.Command, _ []string) error {
	pipeline, err := loadPipeline()
	if err != nil {
		return err
	}

	resp, err := pipeline.Run(cmd.Context(), flagScenario())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if predictFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	ex := resp.Explanation
	fmt.Fprintln(out, ex.Headline)
	fmt.Fprintf(out, "P(KSI):    %.3f\n", resp.PKSI)
	fmt.Fprintf(out, "P(no KSI): %.3f\n", resp.PNoKSI)
	if len(ex.RiskFactors) > 0 {
		fmt.Fprintf(out, "Risk factors:\n")
		for _, f := range ex.RiskFactors {
			fmt.Fprintf(out, "  - %s\n", f)
		}
	}
	fmt.Fprintf(out, "%s\n", ex.RecommendedActions.Summary)
	for _, a := range ex.RecommendedActions.Actions {
		fmt.Fprintf(out, "  * %s\n", a)
	}
	fmt.Fprintf(out, "Model: %s\n", resp.ModelVersion)
	return nil
}
