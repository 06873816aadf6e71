package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/san-kum/collision-risk/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sample = `hour,day_of_week,month,num_vehicles,pedestrian_involved,cyclist_involved,high_risk_factor,borough,hour_category,season
22,5,7,3,true,false,1,Staten Island,Night,Summer
8,0,1,1,no,,false,Brooklyn,Morning_Rush,Winter

abc,0,1,1,false,false,false,Queens,Midday,Winter
`

func TestCSVReader_ReadAll(t *testing.T) {
	rows, err := NewCSVReader(0, zap.NewNop()).ReadAll(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, 2, rows[0].Line)
	require.NoError(t, rows[0].Err)
	assert.Equal(t, models.CollisionScenario{
		Hour:               22,
		DayOfWeek:          5,
		Month:              7,
		NumVehicles:        3,
		PedestrianInvolved: true,
		HighRiskFactor:     true,
		Borough:            models.BoroughStatenIsland,
		HourCategory:       models.HourNight,
		Season:             models.SeasonSummer,
	}, rows[0].Scenario)

	require.NoError(t, rows[1].Err)
	assert.False(t, rows[1].Scenario.CyclistInvolved)
	assert.Equal(t, models.BoroughBrooklyn, rows[1].Scenario.Borough)

	// The blank line is skipped but still counted.
	assert.Equal(t, 5, rows[2].Line)
	var ve *models.ValidationError
	require.True(t, errors.As(rows[2].Err, &ve))
	assert.Equal(t, "hour", ve.Field)
}

func TestCSVReader_RejectsIsWeekendColumn(t *testing.T) {
	input := "hour,day_of_week,month,num_vehicles,is_weekend,borough,hour_category,season\n" +
		"1,5,1,1,1,Bronx,Late_Night,Winter\n"

	_, err := NewCSVReader(0, zap.NewNop()).ReadAll(strings.NewReader(input))
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "is_weekend", ve.Field)
}

func TestCSVReader_HeaderProblems(t *testing.T) {
	tests := map[string]string{
		"empty":            "",
		"missing season":   "hour,day_of_week,month,num_vehicles,borough,hour_category\n",
		"duplicate column": "hour,hour,day_of_week,month,num_vehicles,borough,hour_category,season\n",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewCSVReader(0, zap.NewNop()).ReadAll(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestCSVReader_FlagsAreOptional(t *testing.T) {
	input := "Season,Borough,Hour_Category,Hour,Day_Of_Week,Month,Num_Vehicles\n" +
		"Fall,Manhattan,Evening_Rush,18,3,10,2\n"

	rows, err := NewCSVReader(0, zap.NewNop()).ReadAll(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, rows[0].Err)
	assert.Equal(t, 18, rows[0].Scenario.Hour)
	assert.Equal(t, models.SeasonFall, rows[0].Scenario.Season)
}

func TestCSVReader_BadCells(t *testing.T) {
	input := "hour,day_of_week,month,num_vehicles,pedestrian_involved,borough,hour_category,season\n" +
		"1,2,3,4,maybe,Bronx,Night,Fall\n" +
		"1,2,3,4,true,,Night,Fall\n" +
		"1,2,3\n"

	rows, err := NewCSVReader(0, zap.NewNop()).ReadAll(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	fields := make([]string, len(rows))
	for i, row := range rows {
		var ve *models.ValidationError
		require.True(t, errors.As(row.Err, &ve), "row %d: %v", i, row.Err)
		fields[i] = ve.Field
	}
	assert.Equal(t, []string{"pedestrian_involved", "borough", "num_vehicles"}, fields)
}

func TestCSVReader_RowLimit(t *testing.T) {
	_, err := NewCSVReader(2, zap.NewNop()).ReadAll(strings.NewReader(sample))
	assert.ErrorIs(t, err, ErrTooManyRows)
}

func TestCSVReader_StreamToChannel(t *testing.T) {
	out := make(chan Row, 10)
	err := NewCSVReader(0, zap.NewNop()).StreamToChannel(context.Background(), strings.NewReader(sample), out)
	require.NoError(t, err)
	close(out)

	var lines []int
	for row := range out {
		lines = append(lines, row.Line)
	}
	assert.Equal(t, []int{2, 3, 5}, lines)
}

func TestCSVReader_StreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewCSVReader(0, zap.NewNop()).StreamToChannel(ctx, strings.NewReader(sample), make(chan Row))
	assert.ErrorIs(t, err, context.Canceled)
}

// brokenReader serves its data once and then fails on every read.
type brokenReader struct {
	data *strings.Reader
	err  error
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if b.data.Len() > 0 {
		return b.data.Read(p)
	}
	return 0, b.err
}

func TestCSVReader_ReadErrorStops(t *testing.T) {
	header := strings.SplitAfterN(sample, "\n", 2)[0]
	row := "1,1,1,1,false,false,false,Bronx,Night,Fall\n"

	for _, limit := range []int{0, 1000} {
		r := &brokenReader{data: strings.NewReader(header + row), err: errors.New("connection reset")}

		rows, err := NewCSVReader(limit, zap.NewNop()).ReadAll(r)
		require.Error(t, err, "limit %d", limit)
		assert.ErrorContains(t, err, "connection reset")
		assert.NotErrorIs(t, err, ErrTooManyRows)
		assert.Nil(t, rows)
	}
}
