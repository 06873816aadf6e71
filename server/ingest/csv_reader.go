// Package ingest reads collision scenarios from CSV files for batch scoring.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/san-kum/collision-risk/server/models"
	"go.uber.org/zap"
)

// Columns lists the accepted header names. Order in the file is free.
var Columns = []string{
	"hour",
	"day_of_week",
	"month",
	"num_vehicles",
	"pedestrian_involved",
	"cyclist_involved",
	"high_risk_factor",
	"borough",
	"hour_category",
	"season",
}

var optionalColumns = map[string]bool{
	"pedestrian_involved": true,
	"cyclist_involved":    true,
	"high_risk_factor":    true,
}

// Row is one parsed data line. Line is 1-based and counts the header.
type Row struct {
	Line     int                      `json:"line"`
	Scenario models.CollisionScenario `json:"scenario"`
	Err      error                    `json:"-"`
}

type CSVReader struct {
	logger *zap.Logger
	maxRow int
}

// NewCSVReader returns a reader that refuses files with more than maxRows data
// rows. maxRows < 1 means no limit.
func NewCSVReader(maxRows int, logger *zap.Logger) *CSVReader {
	return &CSVReader{logger: logger, maxRow: maxRows}
}

// ErrTooManyRows is returned once a file exceeds the configured row limit.
var ErrTooManyRows = errors.New("too many rows")

// ReadAll parses every row. Rows that cannot be parsed are kept with Err set
// so that callers can report them by line.
func (cr *CSVReader) ReadAll(r io.Reader) ([]Row, error) {
	var rows []Row
	err := cr.each(r, func(row Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	cr.logger.Info("Loaded scenarios from CSV", zap.Int("rows", len(rows)))
	return rows, nil
}

// StreamToChannel sends rows to out until the input is exhausted or ctx is
// done. It does not close out.
func (cr *CSVReader) StreamToChannel(ctx context.Context, r io.Reader, out chan<- Row) error {
	return cr.each(r, func(row Row) error {
		select {
		case out <- row:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (cr *CSVReader) each(r io.Reader, fn func(Row) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty CSV: header row required")
		}
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	colMap, err := headerIndex(header)
	if err != nil {
		return err
	}

	line := 1
	count := 0
	// encoding/csv skips empty lines, so line numbers come from FieldPos.
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}

		var row Row
		if err != nil {
			// Only parse errors belong to a row; anything else is the input failing.
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return fmt.Errorf("read CSV: %w", err)
			}
			line = pe.Line
			row = Row{Line: line, Err: fmt.Errorf("malformed CSV row: %w", err)}
		} else {
			line, _ = reader.FieldPos(0)
			if blank(record) {
				continue
			}
			row = parseRow(line, record, colMap)
		}

		count++
		if cr.maxRow > 0 && count > cr.maxRow {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRows, cr.maxRow)
		}
		if row.Err != nil {
			cr.logger.Debug("Rejected CSV row", zap.Int("line", line), zap.Error(row.Err))
		}

		if err := fn(row); err != nil {
			return err
		}
	}
}

func headerIndex(header []string) (map[string]int, error) {
	colMap := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if name == "is_weekend" {
			return nil, &models.ValidationError{
				Field:  "is_weekend",
				Domain: "derived from day_of_week; remove the column",
			}
		}
		if _, dup := colMap[name]; dup {
			return nil, fmt.Errorf("duplicate CSV column %q", name)
		}
		colMap[name] = i
	}

	var missing []string
	for _, col := range Columns {
		if _, ok := colMap[col]; !ok && !optionalColumns[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("CSV header is missing columns: %s", strings.Join(missing, ", "))
	}

	return colMap, nil
}

func parseRow(line int, record []string, colMap map[string]int) Row {
	row := Row{Line: line}

	cell := func(name string) (string, bool) {
		idx, ok := colMap[name]
		if !ok || idx >= len(record) {
			return "", false
		}
		v := strings.TrimSpace(record[idx])
		return v, v != ""
	}

	integer := func(name string, dest *int) error {
		v, ok := cell(name)
		if !ok {
			return &models.ValidationError{Field: name, Domain: "required"}
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &models.ValidationError{Field: name, Domain: "integer", Value: v}
		}
		*dest = n
		return nil
	}

	flag := func(name string, dest *bool) error {
		v, ok := cell(name)
		if !ok {
			return nil
		}
		b, err := parseBool(v)
		if err != nil {
			return &models.ValidationError{Field: name, Domain: "boolean (true/false, 1/0, yes/no)", Value: v}
		}
		*dest = b
		return nil
	}

	text := func(name string) (string, error) {
		v, ok := cell(name)
		if !ok {
			return "", &models.ValidationError{Field: name, Domain: "required"}
		}
		return v, nil
	}

	s := &row.Scenario
	steps := []func() error{
		func() error { return integer("hour", &s.Hour) },
		func() error { return integer("day_of_week", &s.DayOfWeek) },
		func() error { return integer("month", &s.Month) },
		func() error { return integer("num_vehicles", &s.NumVehicles) },
		func() error { return flag("pedestrian_involved", &s.PedestrianInvolved) },
		func() error { return flag("cyclist_involved", &s.CyclistInvolved) },
		func() error { return flag("high_risk_factor", &s.HighRiskFactor) },
		func() error {
			v, err := text("borough")
			s.Borough = models.Borough(v)
			return err
		},
		func() error {
			v, err := text("hour_category")
			s.HourCategory = models.HourCategory(v)
			return err
		},
		func() error {
			v, err := text("season")
			s.Season = models.Season(v)
			return err
		},
	}

	for _, step := range steps {
		if err := step(); err != nil {
			row.Err = err
			return row
		}
	}
	return row
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(v)
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
