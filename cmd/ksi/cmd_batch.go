package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/san-kum/collision-risk/server/ingest"
	"github.com/san-kum/collision-risk/server/models"
	"github.com/san-kum/collision-risk/server/processor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const batchChunkSize = 256

var batchFlags struct {
	workers int
	output  string
	maxRows int
}

var batchCmd = &cobra.Command{
	Use:   "batch FILE.csv",
	Short: "Score every row of a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	f := batchCmd.Flags()
	f.IntVar(&batchFlags.workers, "workers", 4, "Chunks scored in parallel")
	f.StringVarP(&batchFlags.output, "output", "o", "", "Output format: table or json (default table on a terminal, json otherwise)")
	f.IntVar(&batchFlags.maxRows, "max-rows", 100000, "Refuse files with more data rows than this")
}

func runBatch(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(batchFlags.output, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if batchFlags.workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}

	pipeline, err := loadPipeline()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer f.Close()

	reader := ingest.NewCSVReader(batchFlags.maxRows, zap.NewNop())
	items, err := scoreFile(cmd.Context(), pipeline, reader, f, batchFlags.workers)
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	renderTable(cmd.OutOrStdout(), items)
	return nil
}

// scoreFile streams rows from r and scores them in chunks of batchChunkSize,
// at most workers chunks at a time. Items keep file order whatever order the
// chunks finish in.
func scoreFile(ctx context.Context, pipeline *processor.Pipeline, reader *ingest.CSVReader, r io.Reader, workers int) ([]models.BatchItem, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	rows := make(chan ingest.Row, batchChunkSize)
	readErr := make(chan error, 1)
	go func() {
		defer close(rows)
		readErr <- reader.StreamToChannel(ctx, r, rows)
	}()

	var chunks [][]models.BatchItem
	total := 0
	flush := func(chunk []ingest.Row) {
		out := make([]models.BatchItem, len(chunk))
		chunks = append(chunks, out)
		offset := total
		total += len(chunk)
		g.Go(func() error {
			scoreChunk(ctx, pipeline, chunk, offset, out)
			return ctx.Err()
		})
	}

	chunk := make([]ingest.Row, 0, batchChunkSize)
	for row := range rows {
		chunk = append(chunk, row)
		if len(chunk) == batchChunkSize {
			flush(chunk)
			chunk = make([]ingest.Row, 0, batchChunkSize)
		}
	}
	if len(chunk) > 0 {
		flush(chunk)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := <-readErr; err != nil {
		return nil, err
	}

	items := make([]models.BatchItem, 0, total)
	for _, out := range chunks {
		items = append(items, out...)
	}
	return items, nil
}

// scoreChunk fills out, which lines up with chunk; offset is the index of
// the chunk's first row in the file.
func scoreChunk(ctx context.Context, pipeline *processor.Pipeline, chunk []ingest.Row, offset int, out []models.BatchItem) {
	scenarios := make([]models.CollisionScenario, 0, len(chunk))
	positions := make([]int, 0, len(chunk))
	for i, row := range chunk {
		out[i] = models.BatchItem{Index: offset + i, Line: row.Line}
		if row.Err != nil {
			out[i].Error = models.NewAPIError(row.Err)
			continue
		}
		scenarios = append(scenarios, row.Scenario)
		positions = append(positions, i)
	}

	for i, r := range pipeline.RunBatch(ctx, scenarios) {
		if r.Err != nil {
			out[positions[i]].Error = models.NewAPIError(r.Err)
			continue
		}
		out[positions[i]].Result = r.Response
	}
}

func outputFormat(flag string, w io.Writer) (string, error) {
	switch flag {
	case "table", "json":
		return flag, nil
	case "":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return "table", nil
		}
		return "json", nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table or json)", flag)
	}
}

func renderTable(w io.Writer, items []models.BatchItem) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Line", "Tier", "P(KSI)", "Risk factors", "Error"})

	var high, low, failed int
	for _, item := range items {
		if item.Error != nil {
			failed++
			t.AppendRow(table.Row{item.Line, "-", "-", "-", item.Error.Message})
			continue
		}
		ex := item.Result.Explanation
		if ex.RiskTier == models.RiskHigh {
			high++
		} else {
			low++
		}
		t.AppendRow(table.Row{item.Line, ex.RiskTier, fmt.Sprintf("%.3f", item.Result.PKSI), len(ex.RiskFactors), ""})
	}

	t.AppendFooter(table.Row{"", fmt.Sprintf("%d HIGH / %d LOW", high, low), "", "", fmt.Sprintf("%d failed", failed)})
	t.Render()
}
