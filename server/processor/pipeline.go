package processor

import (
	"context"

	"github.com/san-kum/collision-risk/server/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/san-kum/collision-risk/server/processor"

// Pipeline runs encoder, adapter and interpreter in that order. It holds no
// per-request state and is safe for concurrent use.
type Pipeline struct {
	rt     *Runtime
	tracer trace.Tracer
}

func NewPipeline(rt *Runtime) *Pipeline {
	return &Pipeline{rt: rt, tracer: otel.Tracer(tracerName)}
}

func (p *Pipeline) Runtime() *Runtime { return p.rt }

// Run scores one scenario. Errors are *models.ValidationError or
// *models.PredictionError.
func (p *Pipeline) Run(ctx context.Context, s models.CollisionScenario) (*models.PredictionResponse, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	vec, err := p.encode(ctx, s)
	if err != nil {
		return nil, fail(span, err)
	}

	_, classify := p.tracer.Start(ctx, "pipeline.classify")
	result, err := p.rt.Adapter.Predict(vec)
	classify.End()
	if err != nil {
		return nil, fail(span, err)
	}

	resp := p.respond(ctx, s, result)
	span.SetAttributes(
		attribute.String("ksi.risk_tier", string(resp.Explanation.RiskTier)),
		attribute.Float64("ksi.p_ksi", resp.PKSI),
	)
	return resp, nil
}

// Result is the outcome of one scenario in a batch.
type Result struct {
	Response *models.PredictionResponse
	Err      error
}

// RunBatch scores scenarios with a single classifier call. A scenario that
// fails validation or prediction never affects the others.
func (p *Pipeline) RunBatch(ctx context.Context, scenarios []models.CollisionScenario) []Result {
	ctx, span := p.tracer.Start(ctx, "pipeline.run_batch",
		trace.WithAttributes(attribute.Int("ksi.batch_size", len(scenarios))))
	defer span.End()

	out := make([]Result, len(scenarios))

	rows := make([]models.FeatureVector, 0, len(scenarios))
	index := make([]int, 0, len(scenarios))
	for i, s := range scenarios {
		vec, err := p.encode(ctx, s)
		if err != nil {
			out[i].Err = err
			continue
		}
		rows = append(rows, vec)
		index = append(index, i)
	}

	_, classify := p.tracer.Start(ctx, "pipeline.classify",
		trace.WithAttributes(attribute.Int("ksi.rows", len(rows))))
	outcomes := p.rt.Adapter.PredictBatch(rows)
	classify.End()

	failed := 0
	for j, o := range outcomes {
		i := index[j]
		if o.Err != nil {
			out[i].Err = o.Err
			continue
		}
		out[i].Response = p.respond(ctx, scenarios[i], o.Result)
	}
	for _, r := range out {
		if r.Err != nil {
			failed++
		}
	}

	span.SetAttributes(attribute.Int("ksi.failed", failed))
	return out
}

func (p *Pipeline) encode(ctx context.Context, s models.CollisionScenario) (models.FeatureVector, error) {
	_, span := p.tracer.Start(ctx, "pipeline.encode")
	defer span.End()

	vec, err := p.rt.Encoder.Encode(s)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return vec, err
}

func (p *Pipeline) respond(ctx context.Context, s models.CollisionScenario, r models.PredictionResult) *models.PredictionResponse {
	_, span := p.tracer.Start(ctx, "pipeline.interpret")
	defer span.End()

	return &models.PredictionResponse{
		Label:        r.Label,
		PNoKSI:       r.PNoKSI,
		PKSI:         r.PKSI,
		Explanation:  p.rt.Interpreter.Interpret(s, r),
		ModelVersion: p.rt.Model.Version,
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("ksi.error_kind", string(models.KindOf(err))))
	return err
}
