package processor

import (
	"github.com/san-kum/collision-risk/server/config"
	"github.com/san-kum/collision-risk/server/encoder"
	"github.com/san-kum/collision-risk/server/interpret"
	"github.com/san-kum/collision-risk/server/ml"
	"github.com/san-kum/collision-risk/server/models"
	"go.uber.org/zap"
)

// Runtime is everything inference needs that outlives a request. It is
// built once before the server listens and never mutated afterwards.
type Runtime struct {
	Encoder     *encoder.Encoder
	Adapter     *ml.Adapter
	Interpreter *interpret.Interpreter
	Metadata    models.ModelMetadata
	Model       ml.ModelInfo
}

type describedClassifier interface {
	Info() ml.ModelInfo
}

// LoadRuntime reads the artifact and the metadata record named by cfg. Any
// failure is a *models.ModelLoadError and must stop the process.
func LoadRuntime(cfg config.ModelConfig, logger *zap.Logger) (*Runtime, error) {
	forest, err := ml.LoadArtifact(cfg.ArtifactPath)
	if err != nil {
		return nil, err
	}

	meta, err := ml.LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}

	rt := NewRuntime(forest, meta, cfg.SerializeInference, logger)

	logger.Info("Model loaded",
		zap.String("artifact", cfg.ArtifactPath),
		zap.String("version", rt.Model.Version),
		zap.Int("trees", rt.Model.Trees),
		zap.Int("transformed_width", rt.Model.TransformedWidth),
		zap.Bool("serialized", rt.Adapter.Serialized()),
		zap.Float64("test_recall", meta.TestRecall),
		zap.Float64("test_precision", meta.TestPrecision))

	return rt, nil
}

// NewRuntime wires an already loaded classifier. A schema that disagrees with
// the encoder is logged here; each request then fails with a PredictionError.
func NewRuntime(clf ml.Classifier, meta models.ModelMetadata, serialize bool, logger *zap.Logger) *Runtime {
	enc := encoder.New()
	adapter := ml.NewAdapter(clf, serialize, logger)

	if err := adapter.CheckSchema(enc.Schema()); err != nil {
		logger.Warn("Classifier schema does not match encoder output", zap.Error(err))
	}

	return &Runtime{
		Encoder:     enc,
		Adapter:     adapter,
		Interpreter: interpret.New(),
		Metadata:    meta,
		Model:       describe(clf),
	}
}

func describe(clf ml.Classifier) ml.ModelInfo {
	if d, ok := clf.(describedClassifier); ok {
		return d.Info()
	}

	schema := clf.Schema()
	names := make([]string, len(schema))
	for i, col := range schema {
		names[i] = col.Name
	}
	return ml.ModelInfo{Version: "unversioned", ModelType: "external", Features: names}
}
