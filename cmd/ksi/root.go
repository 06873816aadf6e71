// ksi scores collision scenarios offline against a trained KSI artifact.
//
// Usage:
//
//	ksi predict --hour=23 --day=5 --month=7 --vehicles=2 --borough=Bronx \
//	    --hour-category=Late_Night --season=Summer [--high-risk]
//	ksi batch collisions.csv [--workers=4] [--output=table|json]
package main

import (
	"fmt"
	"os"

	"github.com/san-kum/collision-risk/server/config"
	"github.com/san-kum/collision-risk/server/processor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	model     string
	metadata  string
	serialize bool
	verbose   bool
}

var rootCmd = &cobra.Command{
	Use:   "ksi",
	Short: "Score collision scenarios for KSI risk",
	Long:  "ksi estimates the probability that a described road collision ends with\nsomeone killed or seriously injured, and explains the estimate.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.model, "model", "", "Path to the classifier artifact (default $KSI_MODEL_PATH)")
	f.StringVar(&rootFlags.metadata, "metadata", "", "Path to the model metadata file (default $KSI_METADATA_PATH)")
	f.BoolVar(&rootFlags.serialize, "serialize", false, "Run inference under a single lock")
	f.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// modelConfig resolves paths from flags, then the environment (.env included).
func modelConfig() (config.ModelConfig, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return config.ModelConfig{}, err
	}

	cfg := config.ModelConfig{
		ArtifactPath:       rootFlags.model,
		MetadataPath:       rootFlags.metadata,
		SerializeInference: rootFlags.serialize,
	}
	if cfg.ArtifactPath == "" {
		cfg.ArtifactPath = os.Getenv("KSI_MODEL_PATH")
	}
	if cfg.MetadataPath == "" {
		cfg.MetadataPath = os.Getenv("KSI_METADATA_PATH")
	}

	switch {
	case cfg.ArtifactPath == "":
		return cfg, fmt.Errorf("no model artifact: pass --model or set KSI_MODEL_PATH")
	case cfg.MetadataPath == "":
		return cfg, fmt.Errorf("no model metadata: pass --metadata or set KSI_METADATA_PATH")
	}
	return cfg, nil
}

func loadPipeline() (*processor.Pipeline, error) {
	cfg, err := modelConfig()
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if rootFlags.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	rt, err := processor.LoadRuntime(cfg, logger)
	if err != nil {
		return nil, err
	}
	return processor.NewPipeline(rt), nil
}
