package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apex-x/apply-model/internal/config"
	"github.com/apex-x/apply-model/internal/logging"
	"github.com/apex-x/apply-model/internal/service"
)

type app struct {
	opener service.Opener

	configPath string
	modelPath  string
	logLevel   string
	logFormat  string
	logFile    string

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	root := newRootCmd(&app{opener: service.OpenCatBoost})
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "apply-model",
		Short: "Apply a trained CatBoost model to UCI Adult records",
		Long: `apply-model loads a CatBoost model trained on the UCI Adult dataset and
predicts whether a person makes over 50K a year.

Run without a subcommand to score the two tutorial records, first one at a
time and then as a single batch.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		RunE: a.runDemo,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.modelPath, "model", "m", "", "path to model (default from config or "+service.ModelPathEnv+")")
	flags.StringVar(&a.configPath, "config", "", "path to YAML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug|info|warn|error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: console|json|discard")
	flags.StringVar(&a.logFile, "log-file", "", "optional rotated log file")

	root.AddCommand(newInfoCmd(a), newPredictCmd(a), newServeCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model.Path = a.modelPath
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = a.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = a.logFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) openModel(ctx context.Context, path string) (*service.Model, error) {
	return service.Open(
		ctx,
		path,
		service.WithOpener(a.opener),
		service.WithLogger(a.logger),
	)
}

var (
	personA = service.Record{
		Numeric: []float32{25, 226802, 7, 0, 0, 40},
		Categorical: []string{
			"Private", "11th", "Never-married", "Machine-op-inspct",
			"Own-child", "Black", "Male", "United-States",
		},
	}
	// Person B's native-country is missing in adult.test and was filled
	// with "nan" during training.
	personB = service.Record{
		Numeric: []float32{40, 85019, 16, 0, 0, 45},
		Categorical: []string{
			"Private", "Doctorate", "Married-civ-spouse", "Prof-specialty",
			"Husband", "Asian-Pac-Islander", "Male", service.MissingCategorical,
		},
	}
)

func (a *app) runDemo(cmd *cobra.Command, _ []string) error {
	model, err := a.openModel(cmd.Context(), a.cfg.Model.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = model.Close()
	}()

	out := cmd.OutOrStdout()
	printModelInfo(out, model.Info())

	predictor := service.NewPredictor(model)
	formatter := a.cfg.Formatter()
	ctx := cmd.Context()

	fmt.Fprintln(out)
	scoresA, err := predictor.Predict(ctx, []service.Record{personA})
	if err != nil {
		return err
	}
	printPerson(out, "A", formatter.Format(scoresA[0]))

	fmt.Fprintln(out)
	scoresB, err := predictor.Predict(ctx, []service.Record{personB})
	if err != nil {
		return err
	}
	printPerson(out, "B", formatter.Format(scoresB[0]))

	fmt.Fprintln(out)
	scoresAB, err := predictor.Predict(ctx, []service.Record{personA, personB})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Using batch interface")
	printPerson(out, "A", formatter.Format(scoresAB[0]))
	printPerson(out, "B", formatter.Format(scoresAB[1]))

	if scoresAB[0] != scoresA[0] || scoresAB[1] != scoresB[0] {
		a.logger.Warn(
			"batch_scores_differ",
			zap.Float64s("single", []float64{scoresA[0], scoresB[0]}),
			zap.Float64s("batch", scoresAB),
		)
	}
	return nil
}

func printModelInfo(out io.Writer, info service.ModelInfo) {
	fmt.Fprintln(out, "Adult dataset model metainformation")
	fmt.Fprintf(out, "tree count: %d\n", info.TreeCount)
	fmt.Fprintf(out, "prediction dimension: %d\n", info.Dimensions)
	fmt.Fprintf(out, "numeric feature count: %d\n", info.FloatFeatures)
	fmt.Fprintf(out, "categoric feature count: %d\n", info.CatFeatures)
}

func printPerson(out io.Writer, name string, prediction service.Prediction) {
	fmt.Fprintf(out, "Person %s make over 50K a year with probability %f\n", name, prediction.Probability)
	fmt.Fprintf(out, "Person %s %s\n", name, prediction.Label)
}
