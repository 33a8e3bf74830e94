package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apex-x/apply-model/internal/service"
)

func newInfoCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print model metainformation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, err := a.openModel(cmd.Context(), a.cfg.Model.Path)
			if err != nil {
				return err
			}
			defer func() {
				_ = model.Close()
			}()
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(model.Info())
			}
			printModelInfo(cmd.OutOrStdout(), model.Info())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print metadata as JSON")
	return cmd
}

func newPredictCmd(a *app) *cobra.Command {
	var (
		inputPath string
		threshold float64
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Score every row of an adult.test style CSV file in one batch",
		Long: `Reads rows laid out like adult.data / adult.test (comma separated, '|'
comment lines, '?' for missing values), maps them through the configured
schema and scores all of them with a single library call.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			formatter := a.cfg.Formatter()
			if cmd.Flags().Changed("threshold") {
				formatter = formatter.WithThreshold(threshold)
			}
			if err := formatter.Validate(); err != nil {
				return err
			}

			records, err := readRecords(cmd.InOrStdin(), inputPath, a.cfg.Schema)
			if err != nil {
				return err
			}

			model, err := a.openModel(cmd.Context(), a.cfg.Model.Path)
			if err != nil {
				return err
			}
			defer func() {
				_ = model.Close()
			}()
			if err := a.cfg.Schema.Validate(model.Info()); err != nil {
				return err
			}

			predictions, err := service.NewPredictor(model).Classify(cmd.Context(), records, formatter)
			if err != nil {
				return err
			}
			a.logger.Info("records_scored", zap.Int("records", len(predictions)))
			return writePredictions(cmd.OutOrStdout(), predictions, asJSON)
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "CSV input file, - for stdin")
	cmd.Flags().Float64Var(&threshold, "threshold", service.DefaultThreshold, "classification threshold")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per row")
	return cmd
}

func readRecords(stdin io.Reader, path string, schema service.Schema) ([]service.Record, error) {
	if path == "-" || path == "" {
		return schema.ReadRecords(stdin)
	}
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()
	return schema.ReadRecords(file)
}

func writePredictions(out io.Writer, predictions []service.Prediction, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(out)
		for _, prediction := range predictions {
			if err := encoder.Encode(prediction); err != nil {
				return err
			}
		}
		return nil
	}
	for idx, prediction := range predictions {
		if _, err := fmt.Fprintf(
			out,
			"row %d: probability %f: %s\n",
			idx,
			prediction.Probability,
			prediction.Label,
		); err != nil {
			return err
		}
	}
	return nil
}

func newServeCmd(a *app) *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("watch") {
				a.cfg.Server.WatchModel = watch
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the model when its file changes")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	model, err := a.openModel(ctx, a.cfg.Model.Path)
	if err != nil {
		return err
	}
	watcher, err := service.NewModelWatcher(model, a.openModel, a.logger)
	if err != nil {
		_ = model.Close()
		return err
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			a.logger.Warn("model_close_failed", zap.Error(closeErr))
		}
	}()

	httpService, err := service.NewHTTPService(watcher, service.HTTPServiceConfig{
		Formatter:      a.cfg.Formatter(),
		MaxBatchSize:   a.cfg.Server.MaxBatchSize,
		BatchWindow:    a.cfg.GetBatchWindow(),
		QueueSize:      a.cfg.Server.QueueSize,
		PredictTimeout: a.cfg.GetPredictTimeout(),
		CacheSize:      a.cfg.Server.CacheSize,
		Logger:         a.logger,
		Hooks:          service.LogTelemetryHooks{Logger: a.logger},
	})
	if err != nil {
		return fmt.Errorf("failed to create http service: %w", err)
	}
	defer func() {
		_ = httpService.Close()
	}()
	watcher.OnReload(httpService.ModelReloaded)

	mux := http.NewServeMux()
	httpService.RegisterRoutes(mux)
	handler := service.Chain(mux,
		service.RequestIDMiddleware,
		service.RecoveryMiddleware(a.logger),
		service.LoggingMiddleware(a.logger),
	)
	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.Info(
			"server_start",
			zap.String("addr", server.Addr),
			zap.String("backend", watcher.Name()),
			zap.Int("max_batch_size", a.cfg.Server.MaxBatchSize),
			zap.Duration("batch_window", a.cfg.GetBatchWindow()),
			zap.Int("cache_size", a.cfg.Server.CacheSize),
			zap.Bool("watch_model", a.cfg.Server.WatchModel),
		)
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http serve failed: %w", serveErr)
		}
		return nil
	})
	if a.cfg.Server.WatchModel {
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("http shutdown: %w", shutdownErr)
		}
		a.logger.Info("server_stopped")
		return nil
	})
	return group.Wait()
}
