package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apex-x/apply-model/internal/config"
	"github.com/apex-x/apply-model/internal/service"
)

// educationBackend scores education-num minus ten, so Person A (7) is
// negative and Person B (16) is positive.
type educationBackend struct {
	closed bool
}

func (b *educationBackend) Name() string { return "education-backend" }

func (b *educationBackend) Info() service.ModelInfo {
	return service.ModelInfo{TreeCount: 12, FloatFeatures: 6, CatFeatures: 8, Dimensions: 1}
}

func (b *educationBackend) Calc(_ context.Context, batch *service.FeatureBatch) ([]float64, error) {
	out := make([]float64, batch.Len())
	for idx, numeric := range batch.Numeric {
		out[idx] = float64(numeric[2]) - 10
	}
	return out, nil
}

func (b *educationBackend) Close() error {
	b.closed = true
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		service.ModelPathEnv,
		service.BridgeCommandEnv,
		"APPLY_MODEL_THRESHOLD",
		"APPLY_MODEL_LOG_LEVEL",
		"APPLY_MODEL_LOG_FORMAT",
		"APPLY_MODEL_LOG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func runCLI(t *testing.T, opener service.Opener, stdin string, args ...string) (string, string, error) {
	t.Helper()
	clearEnv(t)
	root := newRootCmd(&app{opener: opener})
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func educationOpener(backend *educationBackend) service.Opener {
	return func(context.Context, string) (service.Backend, error) {
		return backend, nil
	}
}

func TestDemoPrintsSingleAndBatchPredictions(t *testing.T) {
	backend := &educationBackend{}
	stdout, _, err := runCLI(t, educationOpener(backend), "", "--model", "adult.cbm", "--log-format", "discard")
	require.NoError(t, err)

	for _, line := range []string{
		"Adult dataset model metainformation",
		"tree count: 12",
		"prediction dimension: 1",
		"numeric feature count: 6",
		"categoric feature count: 8",
		"Person A make over 50K a year with probability 0.047426",
		"Person A doesn't make over 50K a year",
		"Person B make over 50K a year with probability 0.997527",
		"Person B makes over 50K a year",
		"Using batch interface",
	} {
		assert.Contains(t, stdout, line)
	}
	batchPart := stdout[strings.Index(stdout, "Using batch interface"):]
	assert.Contains(t, batchPart, "Person A doesn't make over 50K a year")
	assert.Contains(t, batchPart, "Person B makes over 50K a year")
	assert.True(t, backend.closed)
}

func TestDemoLoadFailureReturnsError(t *testing.T) {
	opener := func(context.Context, string) (service.Backend, error) {
		return nil, errors.New("LoadFullModelFromFile error message: Model file doesn't exist")
	}
	_, _, err := runCLI(t, opener, "", "-m", "missing.cbm", "--log-format", "discard")
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrLoad)
	assert.Contains(t, err.Error(), "Model file doesn't exist")
}

func TestInfoJSON(t *testing.T) {
	stdout, _, err := runCLI(t, educationOpener(&educationBackend{}), "", "info", "--json", "-m", "adult.cbm", "--log-format", "discard")
	require.NoError(t, err)

	var info service.ModelInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "education-backend", info.Backend)
	assert.Equal(t, 12, info.TreeCount)
	assert.True(t, filepath.IsAbs(info.Path))
}

const adultRows = `|1x3 Cross validator
25, Private, 226802, 11th, 7, Never-married, Machine-op-inspct, Own-child, Black, Male, 0, 0, 40, United-States, <=50K.
40, Private, 85019, Doctorate, 16, Married-civ-spouse, Prof-specialty, Husband, Asian-Pac-Islander, Male, 0, 0, 45, ?, >50K.
`

func TestPredictFromStdin(t *testing.T) {
	stdout, _, err := runCLI(t, educationOpener(&educationBackend{}), adultRows, "predict", "-m", "adult.cbm", "--log-format", "discard")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "row 0: probability 0.047426: doesn't make over 50K a year", lines[0])
	assert.Equal(t, "row 1: probability 0.997527: makes over 50K a year", lines[1])
}

func TestPredictJSONWithThreshold(t *testing.T) {
	stdout, _, err := runCLI(
		t,
		educationOpener(&educationBackend{}),
		adultRows,
		"predict", "--json", "--threshold", "0.01", "-m", "adult.cbm", "--log-format", "discard",
	)
	require.NoError(t, err)

	decoder := json.NewDecoder(strings.NewReader(stdout))
	var predictions []service.Prediction
	for decoder.More() {
		var prediction service.Prediction
		require.NoError(t, decoder.Decode(&prediction))
		predictions = append(predictions, prediction)
	}
	require.Len(t, predictions, 2)
	assert.True(t, predictions[0].Positive)
	assert.True(t, predictions[1].Positive)
	assert.Equal(t, -3.0, predictions[0].Score)
}

func TestPredictRejectsSchemaMismatch(t *testing.T) {
	backend := &narrowBackend{}
	_, _, err := runCLI(t, func(context.Context, string) (service.Backend, error) {
		return backend, nil
	}, adultRows, "predict", "-m", "adult.cbm", "--log-format", "discard")
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrShapeMismatch)
}

type narrowBackend struct {
	educationBackend
}

func (b *narrowBackend) Info() service.ModelInfo {
	return service.ModelInfo{TreeCount: 1, FloatFeatures: 5, CatFeatures: 8, Dimensions: 1}
}

func TestLogsGoToStderr(t *testing.T) {
	_, stderr, err := runCLI(t, educationOpener(&educationBackend{}), "", "info", "-m", "adult.cbm", "--log-format", "json")
	require.NoError(t, err)
	assert.Contains(t, stderr, `"msg":"model_loaded"`)
}

func TestInvalidLogLevelFails(t *testing.T) {
	_, _, err := runCLI(t, educationOpener(&educationBackend{}), "", "info", "-m", "adult.cbm", "--log-level", "loud")
	assert.Error(t, err)
}

func TestServeStopsOnCancelledContext(t *testing.T) {
	clearEnv(t)
	cfg := config.DefaultConfig()
	cfg.Model.Path = "adult.cbm"
	cfg.Server.Addr = "127.0.0.1:0"
	backend := &educationBackend{}
	a := &app{
		opener: educationOpener(backend),
		cfg:    cfg,
		logger: zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.serve(ctx))
	assert.True(t, backend.closed)
}
