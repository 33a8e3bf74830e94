//go:build catboost && cgo

package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testModelEnv points at an adult.cbm trained with the CatBoost tutorial.
const testModelEnv = "APPLY_MODEL_TEST_MODEL"

func openAdultModel(t *testing.T) *Model {
	t.Helper()
	path := os.Getenv(testModelEnv)
	if path == "" {
		t.Skipf("%s is not set", testModelEnv)
	}
	model, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = model.Close()
	})
	return model
}

func TestCatBoostAdultMetadata(t *testing.T) {
	model := openAdultModel(t)
	assert.Equal(t, "catboost-cgo", model.Info().Backend)
	assert.Positive(t, model.TreeCount())
	assert.Equal(t, 6, model.FloatFeaturesCount())
	assert.Equal(t, 8, model.CatFeaturesCount())
	assert.Equal(t, 1, model.DimensionsCount())
}

func TestCatBoostAdultScenarios(t *testing.T) {
	model := openAdultModel(t)
	predictor := NewPredictor(model)
	formatter := DefaultFormatter()
	ctx := context.Background()

	soloA, err := predictor.Predict(ctx, []Record{adultRecordA()})
	require.NoError(t, err)
	soloB, err := predictor.Predict(ctx, []Record{adultRecordB()})
	require.NoError(t, err)
	batch, err := predictor.Predict(ctx, []Record{adultRecordA(), adultRecordB()})
	require.NoError(t, err)

	assert.False(t, formatter.Format(soloA[0]).Positive)
	assert.True(t, formatter.Format(soloB[0]).Positive)
	assert.Equal(t, soloA[0], batch[0])
	assert.Equal(t, soloB[0], batch[1])
}

func TestCatBoostMissingFileCarriesDiagnostic(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.cbm"))
	require.ErrorIs(t, err, ErrLoad)
	assert.Contains(t, err.Error(), "LoadFullModelFromFile error message:")
}

func TestCatBoostCloseThenPredict(t *testing.T) {
	model := openAdultModel(t)
	require.NoError(t, model.Close())
	_, err := NewPredictor(model).Predict(context.Background(), []Record{adultRecordA()})
	assert.ErrorIs(t, err, ErrModelClosed)
}
