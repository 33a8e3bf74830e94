package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakePredictor(t *testing.T) (*Predictor, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	model, err := openFakeModel(backend)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = model.Close()
	})
	return NewPredictor(model), backend
}

func TestPredictBatchMatchesSingleRecordScores(t *testing.T) {
	predictor, _ := newFakePredictor(t)
	ctx := context.Background()

	soloA, err := predictor.Predict(ctx, []Record{adultRecordA()})
	require.NoError(t, err)
	soloB, err := predictor.Predict(ctx, []Record{adultRecordB()})
	require.NoError(t, err)
	batch, err := predictor.Predict(ctx, []Record{adultRecordA(), adultRecordB()})
	require.NoError(t, err)

	require.Len(t, batch, 2)
	assert.Equal(t, soloA[0], batch[0])
	assert.Equal(t, soloB[0], batch[1])
}

func TestPredictIsDeterministic(t *testing.T) {
	predictor, _ := newFakePredictor(t)
	records := []Record{adultRecordA(), adultRecordB(), adultRecordA()}

	first, err := predictor.Predict(context.Background(), records)
	require.NoError(t, err)
	second, err := predictor.Predict(context.Background(), records)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("scores changed between calls (-first +second):\n%s", diff)
	}
}

func TestPredictUsesOneLibraryCallPerBatch(t *testing.T) {
	predictor, backend := newFakePredictor(t)
	records := make([]Record, 0, 17)
	for idx := 0; idx < 17; idx++ {
		records = append(records, adultRecordA())
	}

	scores, err := predictor.Predict(context.Background(), records)
	require.NoError(t, err)
	assert.Len(t, scores, 17)
	assert.EqualValues(t, 1, backend.calls.Load())
	assert.Equal(t, []int{17}, backend.BatchSizes())
}

func TestPredictEmptyBatchSkipsLibrary(t *testing.T) {
	predictor, backend := newFakePredictor(t)

	scores, err := predictor.Predict(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.Zero(t, backend.calls.Load())
}

func TestPredictRejectsShapeMismatchBeforeCalling(t *testing.T) {
	predictor, backend := newFakePredictor(t)
	short := adultRecordB()
	short.Categorical = short.Categorical[:7]

	_, err := predictor.Predict(context.Background(), []Record{adultRecordA(), short})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrediction)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), "record 1")
	assert.Zero(t, backend.calls.Load())
}

func TestPredictRejectsMultiDimensionalModel(t *testing.T) {
	backend := newFakeBackend()
	backend.info.Dimensions = 3
	model, err := openFakeModel(backend)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = model.Close()
	})

	_, err = NewPredictor(model).Predict(context.Background(), []Record{adultRecordA()})
	assert.ErrorIs(t, err, ErrUnsupportedDimension)
	assert.Zero(t, backend.calls.Load())
}

func TestPredictWrapsLibraryFailure(t *testing.T) {
	predictor, backend := newFakePredictor(t)
	backend.err = errors.New("CalcModelPrediction error message: bad categorical hash")

	_, err := predictor.Predict(context.Background(), []Record{adultRecordA()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrediction)
	assert.Contains(t, err.Error(), "bad categorical hash")
}

func TestClassifyFormatsScores(t *testing.T) {
	predictor, _ := newFakePredictor(t)
	records := []Record{adultRecordA(), adultRecordB()}

	scores, err := predictor.Predict(context.Background(), records)
	require.NoError(t, err)
	predictions, err := predictor.Classify(context.Background(), records, DefaultFormatter())
	require.NoError(t, err)

	want := DefaultFormatter().FormatAll(scores)
	if diff := cmp.Diff(want, predictions); diff != "" {
		t.Fatalf("predictions mismatch (-want +got):\n%s", diff)
	}
}

func TestPredictorDoesNotCloseModel(t *testing.T) {
	predictor, backend := newFakePredictor(t)
	_, err := predictor.Predict(context.Background(), []Record{adultRecordA()})
	require.NoError(t, err)
	assert.Zero(t, backend.closes.Load())
	assert.Equal(t, "fake-backend", predictor.Name())
}
