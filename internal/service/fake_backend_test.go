package service

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeBackend scores each record independently, so it has the same
// batch-invariance and determinism as the real library.
type fakeBackend struct {
	info ModelInfo
	err  error
	// gate, when set, blocks Calc until it is closed.
	gate chan struct{}

	mu         sync.Mutex
	batchSizes []int
	calls      atomic.Int64
	closes     atomic.Int64
	entered    chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		info: ModelInfo{
			TreeCount:     100,
			FloatFeatures: 6,
			CatFeatures:   8,
			Dimensions:    1,
		},
	}
}

func (b *fakeBackend) Name() string { return "fake-backend" }

func (b *fakeBackend) Info() ModelInfo { return b.info }

func (b *fakeBackend) Calc(_ context.Context, batch *FeatureBatch) ([]float64, error) {
	b.calls.Add(1)
	b.mu.Lock()
	b.batchSizes = append(b.batchSizes, batch.Len())
	b.mu.Unlock()
	if b.entered != nil {
		b.entered <- struct{}{}
	}
	if b.gate != nil {
		<-b.gate
	}
	if b.err != nil {
		return nil, b.err
	}
	out := make([]float64, 0, batch.Len()*b.info.Dimensions)
	for idx := 0; idx < batch.Len(); idx++ {
		score := fakeScore(batch.Numeric[idx], batch.Categorical[idx])
		for d := 0; d < b.info.Dimensions; d++ {
			out = append(out, score+float64(d))
		}
	}
	return out, nil
}

func (b *fakeBackend) Close() error {
	b.closes.Add(1)
	return nil
}

func (b *fakeBackend) BatchSizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.batchSizes))
	copy(out, b.batchSizes)
	return out
}

func (b *fakeBackend) opener() Opener {
	return func(_ context.Context, path string) (Backend, error) {
		info := b.info
		info.Path = path
		b.info = info
		return b, nil
	}
}

// fakeScore weights features by position so a reordered record scores
// differently, mirroring the silent-garbage hazard of the real library.
func fakeScore(numeric []float32, categorical []string) float64 {
	score := -0.5
	for idx, value := range numeric {
		score += float64(idx+1) * float64(value) * 1e-3
	}
	for idx, value := range categorical {
		score += float64(idx+1) * float64(len(value)) * 1e-2
	}
	return score
}

func adultRecordA() Record {
	return Record{
		Numeric: []float32{25, 226802, 7, 0, 0, 40},
		Categorical: []string{
			"Private", "11th", "Never-married", "Machine-op-inspct",
			"Own-child", "Black", "Male", "United-States",
		},
	}
}

func adultRecordB() Record {
	return Record{
		Numeric: []float32{40, 85019, 16, 0, 0, 45},
		Categorical: []string{
			"Private", "Doctorate", "Married-civ-spouse", "Prof-specialty",
			"Husband", "Asian-Pac-Islander", "Male", MissingCategorical,
		},
	}
}

func openFakeModel(backend *fakeBackend) (*Model, error) {
	return Open(context.Background(), "adult.cbm", WithOpener(backend.opener()))
}
