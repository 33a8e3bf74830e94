package service

import "context"

// Backend is the boundary to the external model-evaluation library. A
// Backend owns exactly one native handle.
type Backend interface {
	Name() string
	Info() ModelInfo
	// Calc evaluates the whole batch in one library call and returns
	// len(batch)*Info().Dimensions raw values, record-major.
	Calc(ctx context.Context, batch *FeatureBatch) ([]float64, error)
	Close() error
}

// Opener creates a Backend for a resolved model path.
type Opener func(ctx context.Context, path string) (Backend, error)

// Scorer turns records into raw scores, one per record, in input order.
type Scorer interface {
	Name() string
	Info() ModelInfo
	Score(ctx context.Context, records []Record) ([]float64, error)
}
