package service

import (
	"context"
	"errors"
	"fmt"
)

// Predictor is the batch prediction adapter. It borrows a Model and never
// closes it.
type Predictor struct {
	model *Model
}

func NewPredictor(model *Model) *Predictor {
	return &Predictor{model: model}
}

func (p *Predictor) Name() string { return p.model.Info().Backend }

func (p *Predictor) Info() ModelInfo { return p.model.Info() }

// Predict scores every record with a single library call. The result has
// one raw score per record, in input order.
func (p *Predictor) Predict(ctx context.Context, records []Record) ([]float64, error) {
	info := p.model.Info()
	if info.Dimensions != 1 {
		return nil, fmt.Errorf(
			"%w: %w: model has %d output dimensions, scalar scoring needs 1",
			ErrPrediction,
			ErrUnsupportedDimension,
			info.Dimensions,
		)
	}
	builder := NewBatchBuilder(info)
	for _, record := range records {
		if err := builder.Add(record); err != nil {
			return nil, err
		}
	}
	batch, err := builder.Build()
	if err != nil {
		return nil, err
	}

	scores, err := p.model.calc(ctx, batch)
	if err != nil {
		if errors.Is(err, ErrPrediction) || errors.Is(err, ErrModelClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPrediction, err)
	}
	if len(scores) != len(records) {
		return nil, fmt.Errorf(
			"%w: %w: backend returned %d scores for %d records",
			ErrPrediction,
			ErrBackendProtocol,
			len(scores),
			len(records),
		)
	}
	return scores, nil
}

func (p *Predictor) Score(ctx context.Context, records []Record) ([]float64, error) {
	return p.Predict(ctx, records)
}

func (p *Predictor) Classify(
	ctx context.Context,
	records []Record,
	formatter Formatter,
) ([]Prediction, error) {
	scores, err := p.Predict(ctx, records)
	if err != nil {
		return nil, err
	}
	return formatter.FormatAll(scores), nil
}
