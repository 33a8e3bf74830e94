package service

import (
	"fmt"
	"math"
)

const (
	DefaultThreshold     = 0.5
	DefaultPositiveLabel = "makes over 50K a year"
	DefaultNegativeLabel = "doesn't make over 50K a year"
)

// Sigmoid maps a raw CatBoost score to the probability of the positive class.
func Sigmoid(score float64) float64 {
	return 1.0 / (1.0 + math.Exp(-score))
}

// Decide reports whether probability is strictly above threshold.
func Decide(probability float64, threshold float64) bool {
	return probability > threshold
}

type Formatter struct {
	Threshold     float64
	PositiveLabel string
	NegativeLabel string
}

func DefaultFormatter() Formatter {
	return Formatter{
		Threshold:     DefaultThreshold,
		PositiveLabel: DefaultPositiveLabel,
		NegativeLabel: DefaultNegativeLabel,
	}
}

func (f Formatter) Validate() error {
	if math.IsNaN(f.Threshold) || math.IsInf(f.Threshold, 0) {
		return fmt.Errorf("classification threshold must be finite, got %v", f.Threshold)
	}
	return nil
}

func (f Formatter) WithThreshold(threshold float64) Formatter {
	f.Threshold = threshold
	return f
}

func (f Formatter) Format(score float64) Prediction {
	probability := Sigmoid(score)
	positive := Decide(probability, f.Threshold)
	label := f.NegativeLabel
	if positive {
		label = f.PositiveLabel
	}
	return Prediction{
		Score:       score,
		Probability: probability,
		Positive:    positive,
		Label:       label,
	}
}

func (f Formatter) FormatAll(scores []float64) []Prediction {
	out := make([]Prediction, len(scores))
	for idx, score := range scores {
		out[idx] = f.Format(score)
	}
	return out
}
