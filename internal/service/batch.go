package service

import "fmt"

// FeatureBatch is the array-of-arrays layout the evaluation library expects:
// one numeric slice and one categorical slice per record, never flattened.
type FeatureBatch struct {
	Numeric     [][]float32
	Categorical [][]string
}

func (b *FeatureBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Numeric)
}

// BatchBuilder validates records against the model's declared feature counts
// while assembling a FeatureBatch.
type BatchBuilder struct {
	floatFeatures int
	catFeatures   int
	batch         FeatureBatch
	err           error
}

func NewBatchBuilder(info ModelInfo) *BatchBuilder {
	return &BatchBuilder{
		floatFeatures: info.FloatFeatures,
		catFeatures:   info.CatFeatures,
	}
}

func (b *BatchBuilder) Add(record Record) error {
	if b.err != nil {
		return b.err
	}
	index := len(b.batch.Numeric)
	if err := checkRecordShape(index, record, b.floatFeatures, b.catFeatures); err != nil {
		b.err = err
		return err
	}
	numeric := make([]float32, len(record.Numeric))
	copy(numeric, record.Numeric)
	categorical := make([]string, len(record.Categorical))
	copy(categorical, record.Categorical)
	b.batch.Numeric = append(b.batch.Numeric, numeric)
	b.batch.Categorical = append(b.batch.Categorical, categorical)
	return nil
}

func (b *BatchBuilder) Build() (*FeatureBatch, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := b.batch
	return &out, nil
}

// ValidateRecords reports the first record whose shape does not match info.
func ValidateRecords(info ModelInfo, records []Record) error {
	for idx, record := range records {
		if err := checkRecordShape(idx, record, info.FloatFeatures, info.CatFeatures); err != nil {
			return err
		}
	}
	return nil
}

func checkRecordShape(index int, record Record, floatFeatures int, catFeatures int) error {
	if len(record.Numeric) != floatFeatures {
		return fmt.Errorf(
			"%w: %w: record %d has %d numeric features, model expects %d",
			ErrPrediction,
			ErrShapeMismatch,
			index,
			len(record.Numeric),
			floatFeatures,
		)
	}
	if len(record.Categorical) != catFeatures {
		return fmt.Errorf(
			"%w: %w: record %d has %d categorical features, model expects %d",
			ErrPrediction,
			ErrShapeMismatch,
			index,
			len(record.Categorical),
			catFeatures,
		)
	}
	return nil
}
