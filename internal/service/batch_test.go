package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchBuilderKeepsRecordOrder(t *testing.T) {
	builder := NewBatchBuilder(newFakeBackend().Info())
	require.NoError(t, builder.Add(adultRecordA()))
	require.NoError(t, builder.Add(adultRecordB()))

	batch, err := builder.Build()
	require.NoError(t, err)
	require.Equal(t, 2, batch.Len())
	assert.Equal(t, adultRecordA().Numeric, batch.Numeric[0])
	assert.Equal(t, adultRecordB().Categorical, batch.Categorical[1])
}

func TestBatchBuilderCopiesRecords(t *testing.T) {
	builder := NewBatchBuilder(newFakeBackend().Info())
	record := adultRecordA()
	require.NoError(t, builder.Add(record))
	record.Numeric[0] = 99
	record.Categorical[0] = "State-gov"

	batch, err := builder.Build()
	require.NoError(t, err)
	assert.Equal(t, float32(25), batch.Numeric[0][0])
	assert.Equal(t, "Private", batch.Categorical[0][0])
}

func TestBatchBuilderStopsAtFirstBadRecord(t *testing.T) {
	builder := NewBatchBuilder(newFakeBackend().Info())
	bad := adultRecordA()
	bad.Numeric = append(bad.Numeric, 1)

	require.NoError(t, builder.Add(adultRecordB()))
	err := builder.Add(bad)
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), "record 1 has 7 numeric features")

	assert.ErrorIs(t, builder.Add(adultRecordA()), ErrShapeMismatch)
	_, err = builder.Build()
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestValidateRecords(t *testing.T) {
	info := newFakeBackend().Info()
	tests := []struct {
		name    string
		records []Record
		wantErr bool
	}{
		{name: "empty", records: nil},
		{name: "valid", records: []Record{adultRecordA(), adultRecordB()}},
		{name: "missing categorical", records: []Record{{Numeric: adultRecordA().Numeric}}, wantErr: true},
		{name: "missing numeric", records: []Record{{Categorical: adultRecordA().Categorical}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRecords(info, tc.records)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrShapeMismatch)
				assert.ErrorIs(t, err, ErrPrediction)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFeatureBatchLenNil(t *testing.T) {
	var batch *FeatureBatch
	assert.Zero(t, batch.Len())
}
