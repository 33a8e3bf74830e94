package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type ColumnKind string

const (
	ColumnNumeric     ColumnKind = "numeric"
	ColumnCategorical ColumnKind = "categorical"
	ColumnIgnore      ColumnKind = "ignore"
)

type Column struct {
	Name string     `yaml:"name" json:"name"`
	Kind ColumnKind `yaml:"kind" json:"kind"`
}

// Schema maps a dataset row to a Record. Columns are listed in source order;
// numeric and categorical columns keep their relative order in the Record.
type Schema struct {
	Columns      []Column `yaml:"columns" json:"columns"`
	MissingToken string   `yaml:"missing_token" json:"missing_token"`
	MissingValue string   `yaml:"missing_value" json:"missing_value"`
}

// DefaultAdultSchema describes the UCI Adult rows in adult.data / adult.test.
func DefaultAdultSchema() Schema {
	return Schema{
		Columns: []Column{
			{Name: "age", Kind: ColumnNumeric},
			{Name: "workclass", Kind: ColumnCategorical},
			{Name: "fnlwgt", Kind: ColumnNumeric},
			{Name: "education", Kind: ColumnCategorical},
			{Name: "education-num", Kind: ColumnNumeric},
			{Name: "marital-status", Kind: ColumnCategorical},
			{Name: "occupation", Kind: ColumnCategorical},
			{Name: "relationship", Kind: ColumnCategorical},
			{Name: "race", Kind: ColumnCategorical},
			{Name: "sex", Kind: ColumnCategorical},
			{Name: "capital-gain", Kind: ColumnNumeric},
			{Name: "capital-loss", Kind: ColumnNumeric},
			{Name: "hours-per-week", Kind: ColumnNumeric},
			{Name: "native-country", Kind: ColumnCategorical},
			{Name: "income", Kind: ColumnIgnore},
		},
		MissingToken: "?",
		MissingValue: MissingCategorical,
	}
}

func (s Schema) NumericCount() int { return s.count(ColumnNumeric) }

func (s Schema) CategoricalCount() int { return s.count(ColumnCategorical) }

func (s Schema) count(kind ColumnKind) int {
	total := 0
	for _, column := range s.Columns {
		if column.Kind == kind {
			total++
		}
	}
	return total
}

func (s Schema) Check() error {
	if len(s.Columns) == 0 {
		return errors.New("schema has no columns")
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for idx, column := range s.Columns {
		name := strings.TrimSpace(column.Name)
		if name == "" {
			return fmt.Errorf("schema column %d has no name", idx)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("schema column %q is duplicated", name)
		}
		seen[name] = struct{}{}
		switch column.Kind {
		case ColumnNumeric, ColumnCategorical, ColumnIgnore:
		default:
			return fmt.Errorf("schema column %q has unsupported kind %q", name, column.Kind)
		}
	}
	return nil
}

// Validate checks the schema against the loaded model's feature counts.
// Only counts can be verified; the library does not expose feature names.
func (s Schema) Validate(info ModelInfo) error {
	if got := s.NumericCount(); got != info.FloatFeatures {
		return fmt.Errorf(
			"%w: schema declares %d numeric columns, model expects %d",
			ErrShapeMismatch,
			got,
			info.FloatFeatures,
		)
	}
	if got := s.CategoricalCount(); got != info.CatFeatures {
		return fmt.Errorf(
			"%w: schema declares %d categorical columns, model expects %d",
			ErrShapeMismatch,
			got,
			info.CatFeatures,
		)
	}
	return nil
}

func (s Schema) ParseRow(fields []string) (Record, error) {
	if len(fields) != len(s.Columns) {
		return Record{}, fmt.Errorf("row has %d fields, schema has %d columns", len(fields), len(s.Columns))
	}
	record := Record{
		Numeric:     make([]float32, 0, s.NumericCount()),
		Categorical: make([]string, 0, s.CategoricalCount()),
	}
	for idx, column := range s.Columns {
		value := strings.TrimSpace(fields[idx])
		switch column.Kind {
		case ColumnNumeric:
			parsed, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return Record{}, fmt.Errorf("column %q: parsing float %q: %w", column.Name, value, err)
			}
			record.Numeric = append(record.Numeric, float32(parsed))
		case ColumnCategorical:
			if value == "" || (s.MissingToken != "" && value == s.MissingToken) {
				value = s.missingValue()
			}
			record.Categorical = append(record.Categorical, value)
		}
	}
	return record, nil
}

func (s Schema) missingValue() string {
	if s.MissingValue == "" {
		return MissingCategorical
	}
	return s.MissingValue
}

// ReadRecords parses CSV rows in the adult.test layout. Lines starting with
// '|' are comments.
func (s Schema) ReadRecords(reader io.Reader) ([]Record, error) {
	csvReader := csv.NewReader(reader)
	csvReader.Comment = '|'
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	var records []Record
	for {
		fields, err := csvReader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("reading: %w", err)
		}
		record, err := s.ParseRow(fields)
		if err != nil {
			line, _ := csvReader.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, record)
	}
	return records, nil
}
