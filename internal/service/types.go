package service

// MissingCategorical is the placeholder substituted for absent categorical
// values when the Adult model was trained.
const MissingCategorical = "nan"

// ModelInfo is the metadata captured when a model is loaded.
type ModelInfo struct {
	Path          string `json:"path"`
	Backend       string `json:"backend"`
	TreeCount     int    `json:"tree_count"`
	FloatFeatures int    `json:"float_features"`
	CatFeatures   int    `json:"cat_features"`
	Dimensions    int    `json:"dimensions"`
}

// Record is one object to score. Both slices must follow the feature order
// used at training time; a reordered record yields a valid-looking but wrong
// score.
type Record struct {
	Numeric     []float32 `json:"numeric"`
	Categorical []string  `json:"categorical"`
}

type PredictRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	Records   []Record `json:"records"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type Prediction struct {
	Score       float64 `json:"score"`
	Probability float64 `json:"probability"`
	Positive    bool    `json:"positive"`
	Label       string  `json:"label"`
}

type PredictResponse struct {
	RequestID   string       `json:"request_id"`
	Backend     string       `json:"backend"`
	Predictions []Prediction `json:"predictions"`
	LatencyMS   float64      `json:"latency_ms"`
}
