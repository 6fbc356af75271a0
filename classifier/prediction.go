package classifier

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ClassProbability is the score of one class.
type ClassProbability struct {
	Class                string  `json:"class"`
	Confidence           float64 `json:"confidence"`
	ConfidencePercentage float64 `json:"confidence_percentage"`
}

// Prediction is the classification payload produced by the inference
// server.
type Prediction struct {
	PredictedClass       string             `json:"predicted_class"`
	Category             string             `json:"category"`
	Subtype              *string            `json:"subtype"`
	Confidence           float64            `json:"confidence"`
	ConfidencePercentage float64            `json:"confidence_percentage"`
	ConfidenceLevel      string             `json:"confidence_level"`
	AllProbabilities     []ClassProbability `json:"all_probabilities"`
	Explanation          string             `json:"explanation"`
	Recommendations      []string           `json:"recommendations"`
	ModelVersion         string             `json:"model_version"`
	ModelName            string             `json:"model_name"`
}

// DecodePrediction parses the payload of a successful Result.
func DecodePrediction(res Result) (*Prediction, error) {
	if !res.Success {
		return nil, fmt.Errorf("classifier: result is a failure (%s): %s", res.Code, res.Error)
	}
	if len(res.Data) == 0 {
		return nil, errors.New("classifier: result has no data")
	}

	var p Prediction
	if err := json.Unmarshal(res.Data, &p); err != nil {
		return nil, fmt.Errorf("classifier: decode prediction: %w", err)
	}
	return &p, nil
}
