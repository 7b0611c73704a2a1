// Package suggest holds the prediction values shared by the API client,
// the live channel and the coordinator.
package suggest

// Prediction is one ranked guess at the user's next question
type Prediction struct {
	Question   string  `json:"question"`
	Confidence float64 `json:"confidence"`
}

// Set is the active suggestion set for a session
type Set struct {
	PredictedQuestion string
	Confidence        float64
	Topics            []string
	Predictions       []Prediction
}

// NewSet builds a suggestion set. A nil ranked list is synthesized from the
// top question so renderers always have something to show.
func NewSet(question string, confidence float64, topics []string, predictions []Prediction) Set {
	confidence = clamp(confidence)
	if predictions == nil {
		predictions = []Prediction{{Question: question, Confidence: confidence}}
	}
	ranked := make([]Prediction, len(predictions))
	for i, p := range predictions {
		ranked[i] = Prediction{Question: p.Question, Confidence: clamp(p.Confidence)}
	}
	return Set{
		PredictedQuestion: question,
		Confidence:        confidence,
		Topics:            append([]string(nil), topics...),
		Predictions:       ranked,
	}
}

// Top returns at most n ranked predictions
func (s Set) Top(n int) []Prediction {
	if n < 0 || n >= len(s.Predictions) {
		return s.Predictions
	}
	return s.Predictions[:n]
}

// Clone returns a deep copy of s
func (s Set) Clone() Set {
	s.Topics = append([]string(nil), s.Topics...)
	s.Predictions = append([]Prediction(nil), s.Predictions...)
	return s
}

// PrecomputedAnswer is an answer prepared ahead of time for a predicted question
type PrecomputedAnswer struct {
	ID       string
	Answer   string
	Question string
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
