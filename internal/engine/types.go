package engine

import "fmt"

// analyzeRequest is the Presidio analyzer /analyze payload
type analyzeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`
	Entities       []string `json:"entities,omitempty"`
}

// recognizerResult is one entry of the analyzer response
type recognizerResult struct {
	EntityType          string  `json:"entity_type"`
	Start               int     `json:"start"`
	End                 int     `json:"end"`
	Score               float64 `json:"score"`
	AnalysisExplanation *struct {
		Recognizer string `json:"recognizer"`
	} `json:"analysis_explanation,omitempty"`
	RecognitionMetadata *struct {
		RecognizerName string `json:"recognizer_name"`
	} `json:"recognition_metadata,omitempty"`
}

// recognizer returns the name of the recognizer that produced the result
func (r recognizerResult) recognizer() string {
	if r.AnalysisExplanation != nil && r.AnalysisExplanation.Recognizer != "" {
		return r.AnalysisExplanation.Recognizer
	}
	if r.RecognitionMetadata != nil {
		return r.RecognitionMetadata.RecognizerName
	}
	return ""
}

// operatorConfig configures one Presidio anonymizer operator
type operatorConfig struct {
	Type     string `json:"type"`
	NewValue string `json:"new_value,omitempty"`
}

// analyzerResultRef is the subset of a recognizer result the anonymizer accepts
type analyzerResultRef struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
	EntityType string  `json:"entity_type"`
}

// anonymizeRequest is the Presidio anonymizer /anonymize payload
type anonymizeRequest struct {
	Text            string                    `json:"text"`
	Anonymizers     map[string]operatorConfig `json:"anonymizers"`
	AnalyzerResults []analyzerResultRef       `json:"analyzer_results"`
}

// anonymizeResponse is the Presidio anonymizer response
type anonymizeResponse struct {
	Text  string           `json:"text"`
	Items []anonymizedItem `json:"items"`
}

// anonymizedItem is one replacement reported by the anonymizer
type anonymizedItem struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	EntityType string `json:"entity_type"`
	Text       string `json:"text"`
	Operator   string `json:"operator"`
}

// UpstreamError reports a non-2xx response from a Presidio service
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}
