package report

import (
	"fmt"
	"strings"
)

// DocItem pairs an entity of the original text with the mask that replaced it
type DocItem struct {
	Text              string `json:"text"`
	TextStartPosition int    `json:"textStartPosition"`
	TextEndPosition   int    `json:"textEndPosition"`
	TextEntityType    string `json:"textEntityType"`
	Explanation       string `json:"explanation"`
	Mask              string `json:"mask"`
	MaskStartPosition int    `json:"maskStartPosition"`
	MaskEndPosition   int    `json:"maskEndPosition"`
	MaskOperator      string `json:"maskOperator"`
}

// DocResponse is the client view of one anonymized document
type DocResponse struct {
	ID    string    `json:"id"`
	Text  string    `json:"text"`
	Items []DocItem `json:"items"`
}

// DocsResponse is the client view of a batch
type DocsResponse struct {
	Docs []DocResponse `json:"docs"`
}

// Row is one parquet report row, an entity and its mask
type Row struct {
	DocID          string  `parquet:"doc_id"`
	Text           string  `parquet:"text"`
	Start          int64   `parquet:"start"`
	End            int64   `parquet:"end"`
	EntityType     string  `parquet:"entity_type"`
	Score          float64 `parquet:"score"`
	RecognizerName string  `parquet:"recognizer_name"`
	Mask           string  `parquet:"mask"`
	MaskStart      int64   `parquet:"mask_start"`
	MaskEnd        int64   `parquet:"mask_end"`
	MaskOperator   string  `parquet:"mask_operator"`
}

// Format is a report file format
type Format string

const (
	FormatText    Format = "text"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a configured report format
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported report format: %q", s)
	}
}
