// Package document holds the records exchanged with the de-identification
// engine. Offsets are Unicode code point indices, the unit the engine
// reports: entity offsets index the original text, mask offsets index the
// anonymized text.
package document

import (
	"fmt"
	"unicode/utf8"
)

// InputDocument is a document submitted for anonymization
type InputDocument struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// EntityMention is a recognized entity, a half-open range into the original text
type EntityMention struct {
	Start          int     `json:"start"`
	End            int     `json:"end"`
	EntityType     string  `json:"entity_type"`
	Score          float64 `json:"score"`
	RecognizerName string  `json:"recognizer_name"`
}

// Mask is a replacement applied by the engine, a range into the anonymized text
type Mask struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
	Operator   string `json:"operator"`
	EntityType string `json:"entity_type,omitempty"`
}

// OutputDocument is the engine's result for one InputDocument. Entities and
// Masks are positionally aligned: Masks[i] is the replacement for Entities[i].
type OutputDocument struct {
	ID             string          `json:"id"`
	OriginalText   string          `json:"original_text"`
	AnonymizedText string          `json:"anonymized_text"`
	Entities       []EntityMention `json:"entities"`
	Masks          []Mask          `json:"masks"`
}

// ValidationError reports a malformed input document
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid document: %s %s", e.Field, e.Message)
}

// FromMap builds an InputDocument from an untyped mapping. "text" is
// required and must be a string, "id" is optional.
func FromMap(m map[string]any) (InputDocument, error) {
	raw, ok := m["text"]
	if !ok {
		return InputDocument{}, &ValidationError{Field: "text", Message: "is required"}
	}
	text, ok := raw.(string)
	if !ok {
		return InputDocument{}, &ValidationError{Field: "text", Message: fmt.Sprintf("must be a string, got %T", raw)}
	}

	doc := InputDocument{Text: text}
	if rawID, ok := m["id"]; ok && rawID != nil {
		id, ok := rawID.(string)
		if !ok {
			return InputDocument{}, &ValidationError{Field: "id", Message: fmt.Sprintf("must be a string, got %T", rawID)}
		}
		doc.ID = id
	}

	if !utf8.ValidString(doc.Text) {
		return InputDocument{}, &ValidationError{Field: "text", Message: "is not valid UTF-8"}
	}

	return doc, nil
}

// ToMap serializes the document back to an untyped mapping
func (d InputDocument) ToMap() map[string]any {
	return map[string]any{
		"id":   d.ID,
		"text": d.Text,
	}
}

// ToMap serializes the output document to an untyped mapping
func (d OutputDocument) ToMap() map[string]any {
	entities := make([]map[string]any, len(d.Entities))
	for i, e := range d.Entities {
		entities[i] = map[string]any{
			"start":           e.Start,
			"end":             e.End,
			"entity_type":     e.EntityType,
			"score":           e.Score,
			"recognizer_name": e.RecognizerName,
		}
	}

	masks := make([]map[string]any, len(d.Masks))
	for i, m := range d.Masks {
		masks[i] = map[string]any{
			"start":    m.Start,
			"end":      m.End,
			"text":     m.Text,
			"operator": m.Operator,
		}
	}

	return map[string]any{
		"id":              d.ID,
		"original_text":   d.OriginalText,
		"anonymized_text": d.AnonymizedText,
		"entities":        entities,
		"masks":           masks,
	}
}

// Substring returns text[start:end] in code points. Out-of-range bounds are clamped.
func Substring(text string, start, end int) string {
	runes := []rune(text)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

// Length returns the length of text in code points
func Length(text string) int {
	return utf8.RuneCountInString(text)
}
