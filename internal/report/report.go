// Package report converts anonymized documents into client responses and
// report files.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/hebrew-safe-harbor/internal/document"
)

// ErrMisaligned is returned when a document's entities and masks cannot be paired
var ErrMisaligned = errors.New("entities and masks are not aligned")

// BuildDocResponse pairs each entity with its mask. Entity text is cut from
// the original text, mask offsets are reported against the anonymized text.
func BuildDocResponse(doc document.OutputDocument) (DocResponse, error) {
	if len(doc.Entities) != len(doc.Masks) {
		return DocResponse{}, fmt.Errorf("%w: %s has %d entities and %d masks",
			ErrMisaligned, doc.ID, len(doc.Entities), len(doc.Masks))
	}

	items := make([]DocItem, len(doc.Entities))
	for i, e := range doc.Entities {
		m := doc.Masks[i]
		items[i] = DocItem{
			Text:              document.Substring(doc.OriginalText, e.Start, e.End),
			TextStartPosition: e.Start,
			TextEndPosition:   e.End,
			TextEntityType:    e.EntityType,
			Explanation:       e.RecognizerName,
			Mask:              m.Text,
			MaskStartPosition: m.Start,
			MaskEndPosition:   m.End,
			MaskOperator:      m.Operator,
		}
	}

	return DocResponse{ID: doc.ID, Text: doc.AnonymizedText, Items: items}, nil
}

// BuildDocsResponse converts a whole batch
func BuildDocsResponse(docs []document.OutputDocument) (DocsResponse, error) {
	resp := DocsResponse{Docs: make([]DocResponse, 0, len(docs))}
	for _, doc := range docs {
		d, err := BuildDocResponse(doc)
		if err != nil {
			return DocsResponse{}, err
		}
		resp.Docs = append(resp.Docs, d)
	}
	return resp, nil
}

// Write renders the report for docs in the given format
func Write(w io.Writer, format Format, docs []document.OutputDocument) error {
	switch format {
	case FormatText:
		return WriteText(w, docs)
	case FormatJSON:
		resp, err := BuildDocsResponse(docs)
		if err != nil {
			return err
		}
		if len(resp.Docs) == 1 {
			return WriteJSON(w, resp.Docs[0])
		}
		return WriteJSON(w, resp)
	case FormatParquet:
		return WriteParquet(w, docs)
	default:
		return fmt.Errorf("unsupported report format: %q", format)
	}
}

// WriteText writes one line per entity:
// Entity: <type>, Start: <n>, End: <n>, Score: <f>
func WriteText(w io.Writer, docs []document.OutputDocument) error {
	var lines []string
	for _, doc := range docs {
		for _, e := range doc.Entities {
			lines = append(lines, fmt.Sprintf("Entity: %s, Start: %d, End: %d, Score: %s",
				e.EntityType, e.Start, e.End, formatScore(e.Score)))
		}
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n"))
	return err
}

// WriteJSON writes v as indented JSON with non-ASCII text and placeholder
// brackets left unescaped
func WriteJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "    ")
	return encoder.Encode(v)
}

// WriteParquet writes one row per entity and mask pair
func WriteParquet(w io.Writer, docs []document.OutputDocument) error {
	rows, err := Rows(docs)
	if err != nil {
		return err
	}

	writer := parquet.NewGenericWriter[Row](w)
	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// Rows flattens documents into parquet rows
func Rows(docs []document.OutputDocument) ([]Row, error) {
	var rows []Row
	for _, doc := range docs {
		if len(doc.Entities) != len(doc.Masks) {
			return nil, fmt.Errorf("%w: %s has %d entities and %d masks",
				ErrMisaligned, doc.ID, len(doc.Entities), len(doc.Masks))
		}
		for i, e := range doc.Entities {
			m := doc.Masks[i]
			rows = append(rows, Row{
				DocID:          doc.ID,
				Text:           document.Substring(doc.OriginalText, e.Start, e.End),
				Start:          int64(e.Start),
				End:            int64(e.End),
				EntityType:     e.EntityType,
				Score:          e.Score,
				RecognizerName: e.RecognizerName,
				Mask:           m.Text,
				MaskStart:      int64(m.Start),
				MaskEnd:        int64(m.End),
				MaskOperator:   m.Operator,
			})
		}
	}
	return rows, nil
}

// formatScore prints whole scores with a trailing ".0"
func formatScore(score float64) string {
	s := strconv.FormatFloat(score, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
