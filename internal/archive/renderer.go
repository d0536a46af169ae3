package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/ctrls/intake/internal/domain/submission"
)

// ErrRenderingFailed wraps every failure to produce the document
var ErrRenderingFailed = errors.New("document rendering failed")

// Renderer turns a submission into a printable document
type Renderer interface {
	Render(l *submission.Loaded) ([]byte, error)
}

// PDFRenderer renders the anamnesis summary as an A4 PDF
type PDFRenderer struct {
	// Compress deflates page streams
	Compress bool
}

// NewPDFRenderer returns a renderer producing compressed PDFs
func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{Compress: true}
}

// Render lays out the clinic name, patient header, form title and one line per
// answer in key order.
func (r *PDFRenderer) Render(l *submission.Loaded) ([]byte, error) {
	answers, err := answerLines(l.Submission.Answers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderingFailed, err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.Compress)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	title := "Anamnese - " + l.Submission.Patient.Name
	pdf.SetTitle(title, true)
	pdf.SetCreator(l.Template.Tenant.Name, true)
	pdf.AddPage()

	if name := l.Template.Tenant.Name; name != "" {
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.CellFormat(0, 6, tr(name), "", 1, "R", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
		pdf.Ln(2)
	}

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 8, tr(title), "", "L", false)

	pdf.SetFont("Helvetica", "", 12)
	pdf.MultiCell(0, 6, tr("CPF: "+l.Submission.Patient.Identifier), "", "L", false)
	pdf.MultiCell(0, 6, tr("Formulário: "+l.Template.Title), "", "L", false)
	pdf.Ln(6)

	for _, line := range answers {
		pdf.MultiCell(0, 6, tr(line), "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderingFailed, err)
	}
	return buf.Bytes(), nil
}

// answerLines formats a JSON object as sorted "key: value" lines. String
// values are printed bare; anything else as compact JSON.
func answerLines(raw json.RawMessage) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("answers are not a JSON object: %w", err)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+answerValue(obj[k]))
	}
	return lines, nil
}

func answerValue(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return strings.TrimSpace(string(v))
	}
	return buf.String()
}
