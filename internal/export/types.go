// Package export renders a lab report as HTML, PDF, or DOCX.
package export

import (
	"errors"
	"fmt"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat maps a query-string value to a Format. An empty value
// defaults to PDF.
func ParseFormat(value string) (Format, error) {
	switch value {
	case "":
		return FormatPDF, nil
	case string(FormatHTML):
		return FormatHTML, nil
	case string(FormatPDF):
		return FormatPDF, nil
	case string(FormatDOCX):
		return FormatDOCX, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", value)
	}
}

// ReportData is the assembled report tree handed to the renderer.
type ReportData struct {
	Number    string
	Statement string
	Authors   string
	CreatedBy string
	CreatedAt time.Time
	Questions []QuestionData
}

// QuestionData is one question with its subtopics.
type QuestionData struct {
	Number    string
	Statement string
	Subtopics []SubtopicData
}

// SubtopicData is one subtopic section.
type SubtopicData struct {
	Title             string
	Procedures        string
	Explanation       string
	Citations         string
	ImageURL          string
	FigureDescription string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

// Export renders the report and converts it to the requested format.
func Export(data ReportData, format Format) (*Result, error) {
	html, err := RenderHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := sanitizeFilename("lab-report-" + data.Number)

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: base + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, base)
	case FormatDOCX:
		return exportDOCX(html, base)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
