package export

import (
	"strings"
	"testing"
	"time"
)

func sampleReport() ReportData {
	return ReportData{
		Number:    "3",
		Statement: "Determine the enthalpy of neutralization",
		Authors:   "Avery Park, Blake Nguyen",
		CreatedBy: "avery",
		CreatedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Questions: []QuestionData{
			{
				Number:    "1",
				Statement: "Why does the curve flatten near the endpoint?",
				Subtopics: []SubtopicData{
					{
						Title:             "Indicator choice",
						Procedures:        "Add three drops of phenolphthalein.\nSwirl the flask.",
						Explanation:       "The indicator changes color near the equivalence point.",
						Citations:         "Chang, Chemistry, 13th ed.",
						ImageURL:          "https://figures.example.com/titration.png",
						FigureDescription: "Titration curve for a strong acid",
					},
					{
						Title:       "Heat loss",
						Explanation: "Styrofoam calorimeters leak heat to the surroundings.",
					},
				},
			},
		},
	}
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML(sampleReport())
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}

	for _, want := range []string{
		"Lab Report 3",
		"Determine the enthalpy of neutralization",
		"Avery Park, Blake Nguyen",
		"Question 1",
		"Why does the curve flatten near the endpoint?",
		"Indicator choice",
		"Add three drops of phenolphthalein.",
		"Chang, Chemistry, 13th ed.",
		"https://figures.example.com/titration.png",
		"Titration curve for a strong acid",
		"Mar 10, 2026",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}

	// The second subtopic has no procedures, citations, or figure.
	if strings.Count(html, "<figure>") != 1 {
		t.Errorf("expected exactly one figure, got %d", strings.Count(html, "<figure>"))
	}
}

func TestRenderHTMLEscapesUserText(t *testing.T) {
	data := sampleReport()
	data.Statement = `Reaction of <script>alert("x")</script> & friends`

	html, err := RenderHTML(data)
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}

	if strings.Contains(html, "<script>alert") {
		t.Error("user text was rendered as raw HTML")
	}
	if !strings.Contains(html, "&lt;script&gt;") {
		t.Error("expected user text to be escaped")
	}
}

func TestExportHTMLFormat(t *testing.T) {
	result, err := Export(sampleReport(), FormatHTML)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "lab-report-3.html" {
		t.Errorf("Filename = %q", result.Filename)
	}
	if result.MimeType != "text/html; charset=utf-8" {
		t.Errorf("MimeType = %q", result.MimeType)
	}
	if !strings.Contains(string(result.Data), "Lab Report 3") {
		t.Error("exported HTML missing report heading")
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	if _, err := Export(sampleReport(), Format("rtf")); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"", FormatPDF, false},
		{"html", FormatHTML, false},
		{"pdf", FormatPDF, false},
		{"docx", FormatDOCX, false},
		{"rtf", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFormat(%q) expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFormat(%q) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"lab-report-3", "lab-report-3"},
		{"Report 4.2", "Report-42"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "lab-report"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"", ""},                               // Empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
