package email

import (
	"html/template"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderShareTemplate(t *testing.T) {
	data := ShareData{
		AppName:      "LabDesk",
		ReportNumber: "3",
		SharedBy:     "avery",
		Message:      "Here is the draft before Friday's session.",
		ReportHTML:   template.HTML("<h1>Lab Report 3</h1><p>Determine the enthalpy.</p>"),
	}

	html, err := renderTemplate(shareEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "LabDesk") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "avery shared Lab Report 3") {
		t.Error("template should name the sharer and report")
	}
	if !strings.Contains(html, "Here is the draft before Friday&#39;s session.") &&
		!strings.Contains(html, "Here is the draft before Friday's session.") {
		t.Error("template should contain the personal message")
	}
	if !strings.Contains(html, "<h1>Lab Report 3</h1>") {
		t.Error("report HTML should be embedded unescaped")
	}
}

func TestRenderShareTemplateWithoutMessage(t *testing.T) {
	data := ShareData{
		AppName:      "LabDesk",
		ReportNumber: "4",
		SharedBy:     "blake",
		ReportHTML:   template.HTML("<p>body</p>"),
	}

	html, err := renderTemplate(shareEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if strings.Contains(html, `class="note"`) {
		t.Error("note block should be omitted when there is no message")
	}
}
