package reasoner

import (
	"strings"
	"testing"

	"github.com/longregen/linnix/internal/insights"
)

func TestParseAndValidateAccepts120CharMultibyteWhy(t *testing.T) {
	// 120 characters, 240 bytes: the limit is characters, not bytes.
	why := strings.Repeat("é", 120)
	raw := `{"class": "cpu_spin", "confidence": 0.7, "primary_process": null, "why": "` + why + `", "actions": []}`

	insight, err := ParseAndValidate(raw)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if insight.Class != insights.ClassCPUSpin {
		t.Fatalf("Class = %q, want cpu_spin", insight.Class)
	}
}

func TestParseAndValidateRejects121CharWhy(t *testing.T) {
	raw := `{"class": "cpu_spin", "confidence": 0.7, "primary_process": null, "why": "` + strings.Repeat("x", 121) + `", "actions": []}`
	if _, err := ParseAndValidate(raw); err == nil {
		t.Fatal("ParseAndValidate with 121-char why = nil error, want error")
	}
}

func TestParseAndValidateRejectsUnknownClass(t *testing.T) {
	raw := `{"class": "memory_leak", "confidence": 0.7, "primary_process": null, "why": "w", "actions": []}`
	if _, err := ParseAndValidate(raw); err == nil {
		t.Fatal("ParseAndValidate with grammar-only class = nil error, want error")
	}
}

func TestParseAndValidateRejectsTooManyActions(t *testing.T) {
	raw := `{"class": "normal", "confidence": 0.1, "primary_process": null, "why": "quiet", "actions": ["a", "b", "c", "d"]}`
	if _, err := ParseAndValidate(raw); err == nil {
		t.Fatal("ParseAndValidate with 4 actions = nil error, want error")
	}
}

func TestParseAndValidateRejectsOutOfRangeConfidence(t *testing.T) {
	raw := `{"class": "normal", "confidence": 1.5, "primary_process": null, "why": "quiet", "actions": []}`
	if _, err := ParseAndValidate(raw); err == nil {
		t.Fatal("ParseAndValidate with confidence 1.5 = nil error, want error")
	}
}
