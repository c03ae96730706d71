package reasoner

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/longregen/linnix/internal/insights"
)

// ParseAndValidate decodes a raw model response as a single Insight object
// and checks it against the authoritative schema (internal/insights.Class's
// ValidClasses, not InsightGrammar's narrower GBNF list — see grammar.go).
// Returns a descriptive error on any violation; callers feed that error
// description into the one-shot fix-up prompt (see prompt.go's
// buildFixPrompt).
func ParseAndValidate(raw string) (insights.Insight, error) {
	raw = strings.TrimSpace(raw)

	var wire rawInsight
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return insights.Insight{}, fmt.Errorf("response is not a single valid JSON object: %w", err)
	}

	class := insights.Class(strings.ToLower(strings.TrimSpace(wire.Class)))
	if !class.IsValid() {
		return insights.Insight{}, fmt.Errorf("class %q is not one of the enumerated classes", wire.Class)
	}

	if wire.Confidence < 0 || wire.Confidence > 1 {
		return insights.Insight{}, fmt.Errorf("confidence %v out of range [0,1]", wire.Confidence)
	}

	why := strings.TrimSpace(wire.Why)
	if n := utf8.RuneCountInString(why); n == 0 || n > 120 {
		return insights.Insight{}, fmt.Errorf("why must be 1..120 chars, got %d", n)
	}

	if len(wire.Actions) > 3 {
		return insights.Insight{}, fmt.Errorf("actions must have at most 3 entries, got %d", len(wire.Actions))
	}

	return insights.Insight{
		Class:          class,
		Confidence:     wire.Confidence,
		PrimaryProcess: wire.PrimaryProcess,
		Why:            why,
		Actions:        wire.Actions,
	}, nil
}

// rawInsight is the wire shape decoded directly from the model's JSON
// response, before class-case-folding and field-length validation.
type rawInsight struct {
	Class          string   `json:"class"`
	Confidence     float64  `json:"confidence"`
	PrimaryProcess *string  `json:"primary_process"`
	Why            string   `json:"why"`
	Actions        []string `json:"actions"`
}
