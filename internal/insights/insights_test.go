package insights

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleInsight(why string) Insight {
	return Insight{Class: ClassNormal, Confidence: 0.5, Why: why, Actions: []string{}}
}

func TestStoreRetainsRecentRecords(t *testing.T) {
	s := NewStore(2, "")
	_ = s.Record(sampleInsight("why-0"))
	_ = s.Record(sampleInsight("why-1"))
	_ = s.Record(sampleInsight("why-2"))

	recent := s.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].Insight.Why != "why-2" || recent[1].Insight.Why != "why-1" {
		t.Fatalf("unexpected order: %+v", recent)
	}
}

func TestStoreWritesRecordsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insights.jsonl")
	s := NewStore(4, path)
	if err := s.Record(sampleInsight("why-42")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(content), `"why":"why-42"`) {
		t.Fatalf("expected serialized insight in file, got: %s", content)
	}
}

func TestClassTriggersAlert(t *testing.T) {
	if ClassNormal.TriggersAlert() {
		t.Error("normal should not trigger an alert")
	}
	if !ClassForkStorm.TriggersAlert() {
		t.Error("fork_storm should trigger an alert")
	}
}

func TestClassIsValid(t *testing.T) {
	if !ClassOOMRisk.IsValid() {
		t.Error("oom_risk should be a valid class")
	}
	if Class("bogus").IsValid() {
		t.Error("bogus should not be a valid class")
	}
}
