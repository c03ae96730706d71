package psi

import (
	"os"
	"strings"
	"testing"
)

func TestParseAvg10Some(t *testing.T) {
	content := "some avg10=5.23 avg60=3.45 avg300=2.11 total=123456\n"
	v, ok := parseAvg10(content, "some")
	if !ok || v != 5.23 {
		t.Fatalf("parseAvg10 = (%v, %v), want (5.23, true)", v, ok)
	}
}

func TestParseAvg10Full(t *testing.T) {
	content := "full avg10=0.12 avg60=0.08 avg300=0.05 total=78901\n"
	v, ok := parseAvg10(content, "full")
	if !ok || v != 0.12 {
		t.Fatalf("parseAvg10 = (%v, %v), want (0.12, true)", v, ok)
	}
}

func TestParseAvg10Missing(t *testing.T) {
	content := "some avg60=3.45 avg300=2.11 total=123456\n"
	if _, ok := parseAvg10(content, "some"); ok {
		t.Fatal("expected no match when avg10 field is absent")
	}
}

func TestParseAvg10Invalid(t *testing.T) {
	content := "some avg10=invalid avg60=3.45 avg300=2.11 total=123456\n"
	if _, ok := parseAvg10(content, "some"); ok {
		t.Fatal("expected no match for an unparsable avg10 value")
	}
}

func TestSystemMetricsSummary(t *testing.T) {
	m := SystemMetrics{
		CPUSomeAvg10: 12.5, MemorySomeAvg10: 8.3, MemoryFullAvg10: 2.1,
		IOSomeAvg10: 15.7, IOFullAvg10: 0.5,
	}
	s := m.Summary()
	if want := "cpu=12.5%"; !strings.Contains(s, want) {
		t.Errorf("summary %q missing %q", s, want)
	}
	if want := "mem_full=2.1%"; !strings.Contains(s, want) {
		t.Errorf("summary %q missing %q", s, want)
	}
}

func TestReadSystemMetricsHonorsPathOverride(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cpu"
	if err := os.WriteFile(path, []byte("some avg10=42.00 avg60=1.00 avg300=1.00 total=1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("LINNIX_PSI_CPU_PATH", path)

	m := ReadSystemMetrics()
	if m.CPUSomeAvg10 != 42.0 {
		t.Fatalf("CPUSomeAvg10 = %v, want 42.0", m.CPUSomeAvg10)
	}
}
