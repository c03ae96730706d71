package psi

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SystemMetrics is a point-in-time read of system-wide PSI avg10 figures,
// used to enrich reasoner prompts. "some" means at least one task stalled
// (tail-latency signal); "full" means every runnable task stalled
// (throughput-loss signal). CPU pressure has no "full" line.
type SystemMetrics struct {
	CPUSomeAvg10    float32
	MemorySomeAvg10 float32
	MemoryFullAvg10 float32
	IOSomeAvg10     float32
	IOFullAvg10     float32
}

// psiPath returns the path to read for the given metric ("cpu", "memory",
// "io"), honoring a LINNIX_PSI_<METRIC>_PATH override for tests and
// non-standard mount points.
func psiPath(metric string) string {
	envKey := "LINNIX_PSI_" + strings.ToUpper(metric) + "_PATH"
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return "/proc/pressure/" + metric
}

// ReadSystemMetrics reads /proc/pressure/{cpu,memory,io}. Missing files
// (PSI unsupported, e.g. kernel < 4.20, or unmounted) leave the
// corresponding fields at zero rather than failing the read.
func ReadSystemMetrics() SystemMetrics {
	var m SystemMetrics

	if content, err := os.ReadFile(psiPath("cpu")); err == nil {
		if v, ok := parseAvg10(string(content), "some"); ok {
			m.CPUSomeAvg10 = v
		}
	}

	if content, err := os.ReadFile(psiPath("memory")); err == nil {
		if v, ok := parseAvg10(string(content), "some"); ok {
			m.MemorySomeAvg10 = v
		}
		if v, ok := parseAvg10(string(content), "full"); ok {
			m.MemoryFullAvg10 = v
		}
	}

	if content, err := os.ReadFile(psiPath("io")); err == nil {
		if v, ok := parseAvg10(string(content), "some"); ok {
			m.IOSomeAvg10 = v
		}
		if v, ok := parseAvg10(string(content), "full"); ok {
			m.IOFullAvg10 = v
		}
	}

	return m
}

// IsAvailable reports whether the kernel exposes PSI at all.
func IsAvailable() bool {
	_, err := os.Stat(psiPath("cpu"))
	return err == nil
}

// Summary renders a one-line human-readable form for log lines and
// reasoner prompt enrichment.
func (m SystemMetrics) Summary() string {
	return fmt.Sprintf(
		"cpu=%.1f%% mem_some=%.1f%% mem_full=%.1f%% io_some=%.1f%% io_full=%.1f%%",
		m.CPUSomeAvg10, m.MemorySomeAvg10, m.MemoryFullAvg10, m.IOSomeAvg10, m.IOFullAvg10,
	)
}

// parseAvg10 extracts the avg10= field from the line starting with prefix
// ("some" or "full").
func parseAvg10(content, prefix string) (float32, bool) {
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		for _, field := range strings.Fields(line) {
			value, ok := strings.CutPrefix(field, "avg10=")
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return 0, false
			}
			return float32(v), true
		}
	}
	return 0, false
}
