package reasoner

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// loadAverage is a point-in-time read of /proc/loadavg. Raw stdlib /proc
// parsing is used here rather than a third-party system-info library: none
// of the retrieved third-party dependencies in this module's ecosystem
// offer a load-average reader, and the pattern mirrors the existing
// psi package's own justified raw /proc reads.
type loadAverage struct {
	Load1, Load5, Load15 float64
	Cores                int
}

// LoadAverageString reads /proc/loadavg and renders it as "l1,l5,l15",
// matching the format embedded in the telemetry prompt. Exposed for other
// packages (e.g. the enforcement executor's incident snapshots) that want
// the same load-average reading without duplicating the /proc/loadavg
// parse.
func LoadAverageString() string {
	return readLoadAverage().String()
}

func readLoadAverage() loadAverage {
	la := loadAverage{Cores: runtime.NumCPU()}

	content, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return la
	}

	fields := strings.Fields(string(content))
	if len(fields) < 3 {
		return la
	}
	la.Load1, _ = strconv.ParseFloat(fields[0], 64)
	la.Load5, _ = strconv.ParseFloat(fields[1], 64)
	la.Load15, _ = strconv.ParseFloat(fields[2], 64)
	return la
}

// runQueue renders load1 normalized by core count, the same "is this
// machine actually oversubscribed" signal an SRE reads loadavg for.
func (la loadAverage) runQueue() string {
	if la.Cores == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", la.Load1/float64(la.Cores))
}

func (la loadAverage) String() string {
	return fmt.Sprintf("%.2f,%.2f,%.2f", la.Load1, la.Load5, la.Load15)
}
