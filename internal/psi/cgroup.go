// Package psi reads Pressure Stall Information from the kernel.
//
// PSI measures resource contention, not just utilization: "100% CPU" does
// not mean the system is stressed, but a high PSI "some" value means tasks
// are stalling waiting for a resource. See torvalds/linux
// Documentation/accounting/psi.rst.
//
// This file implements the per-cgroup scanner: it walks
// /sys/fs/cgroup looking for cpu.pressure files under kubepods slices,
// matches each cgroup to a pod via the container-ID-derived cgroup path,
// and tracks a short rolling history of total-stall-microsecond snapshots
// per pod so a delta can be computed between polls.
package psi

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PsiSnapshot holds the cumulative stall counters read from one PSI file at
// one point in time.
type PsiSnapshot struct {
	SomeTotalUs uint64
	FullTotalUs uint64
}

// PsiDelta is the stall time accumulated by a pod's cgroup between two
// consecutive scans.
type PsiDelta struct {
	Namespace    string
	PodName      string
	DeltaStallUs uint64
	Timestamp    time.Time
}

// ParsePsiFile parses the contents of a cpu.pressure / memory.pressure /
// io.pressure file, extracting the "total=" microsecond counters from the
// "some" and "full" lines. Unknown lines and malformed fields are ignored
// rather than treated as parse errors, matching the kernel's own tolerance
// for additional fields being appended in future kernels.
func ParsePsiFile(content string) PsiSnapshot {
	var snap PsiSnapshot

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		prefix := fields[0]
		if prefix != "some" && prefix != "full" {
			continue
		}
		for _, f := range fields[1:] {
			key, value, ok := strings.Cut(f, "=")
			if !ok || key != "total" {
				continue
			}
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				continue
			}
			if prefix == "some" {
				snap.SomeTotalUs = v
			} else {
				snap.FullTotalUs = v
			}
		}
	}
	return snap
}

const cgroupRoot = "/sys/fs/cgroup"

// findPsiFiles walks basePath for cpu.pressure files belonging to a
// kubepods-managed cgroup.
func findPsiFiles(basePath string) []string {
	var out []string
	_ = filepath.WalkDir(basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable subtrees
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == "cpu.pressure" && strings.Contains(path, "kubepods") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

// extractContainerID recovers a 64-character container ID from a PSI file
// path by looking at the parent cgroup directory name, stripping a
// trailing ".scope" and any "<runtime>-" prefix (e.g. "cri-containerd-").
//
//	.../kubepods-burstable-pod123.slice/cri-containerd-<64 hex>.scope/cpu.pressure
func extractContainerID(psiPath string) (string, bool) {
	parent := filepath.Dir(psiPath)
	dirName := filepath.Base(parent)
	clean := strings.TrimSuffix(dirName, ".scope")

	id := clean
	if idx := strings.LastIndex(clean, "-"); idx != -1 {
		id = clean[idx+1:]
	}

	if len(id) != 64 {
		return "", false
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return "", false
		}
	}
	return id, true
}

const historySize = 10

// ContainerMetadataLookup resolves a container ID to the namespace/pod it
// belongs to. Implemented by internal/k8smeta.Resolver.
type ContainerMetadataLookup interface {
	LookupContainer(containerID string) (namespace, podName string, ok bool)
}

// Monitor scans cgroup PSI files on a fixed interval and tracks per-pod
// stall deltas. Deltas are logged for operator visibility; nothing
// downstream currently consumes them. They are not fed into window
// summaries or enforcement decisions.
type Monitor struct {
	lookup   ContainerMetadataLookup
	log      *zap.Logger
	basePath string
	interval time.Duration

	mu      sync.Mutex
	history map[string][]PsiSnapshot // key: "namespace/pod"

	// OnDelta, if set, is invoked for every non-zero delta observed. Optional;
	// left nil in production today.
	OnDelta func(PsiDelta)
}

// NewMonitor constructs a Monitor rooted at the default cgroup mount,
// scanning once per second as specified. interval, if > 0, overrides the
// default cadence (e.g. from config.PSIConfig.ScanIntervalMs).
func NewMonitor(lookup ContainerMetadataLookup, log *zap.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		lookup:   lookup,
		log:      log,
		basePath: cgroupRoot,
		interval: interval,
		history:  make(map[string][]PsiSnapshot),
	}
}

// Run scans until ctx is cancelled, sleeping interval between passes.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("starting PSI monitor", zap.String("base_path", m.basePath))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.scanOnce()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) scanOnce() {
	paths := findPsiFiles(m.basePath)
	m.log.Debug("scanning cgroups", zap.Int("count", len(paths)))

	for _, path := range paths {
		containerID, ok := extractContainerID(path)
		if !ok {
			continue
		}
		namespace, podName, ok := m.lookup.LookupContainer(containerID)
		if !ok {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		snap := ParsePsiFile(string(content))

		key := fmt.Sprintf("%s/%s", namespace, podName)
		m.mu.Lock()
		hist := m.history[key]
		var delta uint64
		if len(hist) > 0 {
			prev := hist[len(hist)-1]
			if snap.SomeTotalUs >= prev.SomeTotalUs {
				delta = snap.SomeTotalUs - prev.SomeTotalUs
			}
		}
		hist = append(hist, snap)
		if len(hist) > historySize {
			hist = hist[len(hist)-historySize:]
		}
		m.history[key] = hist
		m.mu.Unlock()

		if delta > 0 {
			m.log.Info("psi stall delta",
				zap.String("namespace", namespace),
				zap.String("pod", podName),
				zap.Uint64("delta_stall_us", delta),
			)
			if m.OnDelta != nil {
				m.OnDelta(PsiDelta{
					Namespace:    namespace,
					PodName:      podName,
					DeltaStallUs: delta,
					Timestamp:    time.Now(),
				})
			}
		}
	}
}
