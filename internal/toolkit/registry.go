// Package toolkit implements the reasoner's read-only process introspection
// tools: the small, fixed set of local commands the LLM may request via a
// "TOOL: <name> <pid>" response line before its follow-up chat turn.
//
// Every tool here is read-only and local — no network calls, no mutation of
// process state. Each returns a plain-text report the reasoner truncates to
// MaxOutputLines before splicing it into the follow-up prompt.
//
// Tools register themselves by name in init() and are dispatched through a
// name-keyed lookup, so adding a tool means adding a file, not editing a
// switch.
package toolkit

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// MaxOutputLines is the line cap applied to every tool's output before it is
// spliced into a follow-up reasoner prompt.
const MaxOutputLines = 32

// Tool is a read-only PID introspection command the reasoning worker may
// invoke in response to a model's "TOOL: <name> <pid>" request line.
type Tool interface {
	// Name returns the tool's identifier, matched case-insensitively against
	// the model's TOOL request (e.g. "ps_tree").
	Name() string

	// Run executes the tool against pid and returns its plain-text report.
	// Errors are reported as part of the returned string, never as a Go
	// error — a failed tool call still produces context for the follow-up
	// prompt ("process vanished", "permission denied", etc).
	Run(pid int32) string
}

var registry = make(map[string]Tool)

func register(t Tool) {
	registry[t.Name()] = t
}

func init() {
	register(psTreeTool{})
	register(procStatusTool{})
	register(cgroupCPUTool{})
	register(openFDsTool{})
	register(netConnsTool{})
}

// Names returns the allowed tool names, sorted, for building the system
// prompt's tool-call documentation.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool against pid and truncates its output to
// MaxOutputLines. ok is false if name does not match a registered tool —
// the caller should then ignore the TOOL request entirely rather than
// sending a malformed follow-up.
func Execute(name string, pid int32) (output string, ok bool) {
	tool, found := registry[strings.ToLower(name)]
	if !found {
		return "", false
	}
	return truncateLines(tool.Run(pid), MaxOutputLines), true
}

func truncateLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > max {
		lines = lines[:max]
	}
	return strings.Join(lines, "\n")
}

// ─── ps_tree ──────────────────────────────────────────────────────────────

// psTreeTool reports the process tree rooted at the target's process group
// using the system's own ps(1), kept as an external command rather than
// re-implemented against /proc since its output formatting (indentation,
// column widths) is exactly what an operator reading the same tool expects.
type psTreeTool struct{}

func (psTreeTool) Name() string { return "ps_tree" }

func (psTreeTool) Run(pid int32) string {
	out, err := exec.Command("ps", "--forest", "-o", "pid,ppid,comm", "-g", strconv.Itoa(int(pid))).CombinedOutput()
	if err != nil {
		return fmt.Sprintf("ps_tree: %v", err)
	}
	return strings.TrimRight(string(out), "\n")
}

// ─── proc_status ──────────────────────────────────────────────────────────

// procStatusTool reports the kernel's own per-process summary from
// /proc/<pid>/status, which already contains the fields an SRE would check
// first: State, VmRSS, Threads, voluntary/involuntary context switches.
type procStatusTool struct{}

func (procStatusTool) Name() string { return "proc_status" }

func (procStatusTool) Run(pid int32) string {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return fmt.Sprintf("proc_status: %v", err)
	}

	var wanted = map[string]bool{
		"State": true, "VmRSS": true, "Threads": true,
		"voluntary_ctxt_switches": true, "nonvoluntary_ctxt_switches": true,
	}
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		key, _, ok := strings.Cut(scanner.Text(), ":")
		if ok && wanted[strings.TrimSpace(key)] {
			lines = append(lines, scanner.Text())
		}
	}
	return strings.Join(lines, "\n")
}

// ─── cgroup_cpu ───────────────────────────────────────────────────────────

// cgroupCPUTool reports the target's cgroup CPU pressure and usage files,
// giving the model the same "is this actually stalled or just busy" signal
// the PSI scanner reports at the pod level, but scoped to one process.
type cgroupCPUTool struct{}

func (cgroupCPUTool) Name() string { return "cgroup_cpu" }

func (cgroupCPUTool) Run(pid int32) string {
	cgroupPath, err := readCgroupPath(pid)
	if err != nil {
		return fmt.Sprintf("cgroup_cpu: %v", err)
	}

	base := filepath.Join("/sys/fs/cgroup", cgroupPath)
	var out []string
	for _, file := range []string{"cpu.pressure", "cpu.stat"} {
		content, err := os.ReadFile(filepath.Join(base, file))
		if err != nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s:", file), strings.TrimRight(string(content), "\n"))
	}
	if len(out) == 0 {
		return fmt.Sprintf("cgroup_cpu: no readable cgroup CPU files under %s", base)
	}
	return strings.Join(out, "\n")
}

// ─── open_fds ─────────────────────────────────────────────────────────────

// openFDsTool counts the target's open file descriptors — a cheap signal
// for fd-leak-driven degradation.
type openFDsTool struct{}

func (openFDsTool) Name() string { return "open_fds" }

func (openFDsTool) Run(pid int32) string {
	n, err := openFDCount(pid)
	if err != nil {
		return fmt.Sprintf("open_fds: %v", err)
	}
	return fmt.Sprintf("open_fds=%d", n)
}

// openFDCount counts entries under /proc/<pid>/fd.
func openFDCount(pid int32) (int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ─── net_conns ────────────────────────────────────────────────────────────

// netConnsTool counts the target's open socket file descriptors by
// inspecting the symlink targets under /proc/<pid>/fd for "socket:[...]"
// entries — avoids needing to cross-reference /proc/net/tcp inode numbers.
type netConnsTool struct{}

func (netConnsTool) Name() string { return "net_conns" }

func (netConnsTool) Run(pid int32) string {
	n, err := netConnCount(pid)
	if err != nil {
		return fmt.Sprintf("net_conns: %v", err)
	}
	return fmt.Sprintf("net_conns=%d", n)
}

// netConnCount counts socket file descriptors open under /proc/<pid>/fd.
func netConnCount(pid int32) (int, error) {
	dir := fmt.Sprintf("/proc/%d/fd", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err == nil && strings.HasPrefix(target, "socket:") {
			count++
		}
	}
	return count, nil
}

// readCgroupPath reads /proc/<pid>/cgroup and returns the unified (cgroup
// v2) hierarchy path, stripping the "0::" prefix.
func readCgroupPath(pid int32) (string, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(content), "\n") {
		if rest, ok := strings.CutPrefix(line, "0::"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry found")
}
