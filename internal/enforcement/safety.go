package enforcement

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/longregen/linnix/internal/k8smeta"
)

// NamespaceResolver maps a bare PID to Kubernetes pod metadata. Satisfied by
// *k8smeta.Resolver in production; a nil NamespaceResolver simply disables
// the control-plane-pod check (e.g. in tests, or a non-Kubernetes
// deployment).
type NamespaceResolver interface {
	GetMetadataForPID(pid uint32) (k8smeta.Metadata, bool)
}

// controlPlaneNamespaces are namespaces whose pods the guard refuses to
// target, regardless of what proposed the kill.
var controlPlaneNamespaces = map[string]bool{
	"kube-system": true,
}

// commDenyList names processes the guard refuses to kill outright,
// independent of which cgroup or namespace they run in.
var commDenyList = map[string]bool{
	"systemd":  true,
	"kthreadd": true,
	"init":     true,
}

// DefaultSafetyGuard implements SafetyGuard: it rejects a kill proposal
// against pid 1 or below, the agent's own process group, a deny-listed
// command name, or a process belonging to a control-plane pod. It runs
// unconditionally — including for proposals that will be auto-approved by
// the circuit breaker — because auto-approval only waives the human gate,
// never the safety policy.
type DefaultSafetyGuard struct {
	selfPGID   int
	denyList   map[string]bool
	nsResolver NamespaceResolver
}

// NewDefaultSafetyGuard builds a guard around the current process's group
// ID. agentBinaryName, if non-empty, is added to the deny list alongside
// the well-known PID 1-adjacent process names. nsResolver may be nil to
// skip the control-plane-pod check entirely.
func NewDefaultSafetyGuard(agentBinaryName string, nsResolver NamespaceResolver) (*DefaultSafetyGuard, error) {
	pgid, err := syscall.Getpgid(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("enforcement: determining agent process group: %w", err)
	}

	deny := make(map[string]bool, len(commDenyList)+1)
	for name := range commDenyList {
		deny[name] = true
	}
	if agentBinaryName != "" {
		deny[agentBinaryName] = true
	}

	return &DefaultSafetyGuard{
		selfPGID:   pgid,
		denyList:   deny,
		nsResolver: nsResolver,
	}, nil
}

// IsSafeToKill implements SafetyGuard.
func (g *DefaultSafetyGuard) IsSafeToKill(pid uint32) error {
	if pid <= 1 {
		return fmt.Errorf("safety: refusing to kill pid %d (init/kernel)", pid)
	}

	if pgid, err := syscall.Getpgid(int(pid)); err == nil && pgid == g.selfPGID {
		return fmt.Errorf("safety: refusing to kill pid %d (agent's own process group)", pid)
	}

	if comm, err := readComm(pid); err == nil && g.denyList[comm] {
		return fmt.Errorf("safety: refusing to kill pid %d (%s is deny-listed)", pid, comm)
	}

	if g.nsResolver != nil {
		if meta, ok := g.nsResolver.GetMetadataForPID(pid); ok && controlPlaneNamespaces[meta.Namespace] {
			return fmt.Errorf("safety: refusing to kill pid %d (control-plane pod in namespace %s)", pid, meta.Namespace)
		}
	}

	return nil
}

func readComm(pid uint32) (string, error) {
	content, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}
