package enforcement

import (
	"os"
	"testing"

	"github.com/longregen/linnix/internal/k8smeta"
)

type fakeNamespaceResolver struct {
	namespace string
	ok        bool
}

func (f fakeNamespaceResolver) GetMetadataForPID(pid uint32) (k8smeta.Metadata, bool) {
	if !f.ok {
		return k8smeta.Metadata{}, false
	}
	return k8smeta.Metadata{Namespace: f.namespace}, true
}

func TestDefaultSafetyGuardRejectsInitAndKernel(t *testing.T) {
	guard, err := NewDefaultSafetyGuard("linnix-agent", nil)
	if err != nil {
		t.Fatalf("NewDefaultSafetyGuard: %v", err)
	}

	for _, pid := range []uint32{0, 1} {
		if err := guard.IsSafeToKill(pid); err == nil {
			t.Fatalf("IsSafeToKill(%d) = nil, want an error", pid)
		}
	}
}

func TestDefaultSafetyGuardRejectsOwnProcessGroup(t *testing.T) {
	guard, err := NewDefaultSafetyGuard("linnix-agent", nil)
	if err != nil {
		t.Fatalf("NewDefaultSafetyGuard: %v", err)
	}

	if err := guard.IsSafeToKill(uint32(os.Getpid())); err == nil {
		t.Fatal("IsSafeToKill(self) = nil, want an error")
	}
}

func TestDefaultSafetyGuardRejectsControlPlaneNamespace(t *testing.T) {
	resolver := fakeNamespaceResolver{namespace: "kube-system", ok: true}
	guard, err := NewDefaultSafetyGuard("linnix-agent", resolver)
	if err != nil {
		t.Fatalf("NewDefaultSafetyGuard: %v", err)
	}

	// Use a pid unlikely to be pid 1, the test process, or its group —
	// the guard still runs the /proc/comm read (which may fail for a
	// nonexistent pid) and always runs the namespace check regardless.
	if err := guard.IsSafeToKill(999999); err == nil {
		t.Fatal("IsSafeToKill against a control-plane-namespace pid = nil, want an error")
	}
}

func TestDefaultSafetyGuardAllowsOrdinaryPID(t *testing.T) {
	resolver := fakeNamespaceResolver{namespace: "default", ok: true}
	guard, err := NewDefaultSafetyGuard("linnix-agent", resolver)
	if err != nil {
		t.Fatalf("NewDefaultSafetyGuard: %v", err)
	}

	if err := guard.IsSafeToKill(999999); err != nil {
		t.Fatalf("IsSafeToKill against an ordinary pid/namespace = %v, want nil", err)
	}
}
