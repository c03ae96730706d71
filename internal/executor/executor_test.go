package executor

import (
	"context"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/enforcement"
	"github.com/longregen/linnix/internal/incidents"
	"github.com/longregen/linnix/internal/observability"
)

type permissiveGuard struct{}

func (permissiveGuard) IsSafeToKill(pid uint32) error { return nil }

func openTestStore(t *testing.T) *incidents.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incidents.db")
	store, err := incidents.Open(path, nil)
	if err != nil {
		t.Fatalf("incidents.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// startSleeper launches a short-lived, harmless child process the executor
// can safely signal without touching the test process's own tree.
func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep(1) child process: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestExecutorTerminatesApprovedAction(t *testing.T) {
	child := startSleeper(t)
	pid := uint32(child.Process.Pid)

	metrics := observability.NewMetrics()
	queue := enforcement.NewQueue(time.Minute, permissiveGuard{}, zap.NewNop())
	store := openTestStore(t)
	ex := New(queue, store, nil, metrics, zap.NewNop())

	id, err := queue.Propose(enforcement.KillProcess(pid, int32(syscall.SIGTERM)), "test kill", "llm", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := queue.Approve(id, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ex.sweep(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		action, ok := queue.GetByID(id)
		if ok && action.Status == enforcement.StatusExecuted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	action, ok := queue.GetByID(id)
	if !ok {
		t.Fatal("GetByID: not found")
	}
	if action.Status != enforcement.StatusExecuted {
		t.Fatalf("Status = %v, want Executed", action.Status)
	}

	if err := child.Wait(); err == nil {
		t.Error("child process exited cleanly, want termination by signal")
	}

	// The incident is only inserted after the executor's settle delay.
	var recent []incidents.Incident
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		recent, err = store.Recent(10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(recent) == 1 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if len(recent) != 1 {
		t.Fatalf("Recent() len = %d, want 1 recorded incident", len(recent))
	}
	if recent[0].TargetPID == nil || uint32(*recent[0].TargetPID) != pid {
		t.Errorf("incident TargetPID = %v, want %d", recent[0].TargetPID, pid)
	}
	if recent[0].RecoveryTimeMs == nil {
		t.Error("incident RecoveryTimeMs not set")
	}
}

func TestExecutorDoesNotReexecuteSameAction(t *testing.T) {
	child := startSleeper(t)
	pid := uint32(child.Process.Pid)

	metrics := observability.NewMetrics()
	queue := enforcement.NewQueue(time.Minute, permissiveGuard{}, zap.NewNop())
	store := openTestStore(t)
	ex := New(queue, store, nil, metrics, zap.NewNop())

	id, err := queue.Propose(enforcement.KillProcess(pid, int32(syscall.SIGTERM)), "test kill", "llm", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := queue.Approve(id, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ex.sweep(ctx)
	time.Sleep(time.Second)
	ex.sweep(ctx)
	time.Sleep(time.Second)

	recent, err := store.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Recent() len = %d, want exactly 1 incident despite repeated sweeps", len(recent))
	}
}
