package enforcement

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type permissiveGuard struct{}

func (permissiveGuard) IsSafeToKill(pid uint32) error { return nil }

type denyGuard struct{ msg string }

func (g denyGuard) IsSafeToKill(pid uint32) error { return fmt.Errorf("%s", g.msg) }

func TestProposeApproveWithinTTL(t *testing.T) {
	q := NewQueue(time.Minute, permissiveGuard{}, zap.NewNop())

	id, err := q.Propose(KillProcess(1234, 9), "fork storm", "llm", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	action, err := q.Approve(id, "alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if action.Status != StatusApproved {
		t.Errorf("Status = %v, want Approved", action.Status)
	}
	if action.ApprovedBy == nil || *action.ApprovedBy != "alice" {
		t.Errorf("ApprovedBy = %v, want alice", action.ApprovedBy)
	}
}

func TestProposeExpiresBeforeApprove(t *testing.T) {
	q := NewQueue(0, permissiveGuard{}, zap.NewNop())

	id, err := q.Propose(KillProcess(1234, 9), "fork storm", "llm", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	if _, err := q.Approve(id, "alice"); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("Approve() error = %v, want \"expired\"", err)
	}

	action, ok := q.GetByID(id)
	if !ok {
		t.Fatal("GetByID: not found")
	}
	if action.Status != StatusExpired {
		t.Errorf("Status = %v, want Expired", action.Status)
	}
}

func TestRejectThenApproveFails(t *testing.T) {
	q := NewQueue(time.Minute, permissiveGuard{}, zap.NewNop())

	id, err := q.Propose(KillProcess(1234, 9), "fork storm", "llm", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := q.Reject(id, "alice"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if _, err := q.Approve(id, "bob"); err == nil || !strings.Contains(err.Error(), "not pending") {
		t.Fatalf("Approve() error = %v, want \"not pending\"", err)
	}

	action, _ := q.GetByID(id)
	if action.Status != StatusRejected {
		t.Errorf("Status = %v, want Rejected", action.Status)
	}
}

func TestApproveThenCompleteTransitionsToExecuted(t *testing.T) {
	q := NewQueue(time.Minute, permissiveGuard{}, zap.NewNop())

	id, err := q.Propose(KillProcess(1234, 9), "fork storm", "llm", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := q.Approve(id, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := q.Complete(id); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	action, _ := q.GetByID(id)
	if action.Status != StatusExecuted {
		t.Errorf("Status = %v, want Executed", action.Status)
	}

	if err := q.Complete(id); err == nil || !strings.Contains(err.Error(), "not approved") {
		t.Fatalf("second Complete() error = %v, want \"not approved\"", err)
	}
}

func TestProposeAutoApprovesImmediately(t *testing.T) {
	q := NewQueue(time.Minute, permissiveGuard{}, zap.NewNop())

	id, err := q.ProposeAuto(KillProcess(1234, 9), "cpu thrash", "rules_engine", nil, true)
	if err != nil {
		t.Fatalf("ProposeAuto: %v", err)
	}

	action, ok := q.GetByID(id)
	if !ok {
		t.Fatal("GetByID: not found")
	}
	if action.Status != StatusApproved {
		t.Errorf("Status = %v, want Approved", action.Status)
	}
	if action.ApprovedBy == nil || *action.ApprovedBy != "circuit_breaker" {
		t.Errorf("ApprovedBy = %v, want circuit_breaker", action.ApprovedBy)
	}
}

func TestSafetyGuardVetoesProposal(t *testing.T) {
	q := NewQueue(time.Minute, denyGuard{msg: "safety: refusing to kill pid 1 (init/kernel)"}, zap.NewNop())

	if _, err := q.Propose(KillProcess(1, 9), "bad idea", "llm", nil); err == nil {
		t.Fatal("Propose() = nil error, want safety guard veto")
	}
	if got := len(q.GetAll()); got != 0 {
		t.Errorf("GetAll() len = %d, want 0 (vetoed proposal must not be queued)", got)
	}
}

func TestIDsAreUniqueAndIncreasing(t *testing.T) {
	q := NewQueue(time.Minute, permissiveGuard{}, zap.NewNop())

	var mu sync.Mutex
	ids := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(pid uint32) {
			defer wg.Done()
			id, err := q.Propose(KillProcess(pid, 9), "r", "llm", nil)
			if err != nil {
				t.Errorf("Propose: %v", err)
				return
			}
			mu.Lock()
			if ids[id] {
				t.Errorf("duplicate id %s", id)
			}
			ids[id] = true
			mu.Unlock()
		}(uint32(1000 + i))
	}
	wg.Wait()

	if len(ids) != 50 {
		t.Errorf("got %d unique ids, want 50", len(ids))
	}
}

func TestGetPendingLazilyExpires(t *testing.T) {
	q := NewQueue(0, permissiveGuard{}, zap.NewNop())

	id, err := q.Propose(KillProcess(1234, 9), "r", "llm", nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	if pending := q.GetPending(); len(pending) != 0 {
		t.Errorf("GetPending() = %v, want empty after TTL elapses", pending)
	}
	action, _ := q.GetByID(id)
	if action.Status != StatusExpired {
		t.Errorf("Status = %v, want Expired", action.Status)
	}
}
