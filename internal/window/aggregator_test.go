package window

import (
	"testing"

	"github.com/longregen/linnix/internal/wire"
)

func mkEvent(pid, ppid uint32, comm string, et wire.EventType) wire.ProcessEvent {
	e := wire.ProcessEvent{PID: pid, PPID: ppid, EventType: et}
	copy(e.Comm[:], comm)
	return e
}

func TestComputeSummaryCounts(t *testing.T) {
	buf := []wire.ProcessEvent{
		mkEvent(1234, 1, "forker", wire.EventFork),
		mkEvent(1234, 1, "forker", wire.EventFork),
		mkEvent(1234, 1, "forker", wire.EventFork),
		mkEvent(99, 1, "sh", wire.EventExec),
		mkEvent(100, 1, "sh", wire.EventExit),
	}

	s := computeSummary(buf, 1.0, 5.0)

	if s.Forks != 3 || s.Execs != 1 || s.Exits != 1 {
		t.Fatalf("unexpected counts: forks=%d execs=%d exits=%d", s.Forks, s.Execs, s.Exits)
	}
	if s.PrimaryPID != 1234 {
		t.Fatalf("PrimaryPID = %d, want 1234 (highest event count)", s.PrimaryPID)
	}
	if s.PrimaryComm != "forker" {
		t.Fatalf("PrimaryComm = %q, want %q", s.PrimaryComm, "forker")
	}
	if s.PrimaryPPID != 1 {
		t.Fatalf("PrimaryPPID = %d, want 1", s.PrimaryPPID)
	}
}

func TestComputeSummaryTopCommOrder(t *testing.T) {
	buf := []wire.ProcessEvent{
		mkEvent(1, 0, "a", wire.EventExec),
		mkEvent(2, 0, "b", wire.EventExec),
		mkEvent(3, 0, "b", wire.EventExec),
		mkEvent(4, 0, "c", wire.EventExec),
		mkEvent(5, 0, "c", wire.EventExec),
		mkEvent(6, 0, "c", wire.EventExec),
		mkEvent(7, 0, "d", wire.EventExec),
	}

	s := computeSummary(buf, 1.0, 7.0)

	if len(s.TopComm) != 3 {
		t.Fatalf("TopComm = %v, want 3 entries", s.TopComm)
	}
	if s.TopComm[0] != "c" || s.TopComm[1] != "b" {
		t.Fatalf("TopComm = %v, want [c b ...] by descending frequency", s.TopComm)
	}
}
