package wire

import (
	"encoding/binary"
	"testing"
)

func TestLayoutIsEightByteAligned(t *testing.T) {
	if expectedEventSize%8 != 0 {
		t.Fatalf("wire format should be 8-byte aligned, got %d", expectedEventSize)
	}
}

func encodeEvent(e ProcessEvent) []byte {
	buf := make([]byte, expectedEventSize)
	binary.LittleEndian.PutUint32(buf[0:4], e.PID)
	binary.LittleEndian.PutUint32(buf[4:8], e.PPID)
	binary.LittleEndian.PutUint32(buf[8:12], e.UID)
	binary.LittleEndian.PutUint32(buf[12:16], e.GID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.EventType))
	binary.LittleEndian.PutUint64(buf[24:32], e.TsNs)
	binary.LittleEndian.PutUint64(buf[32:40], e.Seq)
	copy(buf[40:56], e.Comm[:])
	binary.LittleEndian.PutUint64(buf[56:64], e.ExitTimeNs)
	binary.LittleEndian.PutUint16(buf[64:66], e.CPUPctMilli)
	binary.LittleEndian.PutUint16(buf[66:68], e.MemPctMilli)
	binary.LittleEndian.PutUint64(buf[72:80], e.Data)
	binary.LittleEndian.PutUint64(buf[80:88], e.Data2)
	binary.LittleEndian.PutUint32(buf[88:92], e.Aux)
	binary.LittleEndian.PutUint32(buf[92:96], e.Aux2)
	return buf
}

func TestParseEventRoundtrip(t *testing.T) {
	want := ProcessEvent{
		PID: 1234, PPID: 1, UID: 1000, GID: 1000,
		EventType: EventFork, TsNs: 9999, Seq: 42,
		ExitTimeNs: 0, CPUPctMilli: 5000, MemPctMilli: PercentMilliUnknown,
		Data: 7, Data2: 8, Aux: 1, Aux2: 2,
	}
	copy(want.Comm[:], "forker")

	got, err := ParseEvent(encodeEvent(want))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if got != want {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, want)
	}
	if got.CommString() != "forker" {
		t.Fatalf("CommString() = %q, want %q", got.CommString(), "forker")
	}
	if _, ok := got.MemPercent(); ok {
		t.Fatal("MemPercent() should report unknown for sentinel value")
	}
	if pct, ok := got.CPUPercent(); !ok || pct != 5.0 {
		t.Fatalf("CPUPercent() = (%v, %v), want (5.0, true)", pct, ok)
	}
	if _, ok := got.ExitTime(); ok {
		t.Fatal("ExitTime() should report unknown for zero exit_time_ns")
	}
}

func TestParseEventShortRecordIsDropped(t *testing.T) {
	_, err := ParseEvent(make([]byte, expectedEventSize-1))
	if err == nil {
		t.Fatal("expected error for short record")
	}
}

func TestEventTypeString(t *testing.T) {
	if EventPageFault.String() != "page_fault" {
		t.Fatalf("unexpected string for EventPageFault: %q", EventPageFault.String())
	}
	if got := EventType(99).String(); got != "unknown(99)" {
		t.Fatalf("unexpected string for unknown event type: %q", got)
	}
}
