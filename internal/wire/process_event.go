// Package wire — process_event.go
//
// ProcessEvent mirrors the fixed-layout telemetry record produced by the
// eBPF programs and delivered through a ring buffer. The core treats it as
// an immutable, read-only value: producer and consumer must agree on the
// exact byte layout, which is why every field offset is spelled out below
// instead of relying on Go's own struct layout rules.
//
// C layout (96 bytes, 8-byte aligned):
//
//	[0..3]   pid            u32
//	[4..7]   ppid           u32
//	[8..11]  uid            u32
//	[12..15] gid            u32
//	[16..19] event_type     u32
//	[20..23] _pad0          u32
//	[24..31] ts_ns          u64
//	[32..39] seq            u64
//	[40..55] comm           u8[16]
//	[56..63] exit_time_ns   u64
//	[64..65] cpu_pct_milli  u16
//	[66..67] mem_pct_milli  u16
//	[68..71] _pad1          u32
//	[72..79] data           u64
//	[80..87] data2          u64
//	[88..91] aux            u32
//	[92..95] aux2           u32
package wire

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// EventType mirrors the producer's event_type enum.
type EventType uint32

const (
	EventExec      EventType = 0
	EventFork      EventType = 1
	EventExit      EventType = 2
	EventNet       EventType = 3
	EventFileIo    EventType = 4
	EventSyscall   EventType = 5
	EventBlockIo   EventType = 6
	EventPageFault EventType = 7
)

// String returns a human-readable event type name.
func (e EventType) String() string {
	switch e {
	case EventExec:
		return "exec"
	case EventFork:
		return "fork"
	case EventExit:
		return "exit"
	case EventNet:
		return "net"
	case EventFileIo:
		return "file_io"
	case EventSyscall:
		return "syscall"
	case EventBlockIo:
		return "block_io"
	case EventPageFault:
		return "page_fault"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(e))
	}
}

// PercentMilliUnknown is the sentinel value for an unknown cpu/mem percent.
const PercentMilliUnknown uint16 = 0xFFFF

// ProcessEvent is the Go representation of the producer's wire record.
// Layout must match the producer exactly (verified by init() below).
type ProcessEvent struct {
	PID  uint32 // [0..3]
	PPID uint32 // [4..7]
	UID  uint32 // [8..11]
	GID  uint32 // [12..15]

	EventType EventType // [16..19]
	_pad0     uint32    // [20..23]

	TsNs uint64 // [24..31] monotonic nanoseconds
	Seq  uint64 // [32..39] per-CPU sequence number

	Comm [16]byte // [40..55] NUL-padded command name

	ExitTimeNs uint64 // [56..63] 0 = unknown

	CPUPctMilli uint16 // [64..65] sentinel PercentMilliUnknown
	MemPctMilli uint16 // [66..67] sentinel PercentMilliUnknown
	_pad1       uint32 // [68..71]

	// Data/Data2/Aux/Aux2 meanings depend on EventType — e.g. byte counts
	// for Net/FileIo/BlockIo, fault address/IP for PageFault.
	Data  uint64 // [72..79]
	Data2 uint64 // [80..87]
	Aux   uint32 // [88..91]
	Aux2  uint32 // [92..95]
}

const expectedEventSize = 96

func init() {
	if sz := unsafe.Sizeof(ProcessEvent{}); sz != expectedEventSize {
		panic(fmt.Sprintf(
			"wire.ProcessEvent size mismatch: Go=%d bytes, expected=%d bytes. "+
				"Check struct padding against the producer's layout.",
			sz, expectedEventSize,
		))
	}
}

// CommString returns the NUL-terminated command name as a Go string.
func (e ProcessEvent) CommString() string {
	n := 0
	for n < len(e.Comm) && e.Comm[n] != 0 {
		n++
	}
	return string(e.Comm[:n])
}

// CPUPercent converts the sentinel-encoded milli-percent to an optional
// float. Returns (0, false) when the producer marked the value unknown.
func (e ProcessEvent) CPUPercent() (float64, bool) {
	if e.CPUPctMilli == PercentMilliUnknown {
		return 0, false
	}
	return float64(e.CPUPctMilli) / 1000.0, true
}

// MemPercent converts the sentinel-encoded milli-percent to an optional
// float. Returns (0, false) when the producer marked the value unknown.
func (e ProcessEvent) MemPercent() (float64, bool) {
	if e.MemPctMilli == PercentMilliUnknown {
		return 0, false
	}
	return float64(e.MemPctMilli) / 1000.0, true
}

// ExitTime returns the exit timestamp, or (0, false) if the process has not
// exited yet (exit_time_ns == 0 is the producer's "unknown" sentinel).
func (e ProcessEvent) ExitTime() (uint64, bool) {
	if e.ExitTimeNs == 0 {
		return 0, false
	}
	return e.ExitTimeNs, true
}

// ParseEvent deserialises a raw ring buffer record into a ProcessEvent.
// The record must be at least expectedEventSize bytes (trailing bytes are
// ignored); a short record is treated as a partial read and returned as an
// error so the caller can drop it and increment its dropped-event counter.
//
// Byte order: little-endian, matching the producer's native byte order.
func ParseEvent(raw []byte) (ProcessEvent, error) {
	if len(raw) < expectedEventSize {
		return ProcessEvent{}, fmt.Errorf(
			"wire: event record too short: got %d bytes, expected %d",
			len(raw), expectedEventSize,
		)
	}

	var e ProcessEvent
	e.PID = binary.LittleEndian.Uint32(raw[0:4])
	e.PPID = binary.LittleEndian.Uint32(raw[4:8])
	e.UID = binary.LittleEndian.Uint32(raw[8:12])
	e.GID = binary.LittleEndian.Uint32(raw[12:16])
	e.EventType = EventType(binary.LittleEndian.Uint32(raw[16:20]))
	e.TsNs = binary.LittleEndian.Uint64(raw[24:32])
	e.Seq = binary.LittleEndian.Uint64(raw[32:40])
	copy(e.Comm[:], raw[40:56])
	e.ExitTimeNs = binary.LittleEndian.Uint64(raw[56:64])
	e.CPUPctMilli = binary.LittleEndian.Uint16(raw[64:66])
	e.MemPctMilli = binary.LittleEndian.Uint16(raw[66:68])
	e.Data = binary.LittleEndian.Uint64(raw[72:80])
	e.Data2 = binary.LittleEndian.Uint64(raw[80:88])
	e.Aux = binary.LittleEndian.Uint32(raw[88:92])
	e.Aux2 = binary.LittleEndian.Uint32(raw[92:96])
	return e, nil
}
