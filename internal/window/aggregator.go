// Package window buffers process events into fixed-length windows and
// derives a WindowSummary from each one, ready to feed a reasoning prompt.
package window

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/observability"
	"github.com/longregen/linnix/internal/wire"
)

// WindowSummary is the condensed view of one window's activity.
type WindowSummary struct {
	WindowSeconds float64
	EventsPerSec  float64

	Forks int
	Execs int
	Exits int

	TopComm []string // up to 3, most frequent first

	PrimaryPID  uint32
	PrimaryComm string
	PrimaryPPID uint32

	// PageFaults, NetBytes, IOBytes and BlockIOEvents are reasoner prompt
	// enrichment fields folded in alongside the core fork/exec/exit counts
	// (see internal/reasoner/prompt.go's pf=/net_bytes=/io_bytes=/blk_io=
	// fields) — summed directly from the window's Net/FileIo/BlockIo/
	// PageFault events rather than tracked separately.
	PageFaults    int
	NetBytes      uint64
	IOBytes       uint64
	BlockIOEvents int

	// TopCPUComm/TopCPUPct are the highest per-event CPU percent observed
	// this window (reasoner prompt field cpu_hot=<comm>:<pct>%).
	TopCPUComm string
	TopCPUPct  float64

	// TopMem is up to 3 processes by highest observed memory percent this
	// window (reasoner prompt field rss=<pid:comm:pct,...>).
	TopMem []RSSEntry
}

// RSSEntry is one process's memory-percent sample for prompt enrichment.
type RSSEntry struct {
	PID  uint32
	Comm string
	Pct  float64
}

const queueDepth = 512

// Aggregator receives process events over a bounded channel and, on a fixed
// timer, folds the buffered events into a WindowSummary for the reasoning
// worker. The channel is deliberately bounded: a slow or stalled reasoner
// must not apply backpressure all the way to the ring buffer reader, so
// the aggregator drops incoming events (and counts the drop) rather than
// blocking the sender.
type Aggregator struct {
	events  chan wire.ProcessEvent
	metrics *observability.Metrics
	log     *zap.Logger

	windowPeriod  time.Duration
	minEPSEnable  float64
	buf           []wire.ProcessEvent
	lastTickStart time.Time
}

// NewAggregator constructs an Aggregator. windowPeriod must be >= 1s;
// minEPSEnable gates processing — windows below this events-per-second rate
// are dropped unprocessed (the workload is too quiet to be interesting).
func NewAggregator(windowPeriod time.Duration, minEPSEnable float64, metrics *observability.Metrics, log *zap.Logger) *Aggregator {
	return &Aggregator{
		events:       make(chan wire.ProcessEvent, queueDepth),
		metrics:      metrics,
		log:          log,
		windowPeriod: windowPeriod,
		minEPSEnable: minEPSEnable,
	}
}

// Events returns the channel producers (the event feed) should send parsed
// events to. A raw send on it blocks while the channel is full; use Send
// for the drop-on-full policy.
func (a *Aggregator) Events() chan<- wire.ProcessEvent {
	return a.events
}

// Send is non-blocking: a full channel drops the event and increments
// dropped_events_total with reason "aggregator_backpressure".
func (a *Aggregator) Send(e wire.ProcessEvent) {
	select {
	case a.events <- e:
	default:
		a.metrics.DroppedEventsTotal.WithLabelValues("aggregator_backpressure").Inc()
		a.log.Warn("window aggregator buffer full, dropping event",
			zap.String("comm", e.CommString()), zap.Uint32("pid", e.PID))
	}
}

// Run drains events into a rolling buffer and emits a WindowSummary to emit
// on every tick that clears the eps gate. Ticks use time.Ticker, which
// itself delays on a missed tick (it does not queue up backlog ticks), so
// a stalled consumer naturally coalesces rather than bursts.
func (a *Aggregator) Run(ctx context.Context, emit func(WindowSummary)) {
	ticker := time.NewTicker(a.windowPeriod)
	defer ticker.Stop()
	a.lastTickStart = time.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-a.events:
			if !ok {
				return
			}
			a.buf = append(a.buf, e)

		case now := <-ticker.C:
			elapsed := now.Sub(a.lastTickStart).Seconds()
			a.lastTickStart = now

			if len(a.buf) == 0 {
				a.metrics.WindowsSkippedTotal.WithLabelValues("empty").Inc()
				continue
			}

			eps := float64(len(a.buf)) / elapsed
			if eps < a.minEPSEnable {
				a.metrics.WindowsSkippedTotal.WithLabelValues("below_eps_gate").Inc()
				a.buf = a.buf[:0]
				continue
			}

			buf := a.buf
			a.buf = nil

			summary := computeSummary(buf, elapsed, eps)
			a.metrics.WindowsProcessedTotal.Inc()
			emit(summary)
		}
	}
}

// computeSummary folds a window's buffered events into a WindowSummary.
func computeSummary(buf []wire.ProcessEvent, elapsedSeconds, eps float64) WindowSummary {
	s := WindowSummary{WindowSeconds: elapsedSeconds, EventsPerSec: eps}

	commCounts := make(map[string]int)
	pidCounts := make(map[uint32]int)
	pidFirstComm := make(map[uint32]string)
	pidFirstPPID := make(map[uint32]uint32)
	var commOrder []string

	memPct := make(map[uint32]float64)
	memOrder := make([]uint32, 0)

	for _, e := range buf {
		switch e.EventType {
		case wire.EventFork:
			s.Forks++
		case wire.EventExec:
			s.Execs++
		case wire.EventExit:
			s.Exits++
		case wire.EventPageFault:
			s.PageFaults++
		case wire.EventNet:
			s.NetBytes += e.Data
		case wire.EventFileIo:
			s.IOBytes += e.Data
		case wire.EventBlockIo:
			s.IOBytes += e.Data
			s.BlockIOEvents++
		}

		comm := e.CommString()
		if _, seen := commCounts[comm]; !seen {
			commOrder = append(commOrder, comm)
		}
		commCounts[comm]++

		pidCounts[e.PID]++
		if _, seen := pidFirstComm[e.PID]; !seen {
			pidFirstComm[e.PID] = comm
			pidFirstPPID[e.PID] = e.PPID
		}

		if cpuPct, ok := e.CPUPercent(); ok && cpuPct > s.TopCPUPct {
			s.TopCPUPct = cpuPct
			s.TopCPUComm = comm
		}

		if memP, ok := e.MemPercent(); ok {
			if _, seen := memPct[e.PID]; !seen {
				memOrder = append(memOrder, e.PID)
			}
			if memP > memPct[e.PID] {
				memPct[e.PID] = memP
			}
		}
	}

	s.TopComm = topN(commOrder, commCounts, 3)

	sortedMemPIDs := make([]uint32, len(memOrder))
	copy(sortedMemPIDs, memOrder)
	for i := 1; i < len(sortedMemPIDs); i++ {
		for j := i; j > 0 && memPct[sortedMemPIDs[j]] > memPct[sortedMemPIDs[j-1]]; j-- {
			sortedMemPIDs[j], sortedMemPIDs[j-1] = sortedMemPIDs[j-1], sortedMemPIDs[j]
		}
	}
	if len(sortedMemPIDs) > 3 {
		sortedMemPIDs = sortedMemPIDs[:3]
	}
	for _, pid := range sortedMemPIDs {
		s.TopMem = append(s.TopMem, RSSEntry{PID: pid, Comm: pidFirstComm[pid], Pct: memPct[pid]})
	}

	var primaryPID uint32
	var primaryCount int
	seen := make(map[uint32]bool)
	first := true
	for _, e := range buf {
		if seen[e.PID] {
			continue
		}
		seen[e.PID] = true
		if c := pidCounts[e.PID]; first || c > primaryCount {
			primaryPID = e.PID
			primaryCount = c
			first = false
		}
	}
	s.PrimaryPID = primaryPID
	s.PrimaryComm = pidFirstComm[primaryPID]
	s.PrimaryPPID = pidFirstPPID[primaryPID]

	return s
}

// topN returns up to n keys from order (insertion order) sorted by
// descending count, ties broken by insertion order.
func topN(order []string, counts map[string]int, n int) []string {
	sorted := make([]string, len(order))
	copy(sorted, order)

	// Stable insertion sort by descending count — order is small (per-window
	// distinct command names), so O(n^2) is fine and keeps tie-break order.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && counts[sorted[j]] > counts[sorted[j-1]]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
