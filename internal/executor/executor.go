// Package executor watches the enforcement queue for newly Approved
// actions, carries them out against the host, and records the outcome as
// an incident for later analysis.
//
// This is the last link in the enforcement data flow: human or
// circuit-breaker approves, the executor terminates the process, an
// incident is stored, and the background analyzer enriches it with an LLM
// narrative. Neither the queue package (state machine only) nor the
// incidents package (storage and analysis only) owns this step; it is its
// own small poll loop, the same per-tick shape the window aggregator and
// PSI scanner use for their own cadences.
package executor

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/enforcement"
	"github.com/longregen/linnix/internal/incidents"
	"github.com/longregen/linnix/internal/observability"
	"github.com/longregen/linnix/internal/psi"
	"github.com/longregen/linnix/internal/reasoner"
)

// pollInterval is how often the executor checks the queue for newly
// Approved actions. Short enough that a human approval or a circuit
// breaker auto-approval is acted on promptly; long enough not to busy-loop
// a mutex-guarded map.
const pollInterval = 250 * time.Millisecond

// settleDelay is how long the executor waits after sending the kill signal
// before taking the "after" PSI snapshot recorded on the incident — long
// enough for the kernel to account for the process's exit in PSI counters.
// recovery_time_ms is measured after this delay, so it always includes it.
const settleDelay = 500 * time.Millisecond

// Executor carries out Approved enforcement actions and records the
// outcome. Analyzer is optional: if nil, incidents are stored without a
// post-hoc LLM narrative.
type Executor struct {
	queue    *enforcement.Queue
	store    *incidents.Store
	analyzer *incidents.Analyzer
	metrics  *observability.Metrics
	log      *zap.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// New constructs an Executor. analyzer may be nil to skip post-hoc analysis.
func New(queue *enforcement.Queue, store *incidents.Store, analyzer *incidents.Analyzer, metrics *observability.Metrics, log *zap.Logger) *Executor {
	return &Executor{
		queue:    queue,
		store:    store,
		analyzer: analyzer,
		metrics:  metrics,
		log:      log,
		seen:     make(map[string]bool),
	}
}

// Run polls the queue until ctx is cancelled, executing every Approved
// action exactly once.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Executor) sweep(ctx context.Context) {
	for _, action := range e.queue.GetAll() {
		if action.Status != enforcement.StatusApproved {
			continue
		}

		e.mu.Lock()
		already := e.seen[action.ID]
		if !already {
			e.seen[action.ID] = true
		}
		e.mu.Unlock()
		if already {
			continue
		}

		go e.execute(ctx, action)
	}
}

// execute terminates the target process, completes the action, and records
// an incident. Kill failures (process already gone, permission denied) are
// logged but still drive the action to Executed and an incident to Insert —
// the enforcement attempt happened, whether or not the kernel had anything
// left to signal.
func (e *Executor) execute(ctx context.Context, action enforcement.EnforcementAction) {
	before := psi.ReadSystemMetrics()
	loadAvg := reasoner.LoadAverageString()
	start := time.Now()

	var killErr error
	if action.Action.Type == enforcement.ActionKillProcess {
		killErr = syscall.Kill(int(action.Action.PID), syscall.Signal(action.Action.Signal))
	}
	if killErr != nil {
		e.log.Warn("executor: kill syscall failed",
			zap.String("id", action.ID), zap.Uint32("pid", action.Action.PID), zap.Error(killErr))
	} else {
		e.log.Info("executor: process terminated",
			zap.String("id", action.ID), zap.Uint32("pid", action.Action.PID))
	}

	if err := e.queue.Complete(action.ID); err != nil {
		e.log.Warn("executor: completing action failed", zap.String("id", action.ID), zap.Error(err))
	}
	e.metrics.EnforcementExecutedTotal.Inc()

	time.Sleep(settleDelay)
	after := psi.ReadSystemMetrics()
	recoveryMs := time.Since(start).Milliseconds()
	psiAfter := after.CPUSomeAvg10

	pid := int32(action.Action.PID)
	incident := incidents.Incident{
		Timestamp:      start.Unix(),
		EventType:      eventType(action),
		PSICPU:         before.CPUSomeAvg10,
		PSIMemory:      before.MemoryFullAvg10,
		LoadAvg:        loadAvg,
		Action:         string(action.Action.Type),
		TargetPID:      &pid,
		SystemSnapshot: systemSnapshotJSON(before),
		RecoveryTimeMs: &recoveryMs,
		PSIAfter:       &psiAfter,
	}

	id, err := e.store.Insert(incident)
	if err != nil {
		e.log.Warn("executor: recording incident failed", zap.String("id", action.ID), zap.Error(err))
		return
	}
	incident.ID = id

	if e.analyzer == nil {
		return
	}
	if _, err := e.analyzer.AnalyzeAndRecord(ctx, e.store, incident); err != nil {
		e.log.Warn("executor: incident analysis failed", zap.Int64("incident_id", id), zap.Error(err))
	}
}

// eventType labels the incident with the approver that authorized it,
// matching the "circuit_breaker_*" naming convention the analyzer's canned
// explanations key off (see incidents.explainEventType); any other
// approver falls back to a generic "<source>_kill" label.
func eventType(action enforcement.EnforcementAction) string {
	if action.ApprovedBy != nil && *action.ApprovedBy == "circuit_breaker" {
		return "circuit_breaker_auto"
	}
	return fmt.Sprintf("%s_kill", action.Source)
}

func systemSnapshotJSON(m psi.SystemMetrics) string {
	return fmt.Sprintf(
		`{"cpu_some_avg10":%.2f,"memory_some_avg10":%.2f,"memory_full_avg10":%.2f,"io_some_avg10":%.2f,"io_full_avg10":%.2f}`,
		m.CPUSomeAvg10, m.MemorySomeAvg10, m.MemoryFullAvg10, m.IOSomeAvg10, m.IOFullAvg10,
	)
}
