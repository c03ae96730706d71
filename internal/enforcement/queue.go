// Package enforcement implements the proposal → approval → execution
// state machine for corrective actions (currently just KillProcess),
// gated by a safety guard that runs even for auto-approved proposals.
package enforcement

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/longregen/linnix/internal/observability"
)

// ActionType names the kind of corrective action. KillProcess is the only
// action the agent can currently propose.
type ActionType string

const ActionKillProcess ActionType = "kill_process"

// Action is the concrete operation an EnforcementAction carries out.
type Action struct {
	Type   ActionType `json:"type"`
	PID    uint32     `json:"pid"`
	Signal int32      `json:"signal"`
}

// KillProcess builds a kill-process Action with the given signal.
func KillProcess(pid uint32, signal int32) Action {
	return Action{Type: ActionKillProcess, PID: pid, Signal: signal}
}

// Status is a state in the enforcement action lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

// EnforcementAction is one proposed corrective action and its audit trail.
type EnforcementAction struct {
	ID         string   `json:"id"`
	Action     Action   `json:"action"`
	Reason     string   `json:"reason"`
	Source     string   `json:"source"`
	Confidence *float64 `json:"confidence,omitempty"`
	Status     Status   `json:"status"`
	CreatedAt  int64    `json:"created_at"`
	ExpiresAt  int64    `json:"expires_at"`
	ApprovedBy *string  `json:"approved_by,omitempty"`
	ApprovedAt *int64   `json:"approved_at,omitempty"`
}

// SafetyGuard vets a proposed action before any queue entry is created.
// It runs unconditionally, even for auto_approve=true proposals.
type SafetyGuard interface {
	IsSafeToKill(pid uint32) error
}

// Queue is the in-memory enforcement action store. Actions are never
// garbage-collected; Expired/Rejected/Executed entries remain inspectable
// until process restart (see DESIGN.md's Open Question #3).
type Queue struct {
	mu      sync.Mutex
	actions map[string]*EnforcementAction
	nextID  atomic.Uint64
	ttl     time.Duration
	guard   SafetyGuard
	log     *zap.Logger

	// Metrics, if set, receives proposed/approved/rejected/expired counts.
	// Optional; nil in tests.
	Metrics *observability.Metrics
}

// NewQueue constructs a Queue. ttl is how long a Pending action stays
// approvable before lazily expiring.
func NewQueue(ttl time.Duration, guard SafetyGuard, log *zap.Logger) *Queue {
	return &Queue{
		actions: make(map[string]*EnforcementAction),
		ttl:     ttl,
		guard:   guard,
		log:     log,
	}
}

// Propose creates a Pending action after the safety guard approves it.
func (q *Queue) Propose(action Action, reason, source string, confidence *float64) (string, error) {
	return q.proposeInternal(action, reason, source, confidence, false)
}

// ProposeAuto creates an action that is immediately Approved (by
// "circuit_breaker") once the safety guard approves it, if autoApprove is
// true. Safety checks still run first — auto-approval never bypasses them.
func (q *Queue) ProposeAuto(action Action, reason, source string, confidence *float64, autoApprove bool) (string, error) {
	return q.proposeInternal(action, reason, source, confidence, autoApprove)
}

func (q *Queue) proposeInternal(action Action, reason, source string, confidence *float64, autoApprove bool) (string, error) {
	if action.Type == ActionKillProcess {
		if err := q.guard.IsSafeToKill(action.PID); err != nil {
			return "", err
		}
	}

	id := fmt.Sprintf("action-%d", q.nextID.Add(1))
	now := time.Now().Unix()

	entry := &EnforcementAction{
		ID:         id,
		Action:     action,
		Reason:     reason,
		Source:     source,
		Confidence: confidence,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now + int64(q.ttl.Seconds()),
	}

	if autoApprove {
		approver := "circuit_breaker"
		entry.Status = StatusApproved
		entry.ApprovedBy = &approver
		entry.ApprovedAt = &now
	}

	q.mu.Lock()
	q.actions[id] = entry
	q.mu.Unlock()

	if q.Metrics != nil {
		q.Metrics.EnforcementProposedTotal.WithLabelValues(source).Inc()
		if autoApprove {
			q.Metrics.EnforcementApprovedTotal.WithLabelValues("circuit_breaker").Inc()
		}
	}

	if autoApprove {
		q.log.Warn(fmt.Sprintf("CIRCUIT_BREAKER auto-approved %s source=%s reason=%s", id, source, reason))
	} else {
		q.log.Info("proposed enforcement action", zap.String("id", id))
	}

	return id, nil
}

// Approve transitions a Pending action to Approved. Lazily expires the
// action instead if its TTL has already elapsed.
func (q *Queue) Approve(id, approver string) (EnforcementAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, ok := q.actions[id]
	if !ok {
		return EnforcementAction{}, fmt.Errorf("action not found")
	}
	if action.Status != StatusPending {
		return EnforcementAction{}, fmt.Errorf("not pending: %s", action.Status)
	}

	now := time.Now().Unix()
	if now > action.ExpiresAt {
		action.Status = StatusExpired
		if q.Metrics != nil {
			q.Metrics.EnforcementExpiredTotal.Inc()
		}
		return EnforcementAction{}, fmt.Errorf("expired")
	}

	action.Status = StatusApproved
	action.ApprovedBy = &approver
	action.ApprovedAt = &now

	if q.Metrics != nil {
		q.Metrics.EnforcementApprovedTotal.WithLabelValues(approver).Inc()
	}

	q.log.Warn(fmt.Sprintf("APPROVED %s by %s reason=%s", id, approver, action.Reason))

	return *action, nil
}

// Reject transitions a Pending action to Rejected.
func (q *Queue) Reject(id, rejector string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, ok := q.actions[id]
	if !ok {
		return fmt.Errorf("action not found")
	}
	if action.Status != StatusPending {
		return fmt.Errorf("not pending: %s", action.Status)
	}

	action.Status = StatusRejected
	if q.Metrics != nil {
		q.Metrics.EnforcementRejectedTotal.Inc()
	}
	q.log.Info("rejected enforcement action", zap.String("id", id), zap.String("rejector", rejector))
	return nil
}

// Complete transitions an Approved action to Executed.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, ok := q.actions[id]
	if !ok {
		return fmt.Errorf("action not found")
	}
	if action.Status != StatusApproved {
		return fmt.Errorf("not approved: %s", action.Status)
	}

	action.Status = StatusExecuted
	q.log.Info("completed enforcement action", zap.String("id", id))
	return nil
}

// GetPending lazily expires stale Pending entries, then returns the
// remaining Pending actions.
func (q *Queue) GetPending() []EnforcementAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().Unix()
	var pending []EnforcementAction
	for _, action := range q.actions {
		if action.Status == StatusPending && now > action.ExpiresAt {
			action.Status = StatusExpired
			if q.Metrics != nil {
				q.Metrics.EnforcementExpiredTotal.Inc()
			}
		}
		if action.Status == StatusPending {
			pending = append(pending, *action)
		}
	}
	return pending
}

// GetByID returns the action with id, if any.
func (q *Queue) GetByID(id string) (EnforcementAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	action, ok := q.actions[id]
	if !ok {
		return EnforcementAction{}, false
	}
	return *action, true
}

// GetAll returns every tracked action regardless of status.
func (q *Queue) GetAll() []EnforcementAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EnforcementAction, 0, len(q.actions))
	for _, action := range q.actions {
		out = append(out, *action)
	}
	return out
}
