package types

import "time"

// InterruptType enumerates why a run suspended for human input (§3).
type InterruptType string

const (
	InterruptApprovalRequired     InterruptType = "approval_required"
	InterruptConfirmationRequired InterruptType = "confirmation_required"
	InterruptInputRequired        InterruptType = "input_required"
	InterruptClarificationRequired InterruptType = "clarification_required"
	InterruptSelectionRequired     InterruptType = "selection_required"
	InterruptConfidenceLow         InterruptType = "confidence_low"
	InterruptConflictDetected      InterruptType = "conflict_detected"
	InterruptErrorOccurred         InterruptType = "error_occurred"
	InterruptKnowledgeGap          InterruptType = "knowledge_gap"
	InterruptHighRiskOperation     InterruptType = "high_risk_operation"
	InterruptPolicyViolation       InterruptType = "policy_violation"
	InterruptAnomalyDetected       InterruptType = "anomaly_detected"
)

// Priority is the urgency of an interrupt for notification routing.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// InterruptStatus is the suspension point's lifecycle (§3).
type InterruptStatus string

const (
	InterruptPending   InterruptStatus = "pending"
	InterruptNotified  InterruptStatus = "notified"
	InterruptViewed    InterruptStatus = "viewed"
	InterruptResolved  InterruptStatus = "resolved"
	InterruptExpired   InterruptStatus = "expired"
	InterruptCancelled InterruptStatus = "cancelled"
)

// NonTerminal statuses are the ones that count toward the "at most one
// non-terminal interrupt per run" invariant (§3, §8).
func (s InterruptStatus) NonTerminal() bool {
	switch s {
	case InterruptPending, InterruptNotified, InterruptViewed:
		return true
	default:
		return false
	}
}

func (s InterruptStatus) Terminal() bool {
	switch s {
	case InterruptResolved, InterruptExpired, InterruptCancelled:
		return true
	default:
		return false
	}
}

// InterruptPayload is the caller-visible detail of a suspension point.
type InterruptPayload struct {
	Message        string         `json:"message"`
	Options        []string       `json:"options,omitempty"`
	ProposedAction string         `json:"proposedAction,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// InterruptResponse is the resolver's decision.
type InterruptResponse struct {
	Value     string         `json:"value"`
	Approved  bool           `json:"approved"`
	Detail    map[string]any `json:"detail,omitempty"`
	ResolvedBy string        `json:"resolvedBy,omitempty"`
}

// ExpiryPolicy decides what happens to the owning run when an interrupt
// expires unresolved (§4.5 Expiry).
type ExpiryPolicy string

const (
	ExpiryFailRun         ExpiryPolicy = "fail_run"
	ExpiryContinueWithout ExpiryPolicy = "continue_without"
)

// Interrupt is a suspension point owned by exactly one run.
type Interrupt struct {
	InterruptID string          `json:"interruptId"`
	RunID       string          `json:"runId"`
	ThreadID    string          `json:"threadId,omitempty"`
	AgentID     string          `json:"agentId"`
	Type        InterruptType   `json:"type"`
	Priority    Priority        `json:"priority"`
	Status      InterruptStatus `json:"status"`
	Payload     InterruptPayload `json:"payload"`
	Response    *InterruptResponse `json:"response,omitempty"`
	ExpiryPolicy ExpiryPolicy   `json:"expiryPolicy,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
}

// InterruptSpec is what a handler (or the guardrail layer) passes to
// Interrupt.Create.
type InterruptSpec struct {
	RunID        string
	ThreadID     string
	AgentID      string
	Type         InterruptType
	Priority     Priority
	Payload      InterruptPayload
	TimeoutMs    int64
	ExpiryPolicy ExpiryPolicy
}

// InterruptFilter restricts Interrupt Subsystem's list operation.
type InterruptFilter struct {
	RunID     string
	AgentID   string
	Status    InterruptStatus
	Type      InterruptType
	Limit     int
	Offset    int
}
