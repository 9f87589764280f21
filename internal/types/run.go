package types

import "time"

// RunStatus is the Run Executor's top-level state machine position (§4.4).
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunQueued      RunStatus = "queued"
	RunRunning     RunStatus = "running"
	RunStreaming   RunStatus = "streaming"
	RunInterrupted RunStatus = "interrupted"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
	RunTimeout     RunStatus = "timeout"
)

// Terminal reports whether the run can no longer transition.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	default:
		return false
	}
}

// runTransitions enumerates the legal edges of the run state machine.
var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunPending: {
		RunQueued:   true,
		RunRunning:  true, // pending -> queued is skipped in local mode (§4.4)
		RunCancelled: true,
	},
	RunQueued: {
		RunRunning:   true,
		RunCancelled: true,
	},
	RunRunning: {
		RunStreaming:   true,
		RunInterrupted: true,
		RunCompleted:   true,
		RunFailed:      true,
		RunCancelled:   true,
		RunTimeout:     true,
	},
	RunStreaming: {
		RunInterrupted: true,
		RunCompleted:   true,
		RunFailed:      true,
		RunCancelled:   true,
		RunTimeout:     true,
	},
	RunInterrupted: {
		RunRunning:   true,
		RunCancelled: true,
		RunFailed:    true,
	},
}

// CanTransitionRun reports whether moving a run from `from` to `to` is legal.
// A terminal `from` never transitions further (terminal status is never
// overwritten, §8).
func CanTransitionRun(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	edges, ok := runTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// RunInput is the caller-submitted payload for a run.
type RunInput struct {
	Operation string            `json:"operation,omitempty"`
	Messages  []Message         `json:"messages,omitempty"`
	Context   map[string]any    `json:"context,omitempty"`
	Query     string            `json:"query,omitempty"`
	Question  string            `json:"question,omitempty"`
	Text      string            `json:"text,omitempty"`
	Categories []string         `json:"categories,omitempty"`
	Schema    map[string]any    `json:"schema,omitempty"`
	ContextIDs []string         `json:"contextIds,omitempty"`
	ToolName  string            `json:"toolName,omitempty"`
	Raw       map[string]any    `json:"raw,omitempty"`
}

// Artifact is a named output blob produced by a run.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data,omitempty"`
	URI         string `json:"uri,omitempty"`
}

// RunOutput is the terminal success payload of a run.
type RunOutput struct {
	Response   string         `json:"response"`
	Structured map[string]any `json:"structured,omitempty"`
	Artifacts  []Artifact     `json:"artifacts,omitempty"`
	Usage      TokenUsage     `json:"usage"`
	DurationMs int64          `json:"durationMs"`
}

// TokenUsage aggregates token accounting across a run's steps.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates usage from a step into the run total.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// RunError captures a terminal failure, matching the §7 error taxonomy shape.
type RunError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`
}

// Run is one driven execution of an agent against an input.
type Run struct {
	RunID       string     `json:"runId"`
	AgentID     string     `json:"agentId"`
	ThreadID    string     `json:"threadId,omitempty"`
	Status      RunStatus  `json:"status"`
	Input       RunInput   `json:"input"`
	Output      *RunOutput `json:"output,omitempty"`
	Steps       []Step     `json:"steps,omitempty"`
	Error       *RunError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DeadlineAt  *time.Time `json:"deadlineAt,omitempty"`
	// TimeoutMs is the caller-supplied override from RunOptions at
	// submission time, 0 if unset (§4.4 Timeouts: min of this, the
	// agent's default, and the process max governs the deadline).
	TimeoutMs int `json:"timeoutMs,omitempty"`
	// StreamingEnabled carries RunOptions.StreamingEnabled from
	// submission time. A handler's StartStreaming callback only takes
	// effect when this is set AND the dispatched agent advertises
	// extensions.supports_streaming (§4.4 step 6).
	StreamingEnabled bool `json:"streamingEnabled,omitempty"`
	// InterruptedAccumMs is the total wall-clock time spent in the
	// interrupted state; it is subtracted from the deadline check
	// since time spent interrupted does not count against the run's
	// deadline (§4.4 Timeouts).
	InterruptedAccumMs int64 `json:"interruptedAccumMs"`
}

// StepType enumerates the kinds of atomic work a run can perform (§3).
type StepType string

const (
	StepLLMCall         StepType = "llm_call"
	StepToolCall        StepType = "tool_call"
	StepAgentCall       StepType = "agent_call"
	StepDecision        StepType = "decision"
	StepSkillExecution  StepType = "skill_execution"
	StepKnowledgeQuery  StepType = "knowledge_query"
	StepParallelExec    StepType = "parallel_execution"
)

// StepStatus is the per-step state machine (§3, §5: pending -> running ->
// {completed, failed}, never returns to an earlier state).
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// ParallelPolicy governs how a parallel_execution step's children interact
// on failure (§4.4 Parallel steps; §9 Open question).
type ParallelPolicy string

const (
	ParallelStrict  ParallelPolicy = "strict"
	ParallelLenient ParallelPolicy = "lenient"
)

// Step is an atomic unit inside a run.
type Step struct {
	StepID      string         `json:"stepId"`
	Type        StepType       `json:"type"`
	Name        string         `json:"name"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	CalledAgentID string       `json:"calledAgentId,omitempty"`
	ParentStepID string        `json:"parentStepId,omitempty"`
	ParallelPolicy ParallelPolicy `json:"parallelPolicy,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// DurationMs returns the step's wall-clock duration, or 0 if not yet
// completed.
func (s Step) DurationMs() int64 {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt).Milliseconds()
}

// StepError is the "Result"-style error returned by a handler for one step;
// it never throws across a component boundary (§9 design note).
type StepError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// RunOptions are per-submission overrides accepted by the executor.
type RunOptions struct {
	TimeoutMs       int
	CheckpointEveryMs int
	StreamingEnabled  bool
	IdempotencyKey    string
}
